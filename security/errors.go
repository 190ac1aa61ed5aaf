package security

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bbockelm/tabletrpc/message"
	"github.com/bbockelm/tabletrpc/stream"
)

// ErrorKind classifies a negotiation failure
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotAuthorized
	KindInvalidConfiguration
	KindTimedOut
	KindRuntimeFailure
)

// Sentinels matched by errors.Is against a *NegotiationError of the same kind
var (
	ErrNotAuthorized        = errors.New("not authorized")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrTimedOut             = errors.New("timed out")
	ErrRuntimeFailure       = errors.New("runtime failure")
)

// errIncomplete signals that a handshake loop needs another round trip.
// It never escapes the loops that produce it.
var errIncomplete = errors.New("incomplete")

// errUnexpectedMismatch marks a mechanism mismatch that neither side's
// StrongAuth requirement explains
var errUnexpectedMismatch = errors.New("unexpected mechanism mismatch")

func (k ErrorKind) String() string {
	switch k {
	case KindNotAuthorized:
		return "not authorized"
	case KindInvalidConfiguration:
		return "invalid configuration"
	case KindTimedOut:
		return "timed out"
	case KindRuntimeFailure:
		return "runtime failure"
	}
	return "unknown"
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotAuthorized:
		return ErrNotAuthorized
	case KindInvalidConfiguration:
		return ErrInvalidConfiguration
	case KindTimedOut:
		return ErrTimedOut
	case KindRuntimeFailure:
		return ErrRuntimeFailure
	}
	return nil
}

// NegotiationError is the terminal error of a failed negotiation
type NegotiationError struct {
	Kind   ErrorKind
	Phase  Phase
	Msg    string
	Detail string // Optional second part, e.g. the unexpected step name
	Err    error  // Underlying cause, if any
}

func (e *NegotiationError) Error() string {
	s := fmt.Sprintf("%s: %s: %s", e.Phase, e.Kind, e.Msg)
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying cause
func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind
func (e *NegotiationError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf returns the kind of a negotiation error, or KindUnknown
func KindOf(err error) ErrorKind {
	var negErr *NegotiationError
	if errors.As(err, &negErr) {
		return negErr.Kind
	}
	return KindUnknown
}

func notAuthorized(phase Phase, msg, detail string) error {
	return &NegotiationError{Kind: KindNotAuthorized, Phase: phase, Msg: msg, Detail: detail}
}

func invalidConfiguration(phase Phase, msg string) error {
	return &NegotiationError{Kind: KindInvalidConfiguration, Phase: phase, Msg: msg}
}

func runtimeFailure(phase Phase, msg string, err error) error {
	return &NegotiationError{Kind: KindRuntimeFailure, Phase: phase, Msg: msg, Err: err}
}

func timedOut(phase Phase, err error) error {
	return &NegotiationError{Kind: KindTimedOut, Phase: phase, Msg: "negotiation deadline exceeded", Err: err}
}

// wrapPhaseError turns a collaborator error into a NegotiationError. Errors
// that already carry a kind pass through unchanged.
func wrapPhaseError(ctx context.Context, phase Phase, msg string, err error) error {
	if err == nil {
		return nil
	}
	var negErr *NegotiationError
	if errors.As(err, &negErr) {
		return err
	}
	if errors.Is(err, stream.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return timedOut(phase, err)
	}
	var tooLarge *message.ErrMessageTooLarge
	if errors.As(err, &tooLarge) {
		return runtimeFailure(phase, "oversized message from server", err)
	}
	return runtimeFailure(phase, msg, err)
}
