// Package security implements the client side of RPC connection
// negotiation.
//
// A ClientNegotiation takes a freshly connected stream through five ordered
// phases: connection header, feature and mechanism negotiation, an optional
// TLS handshake, the authentication exchange (with channel binding
// verification when applicable), and the connection context. TLS and
// authentication are delegated to pluggable engines (TLSContext and
// AuthProvider); this package only drives them over the wire.
package security

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/bbockelm/tabletrpc/message"
	"github.com/bbockelm/tabletrpc/protocol"
)

// DefaultMaxDecodeSize is the largest input passed to a single Decode call
// when an engine does not state its own limit
const DefaultMaxDecodeSize = 1024

// AuthCallbacks lets an authentication engine query the session for
// credentials and options
type AuthCallbacks interface {
	// AuthName returns the authentication identity
	AuthName() (string, error)
	// Password returns the secret for AuthName
	Password() (string, error)
	// Option returns a plugin option, e.g. "mech_list"
	Option(plugin, option string) (string, bool)
}

// AuthEngine performs one client authentication exchange.
// Errors that mean the peer rejected us should wrap ErrNotAuthorized.
type AuthEngine interface {
	// Start picks a mechanism from mechanisms and returns its initial token
	Start(ctx context.Context, mechanisms []string) (mechanism string, token []byte, err error)
	// Step consumes a server challenge and returns the response token
	Step(ctx context.Context, challenge []byte) ([]byte, error)
	// EnableIntegrityProtection turns on the engine's integrity layer for
	// everything passed through Encode and Decode
	EnableIntegrityProtection() error
	Encode(plaintext []byte) ([]byte, error)
	// Decode may be fed a protected message in arbitrary pieces; it buffers
	// incomplete input and returns whatever plaintext becomes available
	Decode(encoded []byte) ([]byte, error)
	// MaxDecodeSize is the largest input Decode accepts per call
	MaxDecodeSize() int
}

// AuthProvider creates authentication engines
type AuthProvider interface {
	// Mechanisms lists the mechanisms the provider can run
	Mechanisms() MechanismSet
	NewClient(serverFQDN string, callbacks AuthCallbacks) (AuthEngine, error)
}

// DecodeChunked decodes encoded in pieces no larger than the engine's
// MaxDecodeSize and concatenates the output
func DecodeChunked(engine AuthEngine, encoded []byte) ([]byte, error) {
	chunk := engine.MaxDecodeSize()
	if chunk <= 0 {
		chunk = DefaultMaxDecodeSize
	}

	var plaintext []byte
	for offset := 0; offset < len(encoded); {
		end := min(offset+chunk, len(encoded))
		out, err := engine.Decode(encoded[offset:end])
		if err != nil {
			return nil, err
		}
		plaintext = append(plaintext, out...)
		offset = end
	}
	return plaintext, nil
}

// sessionCallbacks answers engine callbacks from session state
type sessionCallbacks struct {
	n *ClientNegotiation
}

func (c sessionCallbacks) AuthName() (string, error) {
	if !c.n.enabled.Contains(MechanismPlain) {
		return "", fmt.Errorf("user name requested, but PLAIN authentication is not enabled")
	}
	return c.n.plain.User, nil
}

func (c sessionCallbacks) Password() (string, error) {
	if !c.n.enabled.Contains(MechanismPlain) {
		return "", fmt.Errorf("password requested, but PLAIN authentication is not enabled")
	}
	return c.n.plain.Password, nil
}

func (c sessionCallbacks) Option(plugin, option string) (string, bool) {
	if option == "mech_list" {
		return strings.Join(c.n.enabled.Names(), " "), true
	}
	return "", false
}

// engineError classifies an error returned by an authentication engine
func engineError(ctx context.Context, phase Phase, msg string, err error) error {
	if errors.Is(err, ErrNotAuthorized) {
		var negErr *NegotiationError
		if errors.As(err, &negErr) {
			return err
		}
		return &NegotiationError{Kind: KindNotAuthorized, Phase: phase, Msg: msg, Err: err}
	}
	return wrapPhaseError(ctx, phase, msg, err)
}

// authenticate runs the authentication exchange with the negotiated mechanism
func (n *ClientNegotiation) authenticate(ctx context.Context) error {
	engine, err := n.authProvider.NewClient(n.serverFQDN, sessionCallbacks{n: n})
	if err != nil {
		return runtimeFailure(PhaseAuthentication, "unable to create authentication client", err)
	}
	n.authEngine = engine

	if err := n.sendSaslInitiate(ctx); err != nil {
		return err
	}

	for {
		response, err := n.receiveNegotiate(ctx, PhaseAuthentication)
		if err != nil {
			return err
		}
		action, err := authTransition(response.Step)
		if err != nil {
			return err
		}

		switch action {
		case authRespond:
			if err := n.handleSaslChallenge(ctx, response); err != nil {
				return err
			}
		case authDone:
			n.logger.Debug("Received SASL_SUCCESS response from server")
			n.success = response
			return n.advance(PhaseAuthentication, stateAuthenticated)
		}
	}
}

func (n *ClientNegotiation) sendSaslInitiate(ctx context.Context) error {
	if n.state != stateTLSComplete || n.negotiatedMech == MechanismInvalid {
		return runtimeFailure(PhaseAuthentication, "internal error",
			fmt.Errorf("authentication initiated in state %s with mechanism %s", n.state, n.negotiatedMech))
	}
	n.logger.Debug("Initiating authentication", "mechanism", n.negotiatedMech)

	// The engine gets exactly one choice, and must take it
	mech, token, err := n.authEngine.Start(ctx, []string{n.negotiatedMech.String()})
	if err != nil {
		return engineError(ctx, PhaseAuthentication, "unable to start authentication", err)
	}
	if ParseMechanism(mech) != n.negotiatedMech {
		return runtimeFailure(PhaseAuthentication, "internal error",
			fmt.Errorf("authentication engine selected %q, expected %q", mech, n.negotiatedMech))
	}

	// Channel bindings can only be verified with integrity protection on
	if n.tlsNegotiated && n.negotiatedMech == MechanismStrongAuth {
		if err := n.authEngine.EnableIntegrityProtection(); err != nil {
			return engineError(ctx, PhaseAuthentication, "unable to enable integrity protection", err)
		}
	}

	return n.sendNegotiate(ctx, PhaseAuthentication, &message.Negotiate{
		Step:           protocol.SASL_INITIATE,
		Token:          token,
		HasToken:       true,
		SaslMechanisms: []message.SaslMechanism{{Mechanism: mech}},
	})
}

func (n *ClientNegotiation) handleSaslChallenge(ctx context.Context, response *message.Negotiate) error {
	n.logger.Debug("Received SASL_CHALLENGE response from server")
	if !response.HasToken {
		return notAuthorized(PhaseAuthentication, "no token in SASL_CHALLENGE response from server", "")
	}

	out, err := n.authEngine.Step(ctx, response.Token)
	if err != nil {
		return engineError(ctx, PhaseAuthentication, "authentication step failed", err)
	}

	return n.sendNegotiate(ctx, PhaseAuthentication, &message.Negotiate{
		Step:     protocol.SASL_RESPONSE,
		Token:    out,
		HasToken: true,
	})
}
