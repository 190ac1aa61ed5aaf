package security

import (
	"fmt"

	"github.com/bbockelm/tabletrpc/protocol"
)

// Phase names a stage of client negotiation
type Phase int

const (
	PhaseSetup Phase = iota
	PhaseConnectionHeader
	PhaseNegotiate
	PhaseTLSHandshake
	PhaseAuthentication
	PhaseChannelBinding
	PhaseConnectionContext
)

func (p Phase) String() string {
	switch p {
	case PhaseSetup:
		return "setup"
	case PhaseConnectionHeader:
		return "connection header"
	case PhaseNegotiate:
		return "negotiate"
	case PhaseTLSHandshake:
		return "TLS handshake"
	case PhaseAuthentication:
		return "authentication"
	case PhaseChannelBinding:
		return "channel binding"
	case PhaseConnectionContext:
		return "connection context"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// sessionState is the position of a session in its single forward path.
// Skipped phases (TLS, channel binding) still pass through their state.
type sessionState int

const (
	stateInit sessionState = iota
	stateHeaderSent
	stateFeaturesNegotiated
	stateTLSComplete
	stateAuthenticated
	stateBindingsVerified
	stateReady
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateHeaderSent:
		return "header-sent"
	case stateFeaturesNegotiated:
		return "features-negotiated"
	case stateTLSComplete:
		return "tls-complete"
	case stateAuthenticated:
		return "authenticated"
	case stateBindingsVerified:
		return "bindings-verified"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// advance moves the session one state forward
func (n *ClientNegotiation) advance(phase Phase, to sessionState) error {
	if to != n.state+1 || to == stateFailed {
		return runtimeFailure(phase, "internal error",
			fmt.Errorf("invalid state transition %s -> %s", n.state, to))
	}
	n.state = to
	return nil
}

// authAction is what the authentication loop does with a server message
type authAction int

const (
	authRespond authAction = iota + 1
	authDone
)

// authTransition maps a server step received during authentication to the
// loop's next action
func authTransition(step protocol.NegotiateStep) (authAction, error) {
	switch step {
	case protocol.SASL_CHALLENGE:
		return authRespond, nil
	case protocol.SASL_SUCCESS:
		return authDone, nil
	case protocol.NEGOTIATE, protocol.SASL_INITIATE, protocol.SASL_RESPONSE,
		protocol.TLS_HANDSHAKE, protocol.UNKNOWN_STEP:
	}
	return 0, notAuthorized(PhaseAuthentication, "expected SASL_CHALLENGE or SASL_SUCCESS step", step.String())
}
