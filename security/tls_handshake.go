package security

import (
	"context"
	"crypto/x509"
	"net"

	"github.com/pkg/errors"

	"github.com/bbockelm/tabletrpc/message"
	"github.com/bbockelm/tabletrpc/protocol"
)

// HandshakeRole selects which side of a TLS handshake to run
type HandshakeRole int

const (
	RoleClient HandshakeRole = iota
	RoleServer
)

// VerificationMode controls peer certificate verification
type VerificationMode int

const (
	// VerifyRemoteCertAndHost verifies the chain and, for clients, the host name
	VerifyRemoteCertAndHost VerificationMode = iota
	// VerifyNone accepts any certificate. Authentication then relies on the
	// authentication mechanism (and channel bindings for StrongAuth).
	VerifyNone
)

// TLSContext starts TLS handshakes
type TLSContext interface {
	InitiateHandshake(role HandshakeRole) (TLSHandshaker, error)
}

// TLSHandshaker is one in-progress TLS handshake driven token by token
type TLSHandshaker interface {
	// SetVerificationMode must be called before the first Continue
	SetVerificationMode(mode VerificationMode)
	// Continue consumes a token from the peer and returns the token to send.
	// done is true once the local side has finished the handshake; out may
	// still be non-empty then and must be delivered to the peer.
	Continue(ctx context.Context, token []byte) (out []byte, done bool, err error)
	// Finish returns raw wrapped in the TLS record layer
	Finish(raw net.Conn) (net.Conn, error)
	// FinishNoWrap completes the handshake without wrapping raw; traffic
	// continues in the clear
	FinishNoWrap(raw net.Conn) error
	// RemoteCertificate returns the peer's leaf certificate
	RemoteCertificate() (*x509.Certificate, error)
	// Abort releases a handshake that will not be finished. It is safe to
	// call at any point, more than once.
	Abort()
}

func (n *ClientNegotiation) tlsEligible() bool {
	return n.tlsContext != nil &&
		n.clientFeatures.Contains(protocol.TLS) &&
		n.serverFeatures.Contains(protocol.TLS)
}

// handshakeTLS runs the TLS handshake if both sides support it
func (n *ClientNegotiation) handshakeTLS(ctx context.Context) error {
	if !n.tlsEligible() {
		n.logger.Debug("Skipping TLS handshake", "server_features", n.serverFeatures.String())
		return n.advance(PhaseTLSHandshake, stateTLSComplete)
	}

	handshake, err := n.tlsContext.InitiateHandshake(RoleClient)
	if err != nil {
		return runtimeFailure(PhaseTLSHandshake, "unable to initiate TLS handshake", err)
	}
	n.tlsHandshake = handshake

	// Neither mechanism authenticates the server through its certificate:
	// StrongAuth relies on channel bindings, and Plain only wants encryption
	if n.negotiatedMech == MechanismStrongAuth || n.negotiatedMech == MechanismPlain {
		handshake.SetVerificationMode(VerifyNone)
	}

	// Start as if the server had sent an empty TLS_HANDSHAKE token
	err = n.handleTLSHandshake(ctx, &message.Negotiate{
		Step:            protocol.TLS_HANDSHAKE,
		HasTLSHandshake: true,
	})
	for errors.Is(err, errIncomplete) {
		response, rerr := n.receiveNegotiate(ctx, PhaseTLSHandshake)
		if rerr != nil {
			return rerr
		}
		err = n.handleTLSHandshake(ctx, response)
	}
	if err != nil {
		return err
	}

	n.tlsNegotiated = true
	return n.advance(PhaseTLSHandshake, stateTLSComplete)
}

// handleTLSHandshake feeds one server token to the handshake. It returns
// errIncomplete after sending the next client token.
func (n *ClientNegotiation) handleTLSHandshake(ctx context.Context, response *message.Negotiate) error {
	if response.Step != protocol.TLS_HANDSHAKE {
		return notAuthorized(PhaseTLSHandshake, "expected TLS_HANDSHAKE step", response.Step.String())
	}
	if !response.HasTLSHandshake {
		return notAuthorized(PhaseTLSHandshake, "No TLS handshake token in TLS_HANDSHAKE response from server", "")
	}

	out, done, err := n.tlsHandshake.Continue(ctx, response.TLSHandshake)
	if err != nil {
		return wrapPhaseError(ctx, PhaseTLSHandshake, "TLS handshake failed", err)
	}
	if !done {
		n.tlsRounds++
		if err := n.sendTLSHandshake(ctx, out); err != nil {
			return err
		}
		return errIncomplete
	}

	// Some TLS versions finish on the client side with a final flight that
	// the server still needs, with no reply expected
	if len(out) > 0 {
		n.tlsRounds++
		if err := n.sendTLSHandshake(ctx, out); err != nil {
			return err
		}
	}

	raw := n.stream.GetConnection()
	if authOnlyTLS(n.clientFeatures, n.serverFeatures) {
		n.logger.Debug("Negotiated auth-only TLS")
		n.authOnly = true
		if err := n.tlsHandshake.FinishNoWrap(raw); err != nil {
			return runtimeFailure(PhaseTLSHandshake, "unable to finish TLS handshake", err)
		}
		return nil
	}

	wrapped, err := n.tlsHandshake.Finish(raw)
	if err != nil {
		return runtimeFailure(PhaseTLSHandshake, "unable to finish TLS handshake", err)
	}
	n.stream.SetConnection(wrapped)
	return nil
}

func (n *ClientNegotiation) sendTLSHandshake(ctx context.Context, token []byte) error {
	return n.sendNegotiate(ctx, PhaseTLSHandshake, &message.Negotiate{
		Step:            protocol.TLS_HANDSHAKE,
		TLSHandshake:    token,
		HasTLSHandshake: true,
	})
}
