package security

import (
	"context"
	"crypto"
	"crypto/subtle"
	"crypto/x509"
	"fmt"

	// Register the digests used by ServerEndpointChannelBindings
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// ServerEndpointChannelBindings computes the tls-server-end-point channel
// binding of a certificate (RFC 5929 section 4.1): the certificate hashed
// with its signature's digest, upgraded to SHA-256 for MD5 and SHA-1.
func ServerEndpointChannelBindings(cert *x509.Certificate) ([]byte, error) {
	if cert == nil {
		return nil, fmt.Errorf("no certificate")
	}

	var hash crypto.Hash
	switch cert.SignatureAlgorithm {
	case x509.MD5WithRSA, x509.SHA1WithRSA, x509.DSAWithSHA1, x509.ECDSAWithSHA1,
		x509.SHA256WithRSA, x509.SHA256WithRSAPSS, x509.DSAWithSHA256, x509.ECDSAWithSHA256:
		hash = crypto.SHA256
	case x509.SHA384WithRSA, x509.SHA384WithRSAPSS, x509.ECDSAWithSHA384:
		hash = crypto.SHA384
	case x509.SHA512WithRSA, x509.SHA512WithRSAPSS, x509.ECDSAWithSHA512:
		hash = crypto.SHA512
	default:
		return nil, fmt.Errorf("unable to determine channel binding digest for signature algorithm %s",
			cert.SignatureAlgorithm)
	}

	h := hash.New()
	_, _ = h.Write(cert.Raw)
	return h.Sum(nil), nil
}

// verifyChannelBindings checks that the server's authentication is tied to
// the TLS channel we negotiated. Only StrongAuth over TLS carries bindings.
func (n *ClientNegotiation) verifyChannelBindings(ctx context.Context) error {
	if !n.tlsNegotiated || n.negotiatedMech != MechanismStrongAuth {
		return n.advance(PhaseChannelBinding, stateBindingsVerified)
	}

	cert, err := n.tlsHandshake.RemoteCertificate()
	if err != nil {
		return runtimeFailure(PhaseChannelBinding, "unable to get server certificate", err)
	}
	expected, err := ServerEndpointChannelBindings(cert)
	if err != nil {
		return runtimeFailure(PhaseChannelBinding, "failed to generate channel bindings", err)
	}

	if !n.success.HasChannelBindings {
		return notAuthorized(PhaseChannelBinding, "no channel bindings provided by server", "")
	}

	received, err := DecodeChunked(n.authEngine, n.success.ChannelBindings)
	if err != nil {
		return engineError(ctx, PhaseChannelBinding, "failed to decode channel bindings", err)
	}

	if subtle.ConstantTimeCompare(expected, received) != 1 {
		n.logger.Warn("Received unexpected channel bindings from server, "+
			"this could indicate an active network man-in-the-middle",
			"peer", n.stream.GetPeerAddr())
		return notAuthorized(PhaseChannelBinding, "channel bindings do not match", "")
	}

	return n.advance(PhaseChannelBinding, stateBindingsVerified)
}
