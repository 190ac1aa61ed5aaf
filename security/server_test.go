package security

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/bbockelm/tabletrpc/message"
	"github.com/bbockelm/tabletrpc/protocol"
	"github.com/bbockelm/tabletrpc/stream"
)

// testServer is the server end of a negotiation, driven step by step from
// a test script
type testServer struct {
	stream  *stream.Stream
	channel *message.Channel
}

func newTestServer(conn net.Conn) *testServer {
	s := stream.NewStream(conn)
	return &testServer{stream: s, channel: message.NewChannel(s, 0)}
}

// runServer runs script against conn on its own goroutine
func runServer(conn net.Conn, script func(ctx context.Context, s *testServer) error) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		errCh <- script(ctx, newTestServer(conn))
	}()
	return errCh
}

// newPipeNegotiation creates a client negotiation over one end of a pipe and
// returns the server end
func newPipeNegotiation(t *testing.T, tlsContext TLSContext, provider AuthProvider) (*ClientNegotiation, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})
	n := NewClientNegotiation(stream.NewStream(clientConn), tlsContext, provider)
	n.SetDeadline(time.Now().Add(5 * time.Second))
	return n, serverConn
}

func (s *testServer) receive(ctx context.Context, step protocol.NegotiateStep) (*message.Negotiate, error) {
	header, body, err := s.channel.ReceiveRequest(ctx)
	if err != nil {
		return nil, err
	}
	if header.CallID != protocol.NegotiateCallID {
		return nil, fmt.Errorf("expected call id %d, got %d", protocol.NegotiateCallID, header.CallID)
	}
	msg := &message.Negotiate{}
	if err := msg.Unmarshal(body); err != nil {
		return nil, err
	}
	if msg.Step != step {
		return nil, fmt.Errorf("expected step %s, got %s", step, msg.Step)
	}
	return msg, nil
}

func (s *testServer) send(ctx context.Context, msg *message.Negotiate) error {
	return s.channel.SendResponse(ctx, &message.ResponseHeader{CallID: protocol.NegotiateCallID}, msg)
}

func (s *testServer) sendError(ctx context.Context, status *message.ErrorStatus) error {
	return s.channel.SendResponse(ctx, &message.ResponseHeader{CallID: protocol.NegotiateCallID, IsError: true}, status)
}

// negotiate reads the connection header and the client's NEGOTIATE, and
// answers with features and mechs
func (s *testServer) negotiate(ctx context.Context, features []protocol.FeatureFlag, mechs ...string) (*message.Negotiate, error) {
	if err := s.channel.ReceiveConnectionHeader(ctx); err != nil {
		return nil, fmt.Errorf("connection header: %w", err)
	}
	request, err := s.receive(ctx, protocol.NEGOTIATE)
	if err != nil {
		return nil, err
	}
	response := &message.Negotiate{Step: protocol.NEGOTIATE, SupportedFeatures: features}
	for _, mech := range mechs {
		response.SaslMechanisms = append(response.SaslMechanisms, message.SaslMechanism{Mechanism: mech})
	}
	return request, s.send(ctx, response)
}

func (s *testServer) expectConnectionContext(ctx context.Context) (*message.ConnectionContext, error) {
	header, body, err := s.channel.ReceiveRequest(ctx)
	if err != nil {
		return nil, err
	}
	if header.CallID != protocol.ConnectionContextCallID {
		return nil, fmt.Errorf("expected call id %d, got %d", protocol.ConnectionContextCallID, header.CallID)
	}
	cc := &message.ConnectionContext{}
	return cc, cc.Unmarshal(body)
}

// mockTLS answers rounds TLS_HANDSHAKE messages from a mockHandshaker
func (s *testServer) mockTLS(ctx context.Context, rounds int) error {
	for i := range rounds {
		msg, err := s.receive(ctx, protocol.TLS_HANDSHAKE)
		if err != nil {
			return err
		}
		if want := fmt.Sprintf("client-%d", i); string(msg.TLSHandshake) != want {
			return fmt.Errorf("expected token %q, got %q", want, msg.TLSHandshake)
		}
		err = s.send(ctx, &message.Negotiate{
			Step:            protocol.TLS_HANDSHAKE,
			TLSHandshake:    []byte(fmt.Sprintf("server-%d", i)),
			HasTLSHandshake: true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// realTLS runs the server side of a crypto/tls handshake. With authOnly
// the stream stays in the clear afterwards.
func (s *testServer) realTLS(ctx context.Context, tlsContext TLSContext, authOnly bool) (TLSHandshaker, error) {
	hs, err := tlsContext.InitiateHandshake(RoleServer)
	if err != nil {
		return nil, err
	}
	hs.SetVerificationMode(VerifyNone)

	for {
		msg, err := s.receive(ctx, protocol.TLS_HANDSHAKE)
		if err != nil {
			return nil, err
		}
		out, done, err := hs.Continue(ctx, msg.TLSHandshake)
		if err != nil {
			return nil, err
		}
		if !done || len(out) > 0 {
			err = s.send(ctx, &message.Negotiate{Step: protocol.TLS_HANDSHAKE, TLSHandshake: out, HasTLSHandshake: true})
			if err != nil {
				return nil, err
			}
		}
		if done {
			break
		}
	}

	if authOnly {
		return hs, hs.FinishNoWrap(s.stream.GetConnection())
	}
	wrapped, err := hs.Finish(s.stream.GetConnection())
	if err != nil {
		return nil, err
	}
	s.stream.SetConnection(wrapped)
	return hs, nil
}

// serverTLSConfig builds a server config for cert. maxVersion 0 allows
// the newest version.
func serverTLSConfig(cert tls.Certificate, maxVersion uint16) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   maxVersion,
	}
}

// mockTLSContext hands out mockHandshakers
type mockTLSContext struct {
	rounds int
	final  string
	cert   *x509.Certificate
	last   *mockHandshaker
}

func (c *mockTLSContext) InitiateHandshake(role HandshakeRole) (TLSHandshaker, error) {
	c.last = &mockHandshaker{rounds: c.rounds, final: c.final, cert: c.cert, mode: VerifyRemoteCertAndHost}
	return c.last, nil
}

// mockHandshaker emits "client-N" tokens for rounds calls, then completes
// with final as its last flight
type mockHandshaker struct {
	rounds   int
	final    string
	calls    int
	cert     *x509.Certificate
	mode     VerificationMode
	received []string

	finished       bool
	finishedNoWrap bool
	aborted        bool
}

func (h *mockHandshaker) Abort() {
	h.aborted = true
}

func (h *mockHandshaker) SetVerificationMode(mode VerificationMode) {
	h.mode = mode
}

func (h *mockHandshaker) Continue(ctx context.Context, token []byte) ([]byte, bool, error) {
	h.received = append(h.received, string(token))
	if h.calls < h.rounds {
		out := fmt.Sprintf("client-%d", h.calls)
		h.calls++
		return []byte(out), false, nil
	}
	if h.final != "" {
		return []byte(h.final), true, nil
	}
	return nil, true, nil
}

func (h *mockHandshaker) Finish(raw net.Conn) (net.Conn, error) {
	h.finished = true
	return raw, nil
}

func (h *mockHandshaker) FinishNoWrap(raw net.Conn) error {
	h.finishedNoWrap = true
	return nil
}

func (h *mockHandshaker) RemoteCertificate() (*x509.Certificate, error) {
	if h.cert == nil {
		return nil, fmt.Errorf("no certificate")
	}
	return h.cert, nil
}

// mockAuthProvider always returns the same engine
type mockAuthProvider struct {
	mechs      MechanismSet
	engine     *mockAuthEngine
	serverFQDN string
}

func (p *mockAuthProvider) Mechanisms() MechanismSet {
	return p.mechs
}

func (p *mockAuthProvider) NewClient(serverFQDN string, callbacks AuthCallbacks) (AuthEngine, error) {
	p.serverFQDN = serverFQDN
	return p.engine, nil
}

// mockAuthEngine echoes challenges and passes data through its security
// layer, accepting at most 4 bytes per Decode
type mockAuthEngine struct {
	started     []string
	steps       int
	integrity   bool
	decodeSizes []int
}

func (e *mockAuthEngine) Start(ctx context.Context, mechanisms []string) (string, []byte, error) {
	e.started = mechanisms
	return mechanisms[0], []byte("initial"), nil
}

func (e *mockAuthEngine) Step(ctx context.Context, challenge []byte) ([]byte, error) {
	e.steps++
	return append([]byte("response:"), challenge...), nil
}

func (e *mockAuthEngine) EnableIntegrityProtection() error {
	e.integrity = true
	return nil
}

func (e *mockAuthEngine) Encode(plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (e *mockAuthEngine) Decode(encoded []byte) ([]byte, error) {
	if len(encoded) > e.MaxDecodeSize() {
		return nil, fmt.Errorf("decode input of %d bytes exceeds limit", len(encoded))
	}
	e.decodeSizes = append(e.decodeSizes, len(encoded))
	return encoded, nil
}

func (e *mockAuthEngine) MaxDecodeSize() int {
	return 4
}

// recordingObserver keeps every outcome it sees
type recordingObserver struct {
	outcomes []Outcome
}

func (o *recordingObserver) NegotiationFinished(outcome Outcome) {
	o.outcomes = append(o.outcomes, outcome)
}

// ticketAcceptor is the server side of ticket authentication
type ticketAcceptor struct {
	signingKey []byte
	keys       ticketKeys
	ra, rb     []byte
	integrity  integrityLayer
}

func (a *ticketAcceptor) accept(initiate []byte) ([]byte, error) {
	fields, err := decodeTicketFields(initiate, 2)
	if err != nil {
		return nil, err
	}
	body, ra := string(fields[0]), fields[1]

	// The ticket signature is HMAC-SHA256 over header.payload
	mac := hmac.New(sha256.New, a.signingKey)
	mac.Write([]byte(body))
	if a.keys, err = deriveTicketKeys(mac.Sum(nil), body); err != nil {
		return nil, err
	}

	a.ra = ra
	a.rb = make([]byte, TicketNonceLength)
	if _, err := rand.Read(a.rb); err != nil {
		return nil, err
	}
	return encodeTicketFields(a.rb, computeTicketMAC(a.keys.mac, "server", a.ra, a.rb)), nil
}

func (a *ticketAcceptor) verify(response []byte) error {
	fields, err := decodeTicketFields(response, 1)
	if err != nil {
		return err
	}
	if !hmac.Equal(fields[0], computeTicketMAC(a.keys.mac, "client", a.ra, a.rb)) {
		return fmt.Errorf("client MAC mismatch")
	}
	key, err := deriveSessionIntegrityKey(a.keys.integrity, a.ra, a.rb)
	if err != nil {
		return err
	}
	a.integrity = newIntegrityLayer(key)
	return nil
}
