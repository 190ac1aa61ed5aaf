package security

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bbockelm/tabletrpc/message"
	"github.com/bbockelm/tabletrpc/protocol"
	"github.com/bbockelm/tabletrpc/stream"
)

// Observer is notified once per negotiation attempt
type Observer interface {
	NegotiationFinished(outcome Outcome)
}

// Outcome summarizes a finished negotiation attempt
type Outcome struct {
	Peer      string
	AttemptID string
	Mechanism Mechanism
	TLS       bool
	AuthOnly  bool
	TLSRounds int
	Duration  time.Duration
	Err       error
}

// ClientNegotiation negotiates one client connection. It is single use and
// not safe for concurrent use.
type ClientNegotiation struct {
	stream       *stream.Stream
	channel      *message.Channel
	tlsContext   TLSContext
	authProvider AuthProvider

	// Settings, fixed before Negotiate
	enabled         MechanismSet
	plain           PlainCredentials
	user            UserCredentials
	serverFQDN      string
	encryptLoopback bool
	maxMessageSize  int
	deadline        time.Time

	// Negotiated state
	clientFeatures FeatureSet
	serverFeatures FeatureSet
	negotiatedMech Mechanism
	tlsNegotiated  bool
	authOnly       bool
	tlsRounds      int
	tlsHandshake   TLSHandshaker
	authEngine     AuthEngine
	success        *message.Negotiate
	realUser       string

	state     sessionState
	attemptID string
	logger    *slog.Logger
	observer  Observer
}

// NewClientNegotiation creates a negotiation over s. tlsContext may be nil,
// in which case TLS is not offered to the server.
func NewClientNegotiation(s *stream.Stream, tlsContext TLSContext, authProvider AuthProvider) *ClientNegotiation {
	attemptID := uuid.NewString()
	return &ClientNegotiation{
		stream:         s,
		tlsContext:     tlsContext,
		authProvider:   authProvider,
		negotiatedMech: MechanismInvalid,
		attemptID:      attemptID,
		logger:         slog.Default().With("peer", s.GetPeerAddr(), "attempt", attemptID),
	}
}

func (n *ClientNegotiation) enableMechanism(mech Mechanism) error {
	if n.state != stateInit {
		return invalidConfiguration(PhaseSetup, "mechanisms must be enabled before negotiation starts")
	}
	if n.authProvider == nil || !n.authProvider.Mechanisms().Contains(mech) {
		return invalidConfiguration(PhaseSetup, fmt.Sprintf("unable to find authentication plugin for %s", mech))
	}
	n.enabled = n.enabled.Add(mech)
	return nil
}

// EnablePlain enables the Plain mechanism with the given credentials
func (n *ClientNegotiation) EnablePlain(user, password string) error {
	if user == "" {
		return invalidConfiguration(PhaseSetup, "PLAIN authentication requires a user name")
	}
	if err := n.enableMechanism(MechanismPlain); err != nil {
		return err
	}
	n.plain = PlainCredentials{User: user, Password: password}
	return nil
}

// EnableStrongAuth enables the StrongAuth mechanism
func (n *ClientNegotiation) EnableStrongAuth() error {
	return n.enableMechanism(MechanismStrongAuth)
}

// SetServerFQDN sets the server name passed to the authentication engine
func (n *ClientNegotiation) SetServerFQDN(fqdn string) {
	n.serverFQDN = fqdn
}

// SetDeadline sets the absolute deadline shared by every phase
func (n *ClientNegotiation) SetDeadline(deadline time.Time) {
	n.deadline = deadline
}

// SetEncryptLoopback forces full TLS even when both ends are on this host
func (n *ClientNegotiation) SetEncryptLoopback(encrypt bool) {
	n.encryptLoopback = encrypt
}

// SetMaxMessageSize caps the size of frames accepted from the server
func (n *ClientNegotiation) SetMaxMessageSize(size int) {
	n.maxMessageSize = size
}

// SetUserCredentials sets the identity reported in the connection context
// when Plain is not in use
func (n *ClientNegotiation) SetUserCredentials(user UserCredentials) {
	n.user = user
}

// SetLogger replaces the logger; peer and attempt attributes are added
func (n *ClientNegotiation) SetLogger(logger *slog.Logger) {
	if logger != nil {
		n.logger = logger.With("peer", n.stream.GetPeerAddr(), "attempt", n.attemptID)
	}
}

// SetObserver registers an observer for the outcome of Negotiate
func (n *ClientNegotiation) SetObserver(observer Observer) {
	n.observer = observer
}

// NegotiatedMechanism returns the selected mechanism, or MechanismInvalid
func (n *ClientNegotiation) NegotiatedMechanism() Mechanism {
	return n.negotiatedMech
}

// TLSNegotiated reports whether a TLS handshake completed
func (n *ClientNegotiation) TLSNegotiated() bool {
	return n.tlsNegotiated
}

// AuthOnlyTLS reports whether TLS was negotiated for authentication only
func (n *ClientNegotiation) AuthOnlyTLS() bool {
	return n.authOnly
}

// ServerFeatures returns the known features the server advertised
func (n *ClientNegotiation) ServerFeatures() FeatureSet {
	return n.serverFeatures
}

// ClientFeatures returns the features this client advertised
func (n *ClientNegotiation) ClientFeatures() FeatureSet {
	return n.clientFeatures
}

// Stream returns the stream, TLS-wrapped if full TLS was negotiated
func (n *ClientNegotiation) Stream() *stream.Stream {
	return n.stream
}

// Result returns the outcome of a successful negotiation, or nil
func (n *ClientNegotiation) Result() *Result {
	if n.state != stateReady {
		return nil
	}
	return &Result{
		Stream:         n.stream,
		Peer:           n.stream.GetPeerAddr(),
		AttemptID:      n.attemptID,
		Mechanism:      n.negotiatedMech,
		TLSNegotiated:  n.tlsNegotiated,
		AuthOnlyTLS:    n.authOnly,
		ServerFeatures: n.serverFeatures,
		RealUser:       n.realUser,
		NegotiatedAt:   time.Now(),
	}
}

// AttemptID returns the identifier used to correlate this attempt's logs
func (n *ClientNegotiation) AttemptID() string {
	return n.attemptID
}

// Negotiate runs every phase in order under a single deadline. On failure
// the stream is unusable and must be closed by the caller.
func (n *ClientNegotiation) Negotiate(ctx context.Context) error {
	if n.state != stateInit {
		return invalidConfiguration(PhaseSetup, "negotiation already attempted on this connection")
	}
	if n.enabled.IsEmpty() {
		n.state = stateFailed
		return invalidConfiguration(PhaseSetup, "no authentication mechanisms enabled")
	}

	if !n.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, n.deadline)
		defer cancel()
	}
	n.channel = message.NewChannel(n.stream, n.maxMessageSize)

	start := time.Now()
	n.logger.Debug("Beginning negotiation", "mechanisms", n.enabled.String())

	err := n.run(ctx)
	if err != nil {
		n.state = stateFailed
		if n.tlsHandshake != nil {
			n.tlsHandshake.Abort()
		}
		n.logger.Debug("Negotiation failed", "error", err)
	} else {
		n.logger.Debug("Negotiation successful", "mechanism", n.negotiatedMech, "tls", n.tlsNegotiated)
	}

	if n.observer != nil {
		n.observer.NegotiationFinished(Outcome{
			Peer:      n.stream.GetPeerAddr(),
			AttemptID: n.attemptID,
			Mechanism: n.negotiatedMech,
			TLS:       n.tlsNegotiated,
			AuthOnly:  n.authOnly,
			TLSRounds: n.tlsRounds,
			Duration:  time.Since(start),
			Err:       err,
		})
	}
	return err
}

func (n *ClientNegotiation) run(ctx context.Context) error {
	phases := []struct {
		phase Phase
		run   func(context.Context) error
	}{
		{PhaseConnectionHeader, n.sendConnectionHeader},
		{PhaseNegotiate, n.negotiateFeatures},
		{PhaseTLSHandshake, n.handshakeTLS},
		{PhaseAuthentication, n.authenticate},
		{PhaseChannelBinding, n.verifyChannelBindings},
		{PhaseConnectionContext, n.sendConnectionContext},
	}

	for _, p := range phases {
		if err := p.run(ctx); err != nil {
			return wrapPhaseError(ctx, p.phase, "negotiation failed", err)
		}
	}
	return nil
}

func (n *ClientNegotiation) sendConnectionHeader(ctx context.Context) error {
	if err := n.channel.SendConnectionHeader(ctx); err != nil {
		return wrapPhaseError(ctx, PhaseConnectionHeader, "failed to send connection header", err)
	}
	return n.advance(PhaseConnectionHeader, stateHeaderSent)
}

// negotiateFeatures exchanges NEGOTIATE messages and selects the mechanism
func (n *ClientNegotiation) negotiateFeatures(ctx context.Context) error {
	n.clientFeatures = ClientFeatures(n.stream.IsLoopback(), n.encryptLoopback, n.tlsContext != nil)

	err := n.sendNegotiate(ctx, PhaseNegotiate, &message.Negotiate{
		Step:              protocol.NEGOTIATE,
		SupportedFeatures: n.clientFeatures.Flags(),
	})
	if err != nil {
		return err
	}

	response, err := n.receiveNegotiate(ctx, PhaseNegotiate)
	if err != nil {
		return err
	}
	if response.Step != protocol.NEGOTIATE {
		return notAuthorized(PhaseNegotiate, "expected NEGOTIATE step", response.Step.String())
	}
	n.logger.Debug("Received NEGOTIATE response from server")

	// Flags this build does not know are dropped
	n.serverFeatures = NewFeatureSet(response.SupportedFeatures...)

	serverMechs := ParseMechanismSet(response.MechanismNames())
	mech, err := SelectMechanism(n.enabled, serverMechs)
	if err != nil {
		if KindOf(err) == KindNotAuthorized && isUnexpectedMismatch(err) {
			n.logger.Error("Mechanism mismatch not explained by StrongAuth requirements",
				"client_mechanisms", n.enabled.String(), "server_mechanisms", serverMechs.String())
		}
		return err
	}
	n.negotiatedMech = mech

	return n.advance(PhaseNegotiate, stateFeaturesNegotiated)
}

// sendConnectionContext sends the final message of connection setup
func (n *ClientNegotiation) sendConnectionContext(ctx context.Context) error {
	n.logger.Debug("Sending connection context")

	// Legacy servers read the user from here; newer ones use the
	// authenticated identity
	realUser := n.plain.User
	if realUser == "" {
		realUser = n.user.RealUser()
	}
	if realUser == "" {
		realUser = DefaultRealUser
	}
	n.realUser = realUser

	err := n.channel.SendRequest(ctx, protocol.ConnectionContextCallID, &message.ConnectionContext{RealUser: realUser})
	if err != nil {
		return wrapPhaseError(ctx, PhaseConnectionContext, "failed to send connection context", err)
	}
	return n.advance(PhaseConnectionContext, stateReady)
}

func (n *ClientNegotiation) sendNegotiate(ctx context.Context, phase Phase, msg *message.Negotiate) error {
	n.logger.Debug("Sending negotiate request", "step", msg.Step)
	if err := n.channel.SendRequest(ctx, protocol.NegotiateCallID, msg); err != nil {
		return wrapPhaseError(ctx, phase, fmt.Sprintf("failed to send %s", msg.Step), err)
	}
	return nil
}

func (n *ClientNegotiation) receiveNegotiate(ctx context.Context, phase Phase) (*message.Negotiate, error) {
	header, body, err := n.channel.ReceiveResponse(ctx)
	if err != nil {
		return nil, wrapPhaseError(ctx, phase, "failed to receive negotiate response", err)
	}

	if header.CallID != protocol.NegotiateCallID {
		n.logger.Warn("Received illegal call-id during negotiation", "call_id", header.CallID)
		return nil, runtimeFailure(phase, "received illegal call-id during negotiation",
			fmt.Errorf("expected: %d, received: %d", protocol.NegotiateCallID, header.CallID))
	}

	if header.IsError {
		return nil, n.parseError(phase, body)
	}

	response := &message.Negotiate{}
	if err := response.Unmarshal(body); err != nil {
		return nil, runtimeFailure(phase, "invalid SASL message, missing fields", err)
	}
	n.logger.Debug("Received negotiate response", "step", response.Step)
	return response, nil
}

func (n *ClientNegotiation) parseError(phase Phase, body []byte) error {
	var status message.ErrorStatus
	if err := status.Unmarshal(body); err != nil {
		return runtimeFailure(phase, "invalid error response, missing fields", err)
	}
	err := errorFromStatus(phase, &status)
	n.logger.Debug("Received error response from server", "error", err)
	return err
}

// errorFromStatus converts an error envelope from the server
func errorFromStatus(phase Phase, status *message.ErrorStatus) error {
	if !status.HasCode {
		return &NegotiationError{Kind: KindRuntimeFailure, Phase: phase, Msg: status.Message}
	}
	codeName := protocol.GetErrorCodeName(status.Code)
	if status.Code == protocol.FATAL_UNAUTHORIZED {
		return notAuthorized(phase, codeName, status.Message)
	}
	return &NegotiationError{Kind: KindRuntimeFailure, Phase: phase, Msg: codeName, Detail: status.Message}
}

func isUnexpectedMismatch(err error) bool {
	negErr, ok := err.(*NegotiationError)
	return ok && negErr.Err == errUnexpectedMismatch
}

// Result describes a successfully negotiated connection
type Result struct {
	// Stream is TLS-wrapped when full TLS was negotiated
	Stream         *stream.Stream
	Peer           string
	AttemptID      string
	Mechanism      Mechanism
	TLSNegotiated  bool
	AuthOnlyTLS    bool
	ServerFeatures FeatureSet
	RealUser       string
	NegotiatedAt   time.Time
}

// Config holds everything needed to negotiate a connection. It must not be
// modified while negotiations are using it.
type Config struct {
	Mechanisms                 []Mechanism
	EncryptLoopbackConnections bool
	ServerFQDN                 string
	MaxMessageSize             int
	// Timeout bounds the whole negotiation (0 = only the context deadline)
	Timeout time.Duration

	TLSContext   TLSContext
	AuthProvider AuthProvider
	// Credentials is required when Plain is enabled
	Credentials CredentialsProvider
	User        UserCredentials

	Logger    *slog.Logger
	Observer  Observer
	PeerCache *PeerCache
}

// Negotiate configures a ClientNegotiation from cfg and runs it over s
func Negotiate(ctx context.Context, s *stream.Stream, cfg *Config) (*Result, error) {
	n := NewClientNegotiation(s, cfg.TLSContext, cfg.AuthProvider)
	n.SetLogger(cfg.Logger)
	n.SetObserver(cfg.Observer)
	n.SetServerFQDN(cfg.ServerFQDN)
	n.SetEncryptLoopback(cfg.EncryptLoopbackConnections)
	n.SetMaxMessageSize(cfg.MaxMessageSize)
	n.SetUserCredentials(cfg.User)
	if cfg.Timeout > 0 {
		n.SetDeadline(time.Now().Add(cfg.Timeout))
	}

	for _, mech := range cfg.Mechanisms {
		switch mech {
		case MechanismPlain:
			if cfg.Credentials == nil {
				return nil, invalidConfiguration(PhaseSetup, "PLAIN enabled without credentials")
			}
			creds, err := cfg.Credentials.PlainCredentials(ctx)
			if err != nil {
				return nil, &NegotiationError{
					Kind:  KindInvalidConfiguration,
					Phase: PhaseSetup,
					Msg:   "unable to load PLAIN credentials",
					Err:   err,
				}
			}
			if err := n.EnablePlain(creds.User, creds.Password); err != nil {
				return nil, err
			}
		case MechanismStrongAuth:
			if err := n.EnableStrongAuth(); err != nil {
				return nil, err
			}
		default:
			return nil, invalidConfiguration(PhaseSetup, fmt.Sprintf("unsupported mechanism %s", mech))
		}
	}

	if err := n.Negotiate(ctx); err != nil {
		return nil, err
	}

	result := n.Result()
	if cfg.PeerCache != nil {
		if _, err := cfg.PeerCache.Record(result); err != nil {
			n.logger.Warn("Unable to record negotiated policy", "error", err)
		}
	}
	return result, nil
}
