package config

import (
	"fmt"
	"log/slog"

	"github.com/bbockelm/tabletrpc/security"
)

// TLSContext builds the TLS engine, or returns nil when TLS is disabled
func (c *Config) TLSContext() (*security.StdTLSContext, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}
	ctx, err := security.NewTLSContextFromFiles(c.TLS.CertFile, c.TLS.KeyFile, c.TLS.CAFile, c.ServerFQDN)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	return ctx, nil
}

// Credentials returns the PLAIN credentials provider, or nil when no user
// is configured
func (c *Config) Credentials() security.CredentialsProvider {
	switch {
	case c.Plain.User == "":
		return nil
	case c.Plain.PasswordFile != "":
		return security.FileCredentials{User: c.Plain.User, PasswordFile: c.Plain.PasswordFile}
	}
	return security.StaticCredentials{User: c.Plain.User, Password: c.Plain.Password}
}

// TicketSource returns the StrongAuth ticket source, or nil when no ticket
// file is configured
func (c *Config) TicketSource() security.TicketSource {
	if c.Ticket.File == "" {
		return nil
	}
	return security.FileTicket(c.Ticket.File)
}

// SecurityConfig assembles the negotiation settings. logger and observer
// may be nil.
func (c *Config) SecurityConfig(logger *slog.Logger, observer security.Observer) (*security.Config, error) {
	cfg := &security.Config{
		EncryptLoopbackConnections: c.EncryptLoopbackConnections,
		ServerFQDN:                 c.ServerFQDN,
		MaxMessageSize:             c.MaxMessageSize,
		Timeout:                    c.NegotiationTimeout,
		AuthProvider:               security.NewAuthProvider(c.TicketSource()),
		Credentials:                c.Credentials(),
		User:                       security.NewUserCredentials(c.RealUser),
		Logger:                     logger,
		Observer:                   observer,
		PeerCache:                  security.DefaultPeerCache(),
		Mechanisms:                 c.MechanismSet().Mechanisms(),
	}

	tlsCtx, err := c.TLSContext()
	if err != nil {
		return nil, err
	}
	// A nil *StdTLSContext must not become a non-nil interface
	if tlsCtx != nil {
		cfg.TLSContext = tlsCtx
	}
	return cfg, nil
}
