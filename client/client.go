// Package client connects to tablet servers and negotiates the connection
// before handing the ready stream to the caller.
//
// A failed negotiation is never resumed: every retry dials a fresh
// connection and starts over.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/bbockelm/tabletrpc/addresses"
	"github.com/bbockelm/tabletrpc/config"
	"github.com/bbockelm/tabletrpc/security"
	"github.com/bbockelm/tabletrpc/stream"
)

// Defaults applied by NewClient
const (
	DefaultDialTimeout     = 30 * time.Second
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second
)

// RetryPolicy bounds attempts at connecting and negotiating
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// ClientConfig holds configuration for client connections
type ClientConfig struct {
	// Address is a comma-separated list of host[:port], tried in order
	Address string
	// Timeout bounds each dial
	Timeout time.Duration
	// Security enables negotiation; nil only dials
	Security *security.Config
	Retry    RetryPolicy
	Logger   *slog.Logger
}

// Client is a connection to a tablet server
type Client struct {
	config *ClientConfig
	logger *slog.Logger
	stream *stream.Stream
	result *security.Result
}

// NewClient creates a client, filling in defaults for unset fields
func NewClient(config *ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = DefaultDialTimeout
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if config.Retry.InitialInterval == 0 {
		config.Retry.InitialInterval = DefaultInitialInterval
	}
	if config.Retry.MaxInterval == 0 {
		config.Retry.MaxInterval = DefaultMaxInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{config: config, logger: logger}
}

// NewFromConfig creates a client for address from a loaded configuration
func NewFromConfig(cfg *config.Config, address string, logger *slog.Logger, observer security.Observer) (*Client, error) {
	secCfg, err := cfg.SecurityConfig(logger, observer)
	if err != nil {
		return nil, err
	}
	return NewClient(&ClientConfig{
		Address:  address,
		Timeout:  cfg.NegotiationTimeout,
		Security: secCfg,
		Retry: RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
		Logger: logger,
	}), nil
}

// Connect dials the first reachable address without negotiating
func (c *Client) Connect(ctx context.Context) error {
	if c.config.Address == "" {
		return fmt.Errorf("no address specified in client configuration")
	}
	s, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.stream = s
	return nil
}

// dial tries each address in order and returns the first connection
func (c *Client) dial(ctx context.Context) (*stream.Stream, error) {
	hostPorts, err := addresses.ParseAddressList(c.config.Address, addresses.DefaultPort)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", c.config.Address, err)
	}

	dialer := &net.Dialer{Timeout: c.config.Timeout}
	var result *multierror.Error
	for _, hp := range hostPorts {
		conn, err := dialer.DialContext(ctx, "tcp", hp.String())
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to connect to %s: %w", hp, err))
			continue
		}
		s := stream.NewStream(conn)
		s.SetPeerAddr(hp.String())
		return s, nil
	}
	return nil, result.ErrorOrNil()
}

// ConnectAndNegotiate dials and negotiates, retrying retriable failures on
// a new connection. Without a security configuration it only dials.
func (c *Client) ConnectAndNegotiate(ctx context.Context) error {
	if c.config.Security == nil {
		return c.Connect(ctx)
	}
	if c.config.Address == "" {
		return fmt.Errorf("no address specified in client configuration")
	}

	attempt := 0
	op := func() error {
		attempt++
		s, err := c.dial(ctx)
		if err != nil {
			return err
		}
		result, err := security.Negotiate(ctx, s, c.config.Security)
		if err != nil {
			_ = s.Close()
			if !Retriable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		c.stream = result.Stream
		c.result = result
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.Retry.InitialInterval
	b.MaxInterval = c.config.Retry.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.config.Retry.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		c.logger.Info("Connection attempt failed, retrying",
			"address", c.config.Address, "attempt", attempt, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("unable to connect to %s after %d attempt(s): %w", c.config.Address, attempt, err)
	}
	return nil
}

// Retriable reports whether a failed attempt may succeed on a new
// connection. Authorization and configuration failures never will.
func Retriable(err error) bool {
	switch security.KindOf(err) {
	case security.KindNotAuthorized, security.KindInvalidConfiguration:
		return false
	}
	return true
}

// ConnectToAddress dials address without negotiating
func ConnectToAddress(ctx context.Context, address string) (*Client, error) {
	c := NewClient(&ClientConfig{Address: address})
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectAndNegotiateWithConfig creates a client and runs ConnectAndNegotiate
func ConnectAndNegotiateWithConfig(ctx context.Context, config *ClientConfig) (*Client, error) {
	c := NewClient(config)
	if err := c.ConnectAndNegotiate(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// IsConnected reports whether the client holds a stream
func (c *Client) IsConnected() bool {
	return c.stream != nil && c.stream.IsConnected()
}

// GetStream returns the connected stream, TLS-wrapped if negotiated so
func (c *Client) GetStream() *stream.Stream {
	return c.stream
}

// GetResult returns the negotiation result, or nil if none was performed
func (c *Client) GetResult() *security.Result {
	return c.result
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.stream != nil {
		return c.stream.Close()
	}
	return nil
}
