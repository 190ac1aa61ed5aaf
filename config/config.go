// Package config loads client negotiation settings from defaults, an
// optional YAML file, and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/bbockelm/tabletrpc/protocol"
	"github.com/bbockelm/tabletrpc/security"
)

// EnvPrefix starts every environment variable read by Load. A double
// underscore separates nested keys: TABLETRPC_TLS__CA_FILE sets tls.ca_file.
const EnvPrefix = "TABLETRPC_"

// Config holds everything needed to negotiate a client connection.
// It must not be changed once connections are being made with it.
type Config struct {
	Mechanisms                 []string      `koanf:"mechanisms"`
	EncryptLoopbackConnections bool          `koanf:"encrypt_loopback_connections"`
	NegotiationTimeout         time.Duration `koanf:"negotiation_timeout"`
	ServerFQDN                 string        `koanf:"server_fqdn"`
	MaxMessageSize             int           `koanf:"max_message_size"`
	RealUser                   string        `koanf:"real_user"`

	TLS    TLSSection    `koanf:"tls"`
	Plain  PlainSection  `koanf:"plain"`
	Ticket TicketSection `koanf:"ticket"`
	Retry  RetrySection  `koanf:"retry"`
}

// TLSSection configures the TLS engine. With Enabled false, TLS is not
// offered to servers.
type TLSSection struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

// PlainSection configures PLAIN credentials. PasswordFile takes precedence
// over Password.
type PlainSection struct {
	User         string `koanf:"user"`
	Password     string `koanf:"password"`
	PasswordFile string `koanf:"password_file"`
}

// LogValue keeps the password out of structured logs
func (p PlainSection) LogValue() slog.Value {
	password := ""
	if p.Password != "" {
		password = "[REDACTED]"
	}
	return slog.GroupValue(
		slog.String("user", p.User),
		slog.String("password", password),
		slog.String("password_file", p.PasswordFile),
	)
}

// TicketSection locates the StrongAuth ticket
type TicketSection struct {
	File string `koanf:"file"`
}

// RetrySection bounds caller-level retries of failed negotiations
type RetrySection struct {
	MaxAttempts     int           `koanf:"max_attempts"`
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
}

// defaults is the first layer of every Load. Sections are nested maps;
// koanf merges a map provider's keys as given.
func defaults() map[string]any {
	return map[string]any{
		"mechanisms":                   []string{security.PlainMechanismName},
		"encrypt_loopback_connections": false,
		"negotiation_timeout":          "10s",
		"max_message_size":             protocol.DefaultMaxMessageSize,
		"tls": map[string]any{
			"enabled": true,
		},
		"retry": map[string]any{
			"max_attempts":     3,
			"initial_interval": "100ms",
			"max_interval":     "2s",
		},
	}
}

// mapProvider feeds a nested map to koanf
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}

// Load reads the defaults, then path (if not empty), then the environment,
// and validates the result
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(mapProvider(defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// TABLETRPC_TLS__CA_FILE -> tls.ca_file
	transform := func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// A comma-separated environment value arrives as one element
	cfg.Mechanisms = splitList(cfg.Mechanisms)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports every problem with the configuration at once
func (c *Config) Validate() error {
	var result *multierror.Error

	if len(c.Mechanisms) == 0 {
		result = multierror.Append(result, errors.New("mechanisms: at least one mechanism is required"))
	}
	for _, name := range c.Mechanisms {
		if security.ParseMechanism(name) == security.MechanismInvalid {
			result = multierror.Append(result, fmt.Errorf("mechanisms: unknown mechanism %q", name))
		}
	}
	if c.NegotiationTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("negotiation_timeout: must be positive, got %s", c.NegotiationTimeout))
	}
	if c.MaxMessageSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("max_message_size: must be positive, got %d", c.MaxMessageSize))
	}

	mechs := c.MechanismSet()
	if mechs.Contains(security.MechanismPlain) && c.Plain.User == "" {
		result = multierror.Append(result, errors.New("plain.user: required when PLAIN is enabled"))
	}
	if mechs.Contains(security.MechanismStrongAuth) && c.Ticket.File == "" {
		result = multierror.Append(result, errors.New("ticket.file: required when GSSAPI is enabled"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		result = multierror.Append(result, errors.New("tls: cert_file and key_file must be set together"))
	}

	if c.Retry.MaxAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("retry.max_attempts: must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		result = multierror.Append(result, fmt.Errorf("retry: intervals must satisfy 0 < initial_interval <= max_interval, got %s and %s",
			c.Retry.InitialInterval, c.Retry.MaxInterval))
	}

	return result.ErrorOrNil()
}

// MechanismSet returns the configured mechanisms, ignoring unknown names
func (c *Config) MechanismSet() security.MechanismSet {
	return security.ParseMechanismSet(c.Mechanisms)
}
