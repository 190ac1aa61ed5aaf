package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bbockelm/tabletrpc/protocol"
	"github.com/bbockelm/tabletrpc/security"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TABLETRPC_PLAIN__USER", "alice")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Mechanisms) != 1 || cfg.Mechanisms[0] != "PLAIN" {
		t.Errorf("Expected [PLAIN], got %v", cfg.Mechanisms)
	}
	if cfg.NegotiationTimeout != 10*time.Second {
		t.Errorf("Expected 10s timeout, got %s", cfg.NegotiationTimeout)
	}
	if cfg.MaxMessageSize != protocol.DefaultMaxMessageSize {
		t.Errorf("Expected default max message size, got %d", cfg.MaxMessageSize)
	}
	if !cfg.TLS.Enabled {
		t.Error("Expected TLS enabled by default")
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialInterval != 100*time.Millisecond {
		t.Errorf("Unexpected retry defaults %+v", cfg.Retry)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "client.yaml", `
mechanisms: [GSSAPI, PLAIN]
negotiation_timeout: 3s
server_fqdn: tserver.example.com
real_user: svc-ingest
plain:
  user: alice
  password: from-file
ticket:
  file: /etc/tabletrpc/ticket
retry:
  max_attempts: 5
`)

	// The environment wins over the file
	t.Setenv("TABLETRPC_PLAIN__PASSWORD", "from-env")
	t.Setenv("TABLETRPC_ENCRYPT_LOOPBACK_CONNECTIONS", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Plain.Password != "from-env" {
		t.Errorf("Expected env override, got %q", cfg.Plain.Password)
	}
	if !cfg.EncryptLoopbackConnections {
		t.Error("Expected encrypt_loopback_connections from env")
	}
	if cfg.NegotiationTimeout != 3*time.Second || cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Unexpected values from file: %s, %d", cfg.NegotiationTimeout, cfg.Retry.MaxAttempts)
	}
	// Defaults survive for keys the file does not set
	if cfg.Retry.MaxInterval != 2*time.Second {
		t.Errorf("Expected default max interval, got %s", cfg.Retry.MaxInterval)
	}
	if cfg.MechanismSet() != security.NewMechanismSet(security.MechanismPlain, security.MechanismStrongAuth) {
		t.Errorf("Unexpected mechanisms %s", cfg.MechanismSet())
	}
}

func TestLoadPartialSectionsKeepDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "client.yaml", `
tls:
  ca_file: /etc/tabletrpc/ca.pem
plain:
  user: alice
`)
	t.Setenv("TABLETRPC_RETRY__MAX_ATTEMPTS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.TLS.Enabled || cfg.TLS.CAFile != "/etc/tabletrpc/ca.pem" {
		t.Errorf("Expected TLS enabled with the file's CA, got %+v", cfg.TLS)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("Expected 7 attempts from env, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.InitialInterval != 100*time.Millisecond || cfg.Retry.MaxInterval != 2*time.Second {
		t.Errorf("Expected default retry intervals, got %+v", cfg.Retry)
	}
}

func TestLoadMechanismsFromEnv(t *testing.T) {
	t.Setenv("TABLETRPC_MECHANISMS", "GSSAPI, PLAIN")
	t.Setenv("TABLETRPC_PLAIN__USER", "alice")
	t.Setenv("TABLETRPC_TICKET__FILE", "/tmp/ticket")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Mechanisms) != 2 || cfg.Mechanisms[0] != "GSSAPI" || cfg.Mechanisms[1] != "PLAIN" {
		t.Errorf("Expected [GSSAPI PLAIN], got %v", cfg.Mechanisms)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Mechanisms:         []string{"PLAIN", "GSSAPI", "SCRAM"},
		NegotiationTimeout: 0,
		MaxMessageSize:     1024,
		TLS:                TLSSection{CertFile: "cert.pem"},
		Retry:              RetrySection{MaxAttempts: 0, InitialInterval: time.Second, MaxInterval: time.Millisecond},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation errors")
	}
	for _, want := range []string{
		`unknown mechanism "SCRAM"`,
		"negotiation_timeout",
		"plain.user",
		"ticket.file",
		"cert_file and key_file",
		"retry.max_attempts",
		"initial_interval <= max_interval",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %v", want, err)
		}
	}
	if strings.Contains(err.Error(), "max_message_size") {
		t.Errorf("Unexpected max_message_size error in %v", err)
	}
}

func TestSecurityConfig(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := security.WriteTestCertificate(certFile, keyFile, "tserver.example.com"); err != nil {
		t.Fatalf("WriteTestCertificate failed: %v", err)
	}

	cfg := &Config{
		Mechanisms:         []string{"GSSAPI", "PLAIN"},
		NegotiationTimeout: time.Second,
		MaxMessageSize:     4096,
		RealUser:           "svc-ingest",
		TLS:                TLSSection{Enabled: true, CAFile: certFile},
		Plain:              PlainSection{User: "alice", PasswordFile: filepath.Join(dir, "password")},
		Ticket:             TicketSection{File: filepath.Join(dir, "ticket")},
	}

	secCfg, err := cfg.SecurityConfig(nil, nil)
	if err != nil {
		t.Fatalf("SecurityConfig failed: %v", err)
	}
	if len(secCfg.Mechanisms) != 2 || secCfg.Mechanisms[0] != security.MechanismPlain {
		t.Errorf("Unexpected mechanisms %v", secCfg.Mechanisms)
	}
	if secCfg.TLSContext == nil {
		t.Error("Expected a TLS context")
	}
	if _, ok := secCfg.Credentials.(security.FileCredentials); !ok {
		t.Errorf("Expected file credentials, got %T", secCfg.Credentials)
	}
	if !secCfg.AuthProvider.Mechanisms().Contains(security.MechanismStrongAuth) {
		t.Error("Expected StrongAuth with a ticket file")
	}
	if secCfg.User.RealUser() != "svc-ingest" || secCfg.Timeout != time.Second {
		t.Errorf("Unexpected user %s or timeout %s", secCfg.User, secCfg.Timeout)
	}

	// Disabling TLS leaves the interface nil, so TLS is never offered
	cfg.TLS.Enabled = false
	secCfg, err = cfg.SecurityConfig(nil, nil)
	if err != nil {
		t.Fatalf("SecurityConfig failed: %v", err)
	}
	if secCfg.TLSContext != nil {
		t.Errorf("Expected no TLS context, got %T", secCfg.TLSContext)
	}

	cfg.TLS = TLSSection{Enabled: true, CAFile: filepath.Join(dir, "missing.pem")}
	if _, err := cfg.SecurityConfig(nil, nil); err == nil {
		t.Error("Expected an error for a missing CA file")
	}
}

func TestCredentialsSelection(t *testing.T) {
	cfg := &Config{}
	if cfg.Credentials() != nil || cfg.TicketSource() != nil {
		t.Error("Expected nothing without configuration")
	}
	cfg.Plain = PlainSection{User: "alice", Password: "pw"}
	if creds, ok := cfg.Credentials().(security.StaticCredentials); !ok || creds.Password != "pw" {
		t.Errorf("Expected static credentials, got %#v", cfg.Credentials())
	}
}
