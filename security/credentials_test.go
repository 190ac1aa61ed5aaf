package security

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUserCredentials(t *testing.T) {
	var creds UserCredentials
	if creds.HasRealUser() {
		t.Error("Expected no real user")
	}

	alice := NewUserCredentials("alice")
	creds.SetRealUser("alice")
	if !creds.Equals(alice) || creds.HashCode() != alice.HashCode() {
		t.Error("Expected equal credentials with equal hashes")
	}
	if creds.Equals(NewUserCredentials("bob")) {
		t.Error("Expected alice != bob")
	}
	if creds.String() != "{real_user=alice}" {
		t.Errorf("Unexpected string %s", creds.String())
	}
}

func TestPlainCredentialsRedaction(t *testing.T) {
	creds := PlainCredentials{User: "alice", Password: "hunter2"}

	if s := fmt.Sprintf("%v", creds); strings.Contains(s, "hunter2") {
		t.Errorf("Password leaked through String: %s", s)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("connecting", "credentials", creds)
	if strings.Contains(buf.String(), "hunter2") || !strings.Contains(buf.String(), "alice") {
		t.Errorf("Unexpected log output: %s", buf.String())
	}
}

func TestCredentialsProviders(t *testing.T) {
	ctx := context.Background()

	if _, err := (StaticCredentials{}).PlainCredentials(ctx); err == nil {
		t.Error("Expected an error without a user")
	}
	creds, err := StaticCredentials{User: "alice", Password: "pw"}.PlainCredentials(ctx)
	if err != nil || creds.Password != "pw" {
		t.Errorf("Unexpected result %v, %v", creds, err)
	}

	path := filepath.Join(t.TempDir(), "password")
	if err := os.WriteFile(path, []byte("rotated\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	creds, err = FileCredentials{User: "alice", PasswordFile: path}.PlainCredentials(ctx)
	if err != nil {
		t.Fatalf("FileCredentials failed: %v", err)
	}
	if creds.Password != "rotated" {
		t.Errorf("Expected trailing newline to be trimmed, got %q", creds.Password)
	}

	if _, err := (FileCredentials{User: "alice", PasswordFile: path + ".missing"}).PlainCredentials(ctx); err == nil {
		t.Error("Expected an error for a missing password file")
	}
}
