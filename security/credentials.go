package security

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"strings"
)

// DefaultRealUser is sent in the connection context when no user is known
const DefaultRealUser = "go-client"

// UserCredentials identifies the user on whose behalf a connection is made
type UserCredentials struct {
	realUser string
}

// NewUserCredentials creates credentials for realUser
func NewUserCredentials(realUser string) UserCredentials {
	return UserCredentials{realUser: realUser}
}

// HasRealUser reports whether a real user is set
func (u UserCredentials) HasRealUser() bool {
	return u.realUser != ""
}

// RealUser returns the real user
func (u UserCredentials) RealUser() string {
	return u.realUser
}

// SetRealUser sets the real user
func (u *UserCredentials) SetRealUser(realUser string) {
	u.realUser = realUser
}

// Equals compares two credentials
func (u UserCredentials) Equals(other UserCredentials) bool {
	return u.realUser == other.realUser
}

// HashCode returns a hash suitable for keying connection pools
func (u UserCredentials) HashCode() uint64 {
	h := fnv.New64a()
	if u.HasRealUser() {
		_, _ = h.Write([]byte(u.realUser))
	}
	return h.Sum64()
}

func (u UserCredentials) String() string {
	// Secrets are never part of UserCredentials, only the user name
	return fmt.Sprintf("{real_user=%s}", u.realUser)
}

// PlainCredentials is the identity/secret pair used by the Plain mechanism
type PlainCredentials struct {
	User     string
	Password string
}

func (c PlainCredentials) String() string {
	return fmt.Sprintf("{user=%s, password=<redacted>}", c.User)
}

// LogValue keeps the password out of structured logs
func (c PlainCredentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user", c.User),
		slog.String("password", "[REDACTED]"),
	)
}

// CredentialsProvider supplies Plain credentials
type CredentialsProvider interface {
	PlainCredentials(ctx context.Context) (PlainCredentials, error)
}

// StaticCredentials returns a fixed identity/secret pair
type StaticCredentials PlainCredentials

// PlainCredentials implements CredentialsProvider
func (c StaticCredentials) PlainCredentials(ctx context.Context) (PlainCredentials, error) {
	if c.User == "" {
		return PlainCredentials{}, fmt.Errorf("no user configured for PLAIN authentication")
	}
	return PlainCredentials(c), nil
}

// FileCredentials reads the password from a file each time it is needed,
// so rotated secrets are picked up by the next connection attempt
type FileCredentials struct {
	User         string
	PasswordFile string
}

// PlainCredentials implements CredentialsProvider
func (c FileCredentials) PlainCredentials(ctx context.Context) (PlainCredentials, error) {
	if c.User == "" {
		return PlainCredentials{}, fmt.Errorf("no user configured for PLAIN authentication")
	}
	data, err := os.ReadFile(c.PasswordFile)
	if err != nil {
		return PlainCredentials{}, fmt.Errorf("failed to read password file: %w", err)
	}
	return PlainCredentials{
		User:     c.User,
		Password: strings.TrimRight(string(data), "\r\n"),
	}, nil
}
