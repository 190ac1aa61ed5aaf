package security

import (
	"context"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
)

// plainEngine runs the PLAIN mechanism. It has no security layer, so
// Encode and Decode pass data through.
type plainEngine struct {
	callbacks AuthCallbacks
	client    sasl.Client
}

func newPlainEngine(callbacks AuthCallbacks) *plainEngine {
	return &plainEngine{callbacks: callbacks}
}

func (e *plainEngine) Start(ctx context.Context, mechanisms []string) (string, []byte, error) {
	if !containsMechanism(mechanisms, MechanismPlain) {
		return "", nil, fmt.Errorf("PLAIN is not among the offered mechanisms %v", mechanisms)
	}

	user, err := e.callbacks.AuthName()
	if err != nil {
		return "", nil, fmt.Errorf("failed to get user name: %w", err)
	}
	password, err := e.callbacks.Password()
	if err != nil {
		return "", nil, fmt.Errorf("failed to get password: %w", err)
	}

	e.client = sasl.NewPlainClient("", user, password)
	mech, token, err := e.client.Start()
	if err != nil {
		return "", nil, err
	}
	return mech, token, nil
}

func (e *plainEngine) Step(ctx context.Context, challenge []byte) ([]byte, error) {
	if e.client == nil {
		return nil, fmt.Errorf("PLAIN authentication not started")
	}
	response, err := e.client.Next(challenge)
	if err != nil {
		// PLAIN is a single message; any challenge means the server refused it
		return nil, errors.Wrap(ErrNotAuthorized, err.Error())
	}
	return response, nil
}

func (e *plainEngine) EnableIntegrityProtection() error {
	return fmt.Errorf("PLAIN does not provide integrity protection")
}

func (e *plainEngine) Encode(plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (e *plainEngine) Decode(encoded []byte) ([]byte, error) {
	return encoded, nil
}

func (e *plainEngine) MaxDecodeSize() int {
	return DefaultMaxDecodeSize
}

func containsMechanism(names []string, mech Mechanism) bool {
	for _, name := range names {
		if ParseMechanism(name) == mech {
			return true
		}
	}
	return false
}
