package security

import (
	"context"
	"fmt"
	"strings"
)

// DefaultAuthProvider runs PLAIN, and ticket-based StrongAuth when a
// ticket source is configured
type DefaultAuthProvider struct {
	tickets TicketSource
}

// NewAuthProvider creates a provider. tickets may be nil, in which case
// StrongAuth is not available.
func NewAuthProvider(tickets TicketSource) *DefaultAuthProvider {
	return &DefaultAuthProvider{tickets: tickets}
}

// Mechanisms implements AuthProvider
func (p *DefaultAuthProvider) Mechanisms() MechanismSet {
	mechs := NewMechanismSet(MechanismPlain)
	if p.tickets != nil {
		mechs = mechs.Add(MechanismStrongAuth)
	}
	return mechs
}

// NewClient implements AuthProvider. The mechanism engine is chosen when
// the session calls Start.
func (p *DefaultAuthProvider) NewClient(serverFQDN string, callbacks AuthCallbacks) (AuthEngine, error) {
	if callbacks == nil {
		return nil, fmt.Errorf("authentication callbacks are required")
	}
	return &dispatchEngine{provider: p, serverFQDN: serverFQDN, callbacks: callbacks}, nil
}

// dispatchEngine forwards to the engine of the mechanism picked at Start
type dispatchEngine struct {
	provider   *DefaultAuthProvider
	serverFQDN string
	callbacks  AuthCallbacks
	engine     AuthEngine
}

func (d *dispatchEngine) Start(ctx context.Context, mechanisms []string) (string, []byte, error) {
	if d.engine != nil {
		return "", nil, fmt.Errorf("authentication already started")
	}

	// Honor the caller's order, restricted to what the session allows
	allowed := ParseMechanismSet(mechanisms)
	if list, ok := d.callbacks.Option("", "mech_list"); ok {
		allowed = allowed.Intersect(ParseMechanismSet(strings.Fields(list)))
	}

	for _, name := range mechanisms {
		mech := ParseMechanism(name)
		if !allowed.Contains(mech) || !d.provider.Mechanisms().Contains(mech) {
			continue
		}
		switch mech {
		case MechanismPlain:
			d.engine = newPlainEngine(d.callbacks)
		case MechanismStrongAuth:
			d.engine = newTicketEngine(d.provider.tickets, d.serverFQDN)
		}
		return d.engine.Start(ctx, []string{name})
	}
	return "", nil, fmt.Errorf("no usable mechanism among %v", mechanisms)
}

func (d *dispatchEngine) Step(ctx context.Context, challenge []byte) ([]byte, error) {
	if d.engine == nil {
		return nil, fmt.Errorf("authentication not started")
	}
	return d.engine.Step(ctx, challenge)
}

func (d *dispatchEngine) EnableIntegrityProtection() error {
	if d.engine == nil {
		return fmt.Errorf("authentication not started")
	}
	return d.engine.EnableIntegrityProtection()
}

func (d *dispatchEngine) Encode(plaintext []byte) ([]byte, error) {
	if d.engine == nil {
		return nil, fmt.Errorf("authentication not started")
	}
	return d.engine.Encode(plaintext)
}

func (d *dispatchEngine) Decode(encoded []byte) ([]byte, error) {
	if d.engine == nil {
		return nil, fmt.Errorf("authentication not started")
	}
	return d.engine.Decode(encoded)
}

func (d *dispatchEngine) MaxDecodeSize() int {
	if d.engine == nil {
		return DefaultMaxDecodeSize
	}
	return d.engine.MaxDecodeSize()
}
