package security

import (
	"strings"
)

// Mechanism is an authentication mechanism
type Mechanism int

const (
	MechanismInvalid Mechanism = iota
	MechanismPlain
	MechanismStrongAuth
)

// Wire names of the mechanisms
const (
	PlainMechanismName      = "PLAIN"
	StrongAuthMechanismName = "GSSAPI"
)

func (m Mechanism) String() string {
	switch m {
	case MechanismPlain:
		return PlainMechanismName
	case MechanismStrongAuth:
		return StrongAuthMechanismName
	}
	return "INVALID"
}

// ParseMechanism maps a wire name to a mechanism, ignoring case.
// Unrecognized names map to MechanismInvalid.
func ParseMechanism(name string) Mechanism {
	switch {
	case strings.EqualFold(name, PlainMechanismName):
		return MechanismPlain
	case strings.EqualFold(name, StrongAuthMechanismName):
		return MechanismStrongAuth
	}
	return MechanismInvalid
}

// MechanismSet is a set of valid mechanisms
type MechanismSet uint8

// NewMechanismSet builds a set; MechanismInvalid is ignored
func NewMechanismSet(mechs ...Mechanism) MechanismSet {
	var s MechanismSet
	for _, m := range mechs {
		s = s.Add(m)
	}
	return s
}

// ParseMechanismSet builds a set from wire names, dropping unknown names
func ParseMechanismSet(names []string) MechanismSet {
	var s MechanismSet
	for _, name := range names {
		s = s.Add(ParseMechanism(name))
	}
	return s
}

// Add returns the set with m added
func (s MechanismSet) Add(m Mechanism) MechanismSet {
	if m == MechanismInvalid {
		return s
	}
	return s | 1<<uint(m)
}

// Contains reports whether m is in the set
func (s MechanismSet) Contains(m Mechanism) bool {
	return m != MechanismInvalid && s&(1<<uint(m)) != 0
}

// Intersect returns the mechanisms present in both sets
func (s MechanismSet) Intersect(other MechanismSet) MechanismSet {
	return s & other
}

// IsEmpty reports whether the set has no members
func (s MechanismSet) IsEmpty() bool {
	return s == 0
}

// Mechanisms lists the members in enum order
func (s MechanismSet) Mechanisms() []Mechanism {
	var result []Mechanism
	for _, m := range []Mechanism{MechanismPlain, MechanismStrongAuth} {
		if s.Contains(m) {
			result = append(result, m)
		}
	}
	return result
}

// Names lists the wire names of the members in enum order
func (s MechanismSet) Names() []string {
	var names []string
	for _, m := range s.Mechanisms() {
		names = append(names, m.String())
	}
	return names
}

func (s MechanismSet) String() string {
	return "[" + strings.Join(s.Names(), ", ") + "]"
}

// SelectMechanism picks the mechanism to authenticate with. StrongAuth is
// preferred over Plain. An empty intersection is always NotAuthorized; the
// message explains which side lacks StrongAuth when that is the cause.
func SelectMechanism(client, server MechanismSet) (Mechanism, error) {
	common := client.Intersect(server)
	if common.IsEmpty() {
		if server.Contains(MechanismStrongAuth) && !client.Contains(MechanismStrongAuth) {
			return MechanismInvalid, notAuthorized(PhaseNegotiate,
				"server requires authentication, but client does not have Kerberos enabled", "")
		}
		if !server.Contains(MechanismStrongAuth) && client.Contains(MechanismStrongAuth) {
			return MechanismInvalid, notAuthorized(PhaseNegotiate,
				"client requires authentication, but server does not have Kerberos enabled", "")
		}
		return MechanismInvalid, &NegotiationError{
			Kind:  KindNotAuthorized,
			Phase: PhaseNegotiate,
			Msg: "client/server supported SASL mechanism mismatch; client mechanisms: " +
				client.String() + ", server mechanisms: " + server.String(),
			Err: errUnexpectedMismatch,
		}
	}

	if common.Contains(MechanismStrongAuth) {
		return MechanismStrongAuth, nil
	}
	return MechanismPlain, nil
}
