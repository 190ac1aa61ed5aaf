package security

import (
	"sort"
	"strings"

	"github.com/bbockelm/tabletrpc/protocol"
)

// FeatureSet is a set of known feature flags
type FeatureSet map[protocol.FeatureFlag]struct{}

// SupportedClientFeatures are advertised by every client
var SupportedClientFeatures = []protocol.FeatureFlag{
	protocol.APPLICATION_FEATURE_FLAGS,
	protocol.TLS,
}

// NewFeatureSet builds a set from flags, dropping any this build does not know
func NewFeatureSet(flags ...protocol.FeatureFlag) FeatureSet {
	s := make(FeatureSet, len(flags))
	for _, f := range flags {
		if protocol.IsKnownFeature(f) {
			s[f] = struct{}{}
		}
	}
	return s
}

// ClientFeatures computes the flags a client advertises. Loopback
// connections may use TLS for authentication only, unless loopback
// encryption is forced. Without a TLS capability TLS is not offered.
func ClientFeatures(loopback, encryptLoopback, tlsCapable bool) FeatureSet {
	s := NewFeatureSet(SupportedClientFeatures...)
	if !tlsCapable {
		delete(s, protocol.TLS)
		return s
	}
	if loopback && !encryptLoopback {
		s[protocol.TLS_AUTHENTICATION_ONLY] = struct{}{}
	}
	return s
}

// Contains reports whether f is in the set
func (s FeatureSet) Contains(f protocol.FeatureFlag) bool {
	_, ok := s[f]
	return ok
}

// Flags lists the members in ascending order
func (s FeatureSet) Flags() []protocol.FeatureFlag {
	flags := make([]protocol.FeatureFlag, 0, len(s))
	for f := range s {
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })
	return flags
}

func (s FeatureSet) String() string {
	names := make([]string, 0, len(s))
	for _, f := range s.Flags() {
		names = append(names, f.String())
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// authOnlyTLS reports whether both sides agreed to use TLS for
// authentication only
func authOnlyTLS(client, server FeatureSet) bool {
	return client.Contains(protocol.TLS_AUTHENTICATION_ONLY) && server.Contains(protocol.TLS_AUTHENTICATION_ONLY)
}
