package security

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PelicanPlatform/classad/classad"
)

// Attribute names of a negotiated policy ad
const (
	AttrPeer           = "Peer"
	AttrAttemptID      = "AttemptId"
	AttrMechanism      = "AuthMethod"
	AttrTLS            = "TLSNegotiated"
	AttrAuthOnlyTLS    = "AuthOnlyTLS"
	AttrServerFeatures = "ServerFeatures"
	AttrRealUser       = "RealUser"
	AttrNegotiatedAt   = "NegotiatedAt"
)

// PolicyAd renders the result as a ClassAd
func (r *Result) PolicyAd() (*classad.ClassAd, error) {
	ad := classad.New()
	attrs := []struct {
		name  string
		value any
	}{
		{AttrPeer, r.Peer},
		{AttrAttemptID, r.AttemptID},
		{AttrMechanism, r.Mechanism.String()},
		{AttrTLS, r.TLSNegotiated},
		{AttrAuthOnlyTLS, r.AuthOnlyTLS},
		{AttrServerFeatures, featureList(r.ServerFeatures)},
		{AttrRealUser, r.RealUser},
		{AttrNegotiatedAt, int(r.NegotiatedAt.Unix())},
	}
	for _, attr := range attrs {
		if err := ad.Set(attr.name, attr.value); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", attr.name, err)
		}
	}
	return ad, nil
}

func featureList(s FeatureSet) string {
	names := make([]string, 0, len(s))
	for _, f := range s.Flags() {
		names = append(names, f.String())
	}
	return strings.Join(names, ",")
}

// PeerEntry is the last policy negotiated with a peer
type PeerEntry struct {
	peer      string
	policy    *classad.ClassAd
	expiresAt time.Time
}

// Peer returns the peer address
func (e *PeerEntry) Peer() string {
	return e.peer
}

// Policy returns the negotiated policy ad
func (e *PeerEntry) Policy() *classad.ClassAd {
	return e.policy
}

// IsExpired reports whether the entry is past its lifetime
func (e *PeerEntry) IsExpired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// PeerCache remembers the policy last negotiated with each peer, so that a
// peer that suddenly offers weaker security can be flagged. It never
// changes what is negotiated.
type PeerCache struct {
	mu      sync.RWMutex
	entries map[string]*PeerEntry
	ttl     time.Duration
	logger  *slog.Logger
}

// NewPeerCache creates a cache whose entries live for ttl (0 = forever)
func NewPeerCache(ttl time.Duration) *PeerCache {
	return &PeerCache{
		entries: make(map[string]*PeerEntry),
		ttl:     ttl,
		logger:  slog.Default(),
	}
}

// SetLogger replaces the logger used for downgrade warnings
func (c *PeerCache) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Store records a policy for peer
func (c *PeerCache) Store(peer string, policy *classad.ClassAd) {
	entry := &PeerEntry{peer: peer, policy: policy}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[peer] = entry
}

// Lookup returns the non-expired entry for peer
func (c *PeerCache) Lookup(peer string) (*PeerEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[peer]
	if !ok || entry.IsExpired() {
		return nil, false
	}
	return entry, true
}

// Record stores the policy of a new result and reports whether it is a
// downgrade from the previous one: TLS lost, TLS reduced to auth-only, or
// StrongAuth replaced by Plain.
func (c *PeerCache) Record(result *Result) (bool, error) {
	policy, err := result.PolicyAd()
	if err != nil {
		return false, err
	}

	downgrade := false
	if prev, ok := c.Lookup(result.Peer); ok {
		if reasons := downgradeReasons(prev.policy, policy); len(reasons) > 0 {
			downgrade = true
			c.logger.Warn("Peer negotiated weaker security than on a previous connection",
				"peer", result.Peer, "attempt", result.AttemptID, "changes", strings.Join(reasons, "; "))
		}
	}

	c.Store(result.Peer, policy)
	return downgrade, nil
}

func downgradeReasons(prev, cur *classad.ClassAd) []string {
	var reasons []string

	prevTLS, _ := prev.EvaluateAttrBool(AttrTLS)
	curTLS, _ := cur.EvaluateAttrBool(AttrTLS)
	prevAuthOnly, _ := prev.EvaluateAttrBool(AttrAuthOnlyTLS)
	curAuthOnly, _ := cur.EvaluateAttrBool(AttrAuthOnlyTLS)
	switch {
	case prevTLS && !curTLS:
		reasons = append(reasons, "TLS no longer negotiated")
	case prevTLS && curTLS && !prevAuthOnly && curAuthOnly:
		reasons = append(reasons, "TLS reduced to authentication only")
	}

	prevMech, _ := prev.EvaluateAttrString(AttrMechanism)
	curMech, _ := cur.EvaluateAttrString(AttrMechanism)
	if prevMech == StrongAuthMechanismName && curMech != StrongAuthMechanismName {
		reasons = append(reasons, fmt.Sprintf("mechanism changed from %s to %s", prevMech, curMech))
	}
	return reasons
}

// Invalidate removes peer from the cache
func (c *PeerCache) Invalidate(peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[peer]
	delete(c.entries, peer)
	return ok
}

// InvalidateExpired removes every expired entry and returns how many
func (c *PeerCache) InvalidateExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for peer, entry := range c.entries {
		if entry.IsExpired() {
			delete(c.entries, peer)
			count++
		}
	}
	return count
}

// Size returns the number of entries, expired ones included
func (c *PeerCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// DebugDump renders the cache for diagnostics
func (c *PeerCache) DebugDump() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	peers := make([]string, 0, len(c.entries))
	for peer := range c.entries {
		peers = append(peers, peer)
	}
	sort.Strings(peers)

	var b strings.Builder
	fmt.Fprintf(&b, "Peer cache (%d entries):\n", len(peers))
	for _, peer := range peers {
		entry := c.entries[peer]
		fmt.Fprintf(&b, "  %s expired=%t policy=%s\n", peer, entry.IsExpired(), entry.policy.String())
	}
	return b.String()
}

var (
	defaultPeerCache     *PeerCache
	defaultPeerCacheOnce sync.Once
)

// DefaultPeerCache returns the process-wide peer cache, whose entries do
// not expire
func DefaultPeerCache() *PeerCache {
	defaultPeerCacheOnce.Do(func() {
		defaultPeerCache = NewPeerCache(0)
	})
	return defaultPeerCache
}
