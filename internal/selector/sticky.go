// Package selector implements the upstream selection policy (spec.md §4.4):
// sticky affinity, health/latency-aware pooling, and the high-usage spread
// regime.
package selector

import (
	"sync"
	"time"

	"github.com/proxyguard/proxyguard/internal/upstream"
)

// stickyEntry binds a client to a descriptor until expiry.
type stickyEntry struct {
	descriptor *upstream.Descriptor
	expiresAt  time.Time
}

// StickyMap maps client ids to a time-bounded upstream affinity (spec.md
// §3.2). All operations are protected by a single mutex.
type StickyMap struct {
	mu      sync.Mutex
	entries map[string]stickyEntry
}

// NewStickyMap constructs an empty StickyMap.
func NewStickyMap() *StickyMap {
	return &StickyMap{entries: make(map[string]stickyEntry)}
}

// Lookup returns the sticky descriptor for clientID if present, unexpired,
// and still healthy. Any other outcome removes the entry (spec.md §3.2:
// "removed on lookup if expired or if the pointed-to descriptor is no longer
// healthy").
func (s *StickyMap) Lookup(clientID string, now time.Time) (*upstream.Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[clientID]
	if !ok {
		return nil, false
	}
	if now.After(entry.expiresAt) || !entry.descriptor.IsHealthy() {
		delete(s.entries, clientID)
		return nil, false
	}
	return entry.descriptor, true
}

// Set records a sticky mapping, valid until now+ttl.
func (s *StickyMap) Set(clientID string, d *upstream.Descriptor, now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[clientID] = stickyEntry{descriptor: d, expiresAt: now.Add(ttl)}
}

// PruneExpired removes every entry whose TTL has elapsed. Called
// periodically by the health loop (spec.md §4.3).
func (s *StickyMap) PruneExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cid, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, cid)
		}
	}
}

// Len reports the current number of live sticky mappings (test helper).
func (s *StickyMap) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
