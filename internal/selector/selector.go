package selector

import (
	"math/rand"
	"time"

	"github.com/proxyguard/proxyguard/internal/upstream"
)

// Selector chooses one upstream per connection attempt according to health,
// latency, load, stickiness, and an exclusion list (spec.md §4.4).
type Selector struct {
	registry           *upstream.Registry
	sticky             *StickyMap
	stickyTTL          time.Duration
	maxLatency         time.Duration
	highUsageThreshold int
	rand               *rand.Rand
	now                func() time.Time
}

// New constructs a Selector bound to a registry and sticky map.
func New(registry *upstream.Registry, sticky *StickyMap, stickyTTL, maxLatency time.Duration, highUsageThreshold int) *Selector {
	return &Selector{
		registry:           registry,
		sticky:             sticky,
		stickyTTL:          stickyTTL,
		maxLatency:         maxLatency,
		highUsageThreshold: highUsageThreshold,
		rand:               rand.New(rand.NewSource(time.Now().UnixNano())),
		now:                time.Now,
	}
}

// Select implements the algorithm of spec.md §4.4 step by step. exclude
// lists descriptors already tried for this client's current attempt;
// exclusion is NOT honored on a sticky hit, by design (spec.md §4.4 step 1,
// and the open question recorded in DESIGN.md).
func (s *Selector) Select(activeClientCount int, clientID string, exclude []*upstream.Descriptor) *upstream.Descriptor {
	now := s.now()

	if s.stickyTTL > 0 && clientID != "" {
		if d, ok := s.sticky.Lookup(clientID, now); ok {
			return d
		}
	}

	all := s.registry.Snapshot()
	if len(all) == 0 {
		return nil
	}

	excludeSet := make(map[uint64]struct{}, len(exclude))
	for _, d := range exclude {
		excludeSet[d.ID()] = struct{}{}
	}

	var healthy []*upstream.Descriptor
	for _, d := range all {
		if _, excluded := excludeSet[d.ID()]; excluded {
			continue
		}
		if d.IsHealthy() && d.LatencyMs() >= 0 {
			healthy = append(healthy, d)
		}
	}

	var chosen *upstream.Descriptor
	if len(healthy) == 0 {
		pool := filterExcluded(all, excludeSet)
		if len(pool) == 0 {
			pool = all
		}
		chosen = pool[s.rand.Intn(len(pool))]
	} else {
		var lowLatency []*upstream.Descriptor
		for _, d := range healthy {
			if time.Duration(d.LatencyMs())*time.Millisecond <= s.maxLatency {
				lowLatency = append(lowLatency, d)
			}
		}

		switch {
		case activeClientCount >= s.highUsageThreshold:
			chosen = healthy[s.rand.Intn(len(healthy))]
		case len(lowLatency) > 0:
			chosen = lowLatency[s.rand.Intn(len(lowLatency))]
		default:
			chosen = healthy[s.rand.Intn(len(healthy))]
		}
	}

	if s.stickyTTL > 0 && clientID != "" {
		s.sticky.Set(clientID, chosen, now, s.stickyTTL)
	}

	return chosen
}

func filterExcluded(all []*upstream.Descriptor, excludeSet map[uint64]struct{}) []*upstream.Descriptor {
	var out []*upstream.Descriptor
	for _, d := range all {
		if _, excluded := excludeSet[d.ID()]; !excluded {
			out = append(out, d)
		}
	}
	return out
}
