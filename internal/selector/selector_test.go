package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyguard/proxyguard/internal/upstream"
)

func mustDescriptor(t *testing.T, url string) *upstream.Descriptor {
	t.Helper()
	d, err := upstream.NewDescriptor(url)
	require.NoError(t, err)
	return d
}

func TestStickyMap_LookupExpiresAndUnhealthy(t *testing.T) {
	sm := NewStickyMap()
	d := mustDescriptor(t, "http://a.example.com:8080")
	now := time.Unix(1700000000, 0)

	sm.Set("client1", d, now, 10*time.Second)

	got, ok := sm.Lookup("client1", now.Add(5*time.Second))
	require.True(t, ok)
	assert.Same(t, d, got)

	_, ok = sm.Lookup("client1", now.Add(11*time.Second))
	assert.False(t, ok, "entry must expire after its TTL")

	sm.Set("client1", d, now, 10*time.Second)
	d.MarkProbeResult(false, 0, now.Unix())
	_, ok = sm.Lookup("client1", now.Add(1*time.Second))
	assert.False(t, ok, "entry must be dropped once its descriptor is unhealthy")
}

func TestSelector_StickyTTLZeroDisablesAffinity(t *testing.T) {
	d := mustDescriptor(t, "http://a.example.com:8080")
	d.MarkProbeResult(true, 10, time.Now().Unix())

	registry := newRegistryWith(t, d)
	sel := New(registry, NewStickyMap(), 0, 500*time.Millisecond, 50)

	chosen := sel.Select(0, "client1", nil)
	require.NotNil(t, chosen)
	assert.Equal(t, 0, sel.sticky.Len(), "sticky TTL of 0 must never record an affinity")
}

func TestSelector_ExcludeHonoredWithoutStickyHit(t *testing.T) {
	a := mustDescriptor(t, "http://a.example.com:8080")
	b := mustDescriptor(t, "http://b.example.com:8080")
	a.MarkProbeResult(true, 10, time.Now().Unix())
	b.MarkProbeResult(true, 10, time.Now().Unix())

	registry := newRegistryWith(t, a, b)
	sel := New(registry, NewStickyMap(), time.Minute, 500*time.Millisecond, 50)

	chosen := sel.Select(0, "", []*upstream.Descriptor{a})
	require.NotNil(t, chosen)
	assert.Equal(t, b.ID(), chosen.ID())
}

func TestSelector_StickyHitBypassesExclude(t *testing.T) {
	a := mustDescriptor(t, "http://a.example.com:8080")
	a.MarkProbeResult(true, 10, time.Now().Unix())

	registry := newRegistryWith(t, a)
	sticky := NewStickyMap()
	sel := New(registry, sticky, time.Minute, 500*time.Millisecond, 50)

	// warm the sticky map
	first := sel.Select(0, "client1", nil)
	require.Equal(t, a.ID(), first.ID())

	// even though a is now in the exclusion list for this attempt, the
	// sticky hit is returned anyway (spec.md §9 open question, decided to
	// keep the original's behavior per DESIGN.md).
	chosen := sel.Select(0, "client1", []*upstream.Descriptor{a})
	assert.Equal(t, a.ID(), chosen.ID())
}

func TestSelector_HighUsageSpreadsAcrossAllHealthy(t *testing.T) {
	low := mustDescriptor(t, "http://low.example.com:8080")
	low.MarkProbeResult(true, 10, time.Now().Unix())
	high := mustDescriptor(t, "http://high.example.com:8080")
	high.MarkProbeResult(true, 9000, time.Now().Unix())

	registry := newRegistryWith(t, low, high)
	sel := New(registry, NewStickyMap(), 0, 500*time.Millisecond, 1)

	seen := map[uint64]bool{}
	for i := 0; i < 50; i++ {
		chosen := sel.Select(5 /* >= highUsageThreshold of 1 */, "", nil)
		seen[chosen.ID()] = true
	}
	assert.True(t, seen[high.ID()], "high-usage regime must be able to pick a latency-exceeding descriptor")
}

func TestSelector_LowLatencyPreferredBelowHighUsage(t *testing.T) {
	low := mustDescriptor(t, "http://low.example.com:8080")
	low.MarkProbeResult(true, 10, time.Now().Unix())
	high := mustDescriptor(t, "http://high.example.com:8080")
	high.MarkProbeResult(true, 9000, time.Now().Unix())

	registry := newRegistryWith(t, low, high)
	sel := New(registry, NewStickyMap(), 0, 500*time.Millisecond, 50)

	for i := 0; i < 20; i++ {
		chosen := sel.Select(0, "", nil)
		assert.Equal(t, low.ID(), chosen.ID(), "below the high-usage threshold, the low-latency pool must be preferred")
	}
}

func TestSelector_NoHealthyFallsBackToFullPool(t *testing.T) {
	a := mustDescriptor(t, "http://a.example.com:8080")
	a.MarkProbeResult(false, 0, time.Now().Unix())

	registry := newRegistryWith(t, a)
	sel := New(registry, NewStickyMap(), 0, 500*time.Millisecond, 50)

	chosen := sel.Select(0, "", nil)
	require.NotNil(t, chosen)
	assert.Equal(t, a.ID(), chosen.ID())
}

// newRegistryWith builds a Registry seeded with exactly the given,
// already health-marked descriptors.
func newRegistryWith(t *testing.T, descriptors ...*upstream.Descriptor) *upstream.Registry {
	t.Helper()
	return upstream.NewRegistryFromDescriptors(descriptors...)
}
