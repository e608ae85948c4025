// Package upstream owns the pool of upstream proxy descriptors: parsing,
// hot-reloading from an on-disk list, circuit-breaking health state, and the
// per-descriptor counters spec.md §3.1 requires.
package upstream

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
)

// circuitBreakerThreshold is the number of consecutive failures that forces
// a descriptor unhealthy (spec.md §3.1).
const circuitBreakerThreshold = 3

var nextID atomic.Uint64

// Descriptor is a single upstream proxy's immutable identity plus mutable
// health and counter state. All mutable fields are accessed through atomics
// or Descriptor's own methods so a Descriptor can be shared safely across
// the registry, the selector, and concurrent connection handlers.
type Descriptor struct {
	id uint64

	// Immutable after construction.
	URL             string
	Host            string
	Port            int
	BasicCredential string // base64(user:pass), empty if URL carried no credentials

	// Mutable health/location state.
	healthy             atomic.Bool
	latencyMs           atomic.Int64 // -1 means unknown
	lastCheckedEpochS   atomic.Int64
	locationLabel       atomic.Value // string
	countryCode         atomic.Value // string
	exitIP              atomic.Value // string
	consecutiveFailures atomic.Int64

	// Mutable counters.
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	bytesSent         atomic.Int64
	bytesReceived     atomic.Int64
}

// NewDescriptor parses rawURL into a Descriptor, or returns an error if the
// URL lacks a resolvable host/port (spec.md §3.1: "if absent or unparseable
// the descriptor is rejected at construction").
func NewDescriptor(rawURL string) (*Descriptor, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return nil, fmt.Errorf("upstream url %q missing host or port", rawURL)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return nil, fmt.Errorf("upstream url %q has non-numeric port: %w", rawURL, err)
	}

	d := &Descriptor{
		id:   nextID.Add(1),
		URL:  rawURL,
		Host: u.Hostname(),
		Port: port,
	}
	if u.User != nil {
		user := u.User.Username()
		pass, _ := u.User.Password()
		d.BasicCredential = base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	}

	d.healthy.Store(true)
	d.latencyMs.Store(-1)
	d.locationLabel.Store("Unknown")
	d.countryCode.Store("")
	d.exitIP.Store("")

	return d, nil
}

// ID returns a stable, comparable identity usable as a map/set key
// independent of pointer representation (used by exclusion lists).
func (d *Descriptor) ID() uint64 { return d.id }

// IsHealthy reports the current circuit-breaker state.
func (d *Descriptor) IsHealthy() bool { return d.healthy.Load() }

// LatencyMs returns the last-observed latency in milliseconds, or -1 if
// unknown.
func (d *Descriptor) LatencyMs() int64 { return d.latencyMs.Load() }

// LastCheckedEpochS returns the unix timestamp of the last health probe.
func (d *Descriptor) LastCheckedEpochS() int64 { return d.lastCheckedEpochS.Load() }

// Location returns the best-effort location label, country code, and exit IP.
func (d *Descriptor) Location() (label, countryCode, exitIP string) {
	return d.locationLabel.Load().(string), d.countryCode.Load().(string), d.exitIP.Load().(string)
}

// SetLocation records a resolved geolocation (spec.md §4.3's best-effort side
// channel).
func (d *Descriptor) SetLocation(label, countryCode, exitIP string) {
	d.locationLabel.Store(label)
	d.countryCode.Store(countryCode)
	d.exitIP.Store(exitIP)
}

// ActiveConnections returns the current in-flight tunnel count for this
// descriptor.
func (d *Descriptor) ActiveConnections() int64 { return d.activeConnections.Load() }

// TotalConnections returns the monotonic lifetime selection count.
func (d *Descriptor) TotalConnections() int64 { return d.totalConnections.Load() }

// BytesSent/BytesReceived return the monotonic lifetime byte counters.
func (d *Descriptor) BytesSent() int64     { return d.bytesSent.Load() }
func (d *Descriptor) BytesReceived() int64 { return d.bytesReceived.Load() }

// ConsecutiveFailures returns the current circuit-breaker failure streak.
func (d *Descriptor) ConsecutiveFailures() int64 { return d.consecutiveFailures.Load() }

// OnSelected marks the descriptor as chosen for one connection attempt.
// Every call MUST be matched by exactly one ReleaseConnection on every exit
// path (spec.md §3.1 invariant).
func (d *Descriptor) OnSelected() {
	d.activeConnections.Add(1)
	d.totalConnections.Add(1)
}

// ReleaseConnection decrements the active-connection count on tunnel
// teardown or dial failure.
func (d *Descriptor) ReleaseConnection() {
	d.activeConnections.Add(-1)
}

// AddBytesSent/AddBytesReceived accumulate relay byte counts.
func (d *Descriptor) AddBytesSent(n int64)     { d.bytesSent.Add(n) }
func (d *Descriptor) AddBytesReceived(n int64) { d.bytesReceived.Add(n) }

// RecordSuccess resets the consecutive-failure streak after a successful
// handshake or probe (spec.md §3.1).
func (d *Descriptor) RecordSuccess() {
	d.consecutiveFailures.Store(0)
}

// RecordFailure increments the failure streak and trips the circuit breaker
// once it reaches circuitBreakerThreshold.
func (d *Descriptor) RecordFailure() {
	if d.consecutiveFailures.Add(1) >= circuitBreakerThreshold {
		d.healthy.Store(false)
	}
}

// MarkProbeResult is applied by the health checker after a probe: on success
// it resets failures and marks healthy with the observed latency; on failure
// it marks unhealthy and resets latency to unknown. last-checked is always
// updated regardless of outcome.
func (d *Descriptor) MarkProbeResult(success bool, latencyMs int64, nowEpochS int64) {
	if success {
		d.latencyMs.Store(latencyMs)
		d.healthy.Store(true)
		d.consecutiveFailures.Store(0)
	} else {
		d.healthy.Store(false)
		d.latencyMs.Store(-1)
	}
	d.lastCheckedEpochS.Store(nowEpochS)
}

// Snapshot is the serializable view of a descriptor's public fields, used by
// the operator HTTP API (spec.md §4.2's snapshot()).
type Snapshot struct {
	URL                 string `json:"url"`
	Host                string `json:"host"`
	Port                int    `json:"port"`
	HasAuth             bool   `json:"has_auth"`
	IsHealthy           bool   `json:"is_healthy"`
	LatencyMs           int64  `json:"latency_ms"`
	LastCheckedEpochS   int64  `json:"last_checked_epoch_s"`
	LocationLabel       string `json:"location_label"`
	CountryCode         string `json:"country_code,omitempty"`
	ExitIP              string `json:"exit_ip,omitempty"`
	ActiveConnections   int64  `json:"active_connections"`
	TotalConnections    int64  `json:"total_connections"`
	BytesSent           int64  `json:"bytes_sent"`
	BytesReceived       int64  `json:"bytes_received"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
}

// Snapshot renders the descriptor's current public state.
func (d *Descriptor) Snapshot() Snapshot {
	label, cc, ip := d.Location()
	return Snapshot{
		URL:                 d.URL,
		Host:                d.Host,
		Port:                d.Port,
		HasAuth:             d.BasicCredential != "",
		IsHealthy:           d.IsHealthy(),
		LatencyMs:           d.LatencyMs(),
		LastCheckedEpochS:   d.LastCheckedEpochS(),
		LocationLabel:       label,
		CountryCode:         cc,
		ExitIP:              ip,
		ActiveConnections:   d.ActiveConnections(),
		TotalConnections:    d.TotalConnections(),
		BytesSent:           d.BytesSent(),
		BytesReceived:       d.BytesReceived(),
		ConsecutiveFailures: d.ConsecutiveFailures(),
	}
}
