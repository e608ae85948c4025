// Package metrics implements the ProxyGuard MetricsRegistry (spec.md §3.4) as a
// thin, lazily-registering adapter over a prometheus.Registry: counters and
// gauges are keyed by (name, sorted label set) exactly as the spec describes,
// with help text and type fixed on first registration.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is a thread-safe counter/gauge registry rendered as Prometheus
// exposition text.
type Registry struct {
	reg *prometheus.Registry

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		reg:      prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
	}
}

// Inc increments a counter by 1.
func (r *Registry) Inc(name, help string, labels prometheus.Labels) {
	r.IncBy(name, help, labels, 1)
}

// IncBy increments a counter by an arbitrary non-negative value.
func (r *Registry) IncBy(name, help string, labels prometheus.Labels, value float64) {
	vec := r.counterVec(name, help, labelNames(labels))
	vec.With(labels).Add(value)
}

// SetGauge sets a gauge to the given value.
func (r *Registry) SetGauge(name, help string, labels prometheus.Labels, value float64) {
	vec := r.gaugeVec(name, help, labelNames(labels))
	vec.With(labels).Set(value)
}

func (r *Registry) counterVec(name, help string, labelNames []string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	if vec, ok := r.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: help,
	}, labelNames)
	r.reg.MustRegister(vec)
	r.counters[name] = vec
	return vec
}

func (r *Registry) gaugeVec(name, help string, labelNames []string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	if vec, ok := r.gauges[name]; ok {
		return vec
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, labelNames)
	r.reg.MustRegister(vec)
	r.gauges[name] = vec
	return vec
}

func labelNames(labels prometheus.Labels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

// Handler returns the http.Handler that serves the Prometheus exposition
// format at the operator API's /metrics route (spec.md §6.3).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Well-known metric names used across the handler and health checker.
const (
	MetricUpstreamFailuresTotal = "pg_upstream_failures_total"
	MetricBytesTotal            = "pg_bytes_total"
	MetricTunnels               = "pg_tunnels"
	MetricActiveConnections     = "pg_active_connections"
)
