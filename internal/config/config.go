// Package config resolves ProxyGuard's runtime tunables from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envSecret              = "PG_SECRET"
	envProxyPort           = "PROXY_PORT"
	envMetricsPort         = "METRICS_PORT"
	envConnectTimeout      = "PG_CONNECT_TIMEOUT"
	envBufferSize          = "PG_BUFFER_SIZE"
	envLogSampleRate       = "PG_LOG_SAMPLE_RATE"
	envHealthCheckInterval = "PG_HEALTH_CHECK_INTERVAL"
	envStickyTTL           = "PG_STICKY_TTL"
	envProxyList           = "PG_PROXY_LIST"
	envProxyFile           = "PG_PROXY_FILE"
	envEnableAuth          = "PG_ENABLE_AUTH"
	envMaxLatency          = "PG_MAX_LATENCY"
	envHighUsageThreshold  = "PG_HIGH_USAGE_THRESHOLD"

	defaultSecret             = "change-this-to-a-high-entropy-string"
	defaultProxyPort          = 8888
	defaultMetricsPort        = 9090
	defaultConnectTimeoutSecs = 10
	defaultBufferSize         = 65536
	defaultLogSampleRate      = 1000
	defaultHealthIntervalSecs = 60
	defaultStickyTTLSecs      = 0
	defaultProxyFile          = "proxies.txt"
	defaultEnableAuth         = true
	defaultMaxLatencyMs       = 500
	defaultHighUsageThreshold = 50
)

// CircuitBreakerThreshold is the number of consecutive failures that forces a
// descriptor unhealthy. It is not environment-tunable; it is a fixed invariant
// of the upstream data model (spec.md §3.1).
const CircuitBreakerThreshold = 3

// MaxRetries bounds the select/dial/handshake loop per client connection.
const MaxRetries = 3

// Config is the fully-resolved set of ProxyGuard tunables.
type Config struct {
	Secret              string
	ProxyPort           int
	MetricsPort         int
	ConnectTimeout      time.Duration
	BufferSize          int
	LogSampleRate       int
	HealthCheckInterval time.Duration
	StickyTTL           time.Duration
	ProxyList           []string
	ProxyFile           string
	EnableAuth          bool
	MaxLatency          time.Duration
	HighUsageThreshold  int
}

// Load reads Config from the environment, falling back to documented defaults
// (spec.md §6.4) for anything unset or malformed.
func Load() Config {
	return Config{
		Secret:              getString(envSecret, defaultSecret),
		ProxyPort:           getInt(envProxyPort, defaultProxyPort),
		MetricsPort:         getInt(envMetricsPort, defaultMetricsPort),
		ConnectTimeout:      time.Duration(getInt(envConnectTimeout, defaultConnectTimeoutSecs)) * time.Second,
		BufferSize:          getInt(envBufferSize, defaultBufferSize),
		LogSampleRate:       getInt(envLogSampleRate, defaultLogSampleRate),
		HealthCheckInterval: time.Duration(getInt(envHealthCheckInterval, defaultHealthIntervalSecs)) * time.Second,
		StickyTTL:           time.Duration(getInt(envStickyTTL, defaultStickyTTLSecs)) * time.Second,
		ProxyList:           getList(envProxyList),
		ProxyFile:           getString(envProxyFile, defaultProxyFile),
		EnableAuth:          getBool(envEnableAuth, defaultEnableAuth),
		MaxLatency:          time.Duration(getInt(envMaxLatency, defaultMaxLatencyMs)) * time.Millisecond,
		HighUsageThreshold:  getInt(envHighUsageThreshold, defaultHighUsageThreshold),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return fallback
	}
	return b
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
