// Command proxyguard runs the ProxyGuard CONNECT proxy: an authenticating
// front door for a pool of upstream HTTP proxies, with health checking,
// sticky selection, and an operator HTTP API.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/proxyguard/proxyguard/internal/auth"
	"github.com/proxyguard/proxyguard/internal/config"
	"github.com/proxyguard/proxyguard/internal/handler"
	"github.com/proxyguard/proxyguard/internal/health"
	"github.com/proxyguard/proxyguard/internal/logging"
	"github.com/proxyguard/proxyguard/internal/metrics"
	"github.com/proxyguard/proxyguard/internal/operator"
	"github.com/proxyguard/proxyguard/internal/selector"
	"github.com/proxyguard/proxyguard/internal/supervisor"
	"github.com/proxyguard/proxyguard/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "proxyguard: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	log, err := logging.New(os.Getenv("PG_DEV_LOG") == "1")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	logStartupBanner(log, cfg)

	metricsReg := metrics.New()
	registry := upstream.NewRegistry(cfg.ProxyList, cfg.ProxyFile, log)
	stickyMap := selector.NewStickyMap()
	geoLocator := upstream.NewGeoLocator(log)

	sel := selector.New(registry, stickyMap, cfg.StickyTTL, cfg.MaxLatency, cfg.HighUsageThreshold)
	authn := auth.New(cfg.Secret)

	h := handler.New(handler.Config{
		EnableAuth:     cfg.EnableAuth,
		MaxRetries:     config.MaxRetries,
		ConnectTimeout: cfg.ConnectTimeout,
		BufferSize:     cfg.BufferSize,
		LogSampleRate:  cfg.LogSampleRate,
	}, authn, sel, metricsReg, log)

	checker := health.New(registry, stickyMap, geoLocator, cfg.HealthCheckInterval, log)

	mux := operator.New(registry, metricsReg, h, cfg.EnableAuth, dashboardPath())

	sup := &supervisor.Supervisor{
		ProxyPort:    cfg.ProxyPort,
		ConnHandler:  h,
		OperatorAddr: fmt.Sprintf(":%d", cfg.MetricsPort),
		OperatorMux:  mux,
		HealthLoop:   checker.Loop,
		Log:          log,
	}

	return sup.Run(context.Background())
}

// dashboardPath locates the static dashboard file shipped alongside the
// binary; missing is not an error, the operator API serves 404 instead.
func dashboardPath() string {
	candidates := []string{
		"internal/operator/static/dashboard.html",
		"static/dashboard.html",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "internal/operator/static/dashboard.html"
}

func logStartupBanner(log *zap.Logger, cfg config.Config) {
	log.Info("proxyguard starting",
		zap.Int("pid", os.Getpid()),
		zap.Int("proxy_port", cfg.ProxyPort),
		zap.Int("metrics_port", cfg.MetricsPort),
		zap.Bool("auth_enabled", cfg.EnableAuth),
		zap.Duration("connect_timeout", cfg.ConnectTimeout),
		zap.Duration("health_check_interval", cfg.HealthCheckInterval),
		zap.Duration("sticky_ttl", cfg.StickyTTL),
		zap.Int("buffer_size", cfg.BufferSize),
		zap.String("proxy_file", cfg.ProxyFile),
		zap.Int("env_proxy_count", len(cfg.ProxyList)),
	)
}
