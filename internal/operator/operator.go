// Package operator implements the operator-facing HTTP API (spec.md §6.3):
// metrics exposition, proxy snapshot listing, status, and the static
// dashboard — served on a port separate from the CONNECT proxy listener.
package operator

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/proxyguard/proxyguard/internal/metrics"
	"github.com/proxyguard/proxyguard/internal/upstream"
)

// StatusProvider supplies the live values the /api/status route reports.
type StatusProvider interface {
	ActiveConnections() int64
}

// New builds the chi router serving the operator API.
func New(reg *upstream.Registry, m *metrics.Registry, status StatusProvider, authEnabled bool, dashboardPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/metrics", m.Handler().ServeHTTP)

	r.Get("/api/proxies", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reg.SnapshotViews())
	})

	r.Get("/api/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"auth_enabled":       authEnabled,
			"active_connections": status.ActiveConnections(),
		})
	})

	r.Get("/dashboard", func(w http.ResponseWriter, req *http.Request) {
		if dashboardPath == "" {
			http.NotFound(w, req)
			return
		}
		if _, err := os.Stat(dashboardPath); err != nil {
			http.NotFound(w, req)
			return
		}
		http.ServeFile(w, req, dashboardPath)
	})

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/dashboard", http.StatusFound)
	})

	return r
}
