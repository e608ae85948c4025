package operator

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyguard/proxyguard/internal/metrics"
	"github.com/proxyguard/proxyguard/internal/upstream"
)

type fakeStatus struct{ active int64 }

func (f fakeStatus) ActiveConnections() int64 { return f.active }

func TestAPIProxies_ReturnsSnapshot(t *testing.T) {
	d, err := upstream.NewDescriptor("http://proxy.example.com:8080")
	require.NoError(t, err)
	reg := upstream.NewRegistryFromDescriptors(d)

	h := New(reg, metrics.New(), fakeStatus{active: 2}, true, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/proxies", nil))

	require.Equal(t, 200, rec.Code)
	var snaps []upstream.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "proxy.example.com", snaps[0].Host)
}

func TestAPIStatus_ReportsActiveConnectionsAndAuth(t *testing.T) {
	reg := upstream.NewRegistryFromDescriptors()
	h := New(reg, metrics.New(), fakeStatus{active: 5}, false, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["auth_enabled"])
	assert.Equal(t, float64(5), body["active_connections"])
}

func TestDashboard_MissingFileReturns404(t *testing.T) {
	reg := upstream.NewRegistryFromDescriptors()
	h := New(reg, metrics.New(), fakeStatus{}, true, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/dashboard", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestRoot_RedirectsToDashboard(t *testing.T) {
	reg := upstream.NewRegistryFromDescriptors()
	h := New(reg, metrics.New(), fakeStatus{}, true, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, 302, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get("Location"))
}

func TestMetrics_ServesPrometheusFormat(t *testing.T) {
	m := metrics.New()
	m.Inc("pg_operator_test_total", "help", nil)
	reg := upstream.NewRegistryFromDescriptors()
	h := New(reg, m, fakeStatus{}, true, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "pg_operator_test_total")
}
