package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/os/{ref}")

	req := httptest.NewRequest(http.MethodGet, "/os/OS-1", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `os_http_requests_total{code="418",route="/os/{ref}"} 1`)
	require.Contains(t, body, `os_http_request_duration_seconds_bucket{route="/os/{ref}"`)
}

func TestDomainCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveSave("create", "success")
	metrics.ObserveSaveRetry("conflict")
	metrics.ObserveStockAdjustment("debit", "success")
	metrics.ObserveCacheFallback()

	body := scrape(t, metrics)
	for _, want := range []string{
		`os_saves_total{op="create",outcome="success"} 1`,
		`os_save_retries_total{reason="conflict"} 1`,
		`os_stock_adjustments_total{direction="debit",outcome="success"} 1`,
		`os_cache_fallback_total 1`,
	} {
		require.True(t, strings.Contains(body, want), "missing %s", want)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveSave("update", "failure")
	metrics.ObserveCacheFallback()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
