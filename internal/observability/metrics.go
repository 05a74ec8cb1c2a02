package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics of the service.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	saves         *prometheus.CounterVec
	saveRetries   *prometheus.CounterVec
	stockAdjusts  *prometheus.CounterVec
	cacheFallback prometheus.Counter
}

// NewMetrics initialises the registry, HTTP metrics and service order counters.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "os_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	saves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_saves_total",
		Help: "Remote order saves by operation and outcome.",
	}, []string{"op", "outcome"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_save_retries_total",
		Help: "Automatic save retries by reason.",
	}, []string{"reason"})
	stock := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_stock_adjustments_total",
		Help: "Stock adjustment batches by direction and outcome.",
	}, []string{"direction", "outcome"})
	fallback := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "os_cache_fallback_total",
		Help: "Order loads served from the local cache after a remote miss or failure.",
	})
	registry.MustRegister(requests, duration, saves, retries, stock, fallback)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		saves:           saves,
		saveRetries:     retries,
		stockAdjusts:    stock,
		cacheFallback:   fallback,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveSave counts a remote save attempt.
func (m *Metrics) ObserveSave(op, outcome string) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(op, outcome).Inc()
}

// ObserveSaveRetry counts an automatic retry.
func (m *Metrics) ObserveSaveRetry(reason string) {
	if m == nil {
		return
	}
	m.saveRetries.WithLabelValues(reason).Inc()
}

// ObserveStockAdjustment counts a stock batch.
func (m *Metrics) ObserveStockAdjustment(direction, outcome string) {
	if m == nil {
		return
	}
	m.stockAdjusts.WithLabelValues(direction, outcome).Inc()
}

// ObserveCacheFallback counts a load served from cache.
func (m *Metrics) ObserveCacheFallback() {
	if m == nil {
		return
	}
	m.cacheFallback.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
