package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exported at /metrics. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	tokensIssued     *prometheus.CounterVec
	authAttempts     *prometheus.CounterVec
	proxyRequests    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a dedicated registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apiox_http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apiox_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apiox_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apiox_tokens_issued_total",
			Help: "Tokens issued or refreshed, by grant type.",
		}, []string{"grant_type"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apiox_authentication_attempts_total",
			Help: "Authentication attempts, by scheme and outcome.",
		}, []string{"scheme", "outcome"}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apiox_proxy_requests_total",
			Help: "Proxied requests, by API and response status.",
		}, []string{"api", "status"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apiox_proxy_upstream_duration_seconds",
			Help:    "Time to receive upstream response headers.",
			Buckets: prometheus.DefBuckets,
		}, []string{"api"}),
	}
	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.tokensIssued, m.authAttempts, m.proxyRequests, m.upstreamDuration,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TokenIssued(grantType string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(grantType).Inc()
}

func (m *Metrics) AuthAttempt(scheme, outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(scheme, outcome).Inc()
}

func (m *Metrics) ProxyRequest(apiID string, status int, upstream time.Duration) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(apiID, strconv.Itoa(status)).Inc()
	if upstream > 0 {
		m.upstreamDuration.WithLabelValues(apiID).Observe(upstream.Seconds())
	}
}

// Instrument measures request counts, latency and in-flight requests. The
// route label is the chi route pattern so proxied paths do not explode the
// label space.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := strconv.Itoa(sw.code)
		m.httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streamed proxy responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
