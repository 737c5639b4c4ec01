package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the HTTP surface and the
// ingestion pipeline.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	billsCreated       prometheus.Counter
	duplicatesSkipped  prometheus.Counter
	extractionFailures prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wattsplit_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wattsplit_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	created := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wattsplit_bills_created_total",
		Help: "Bills inserted by the ingestion pipeline.",
	})
	duplicates := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wattsplit_duplicates_skipped_total",
		Help: "Candidates skipped because the bill already existed.",
	})
	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wattsplit_extraction_failures_total",
		Help: "Candidates rejected because extraction failed.",
	})
	registry.MustRegister(requests, duration, created, duplicates, failures)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		billsCreated:       created,
		duplicatesSkipped:  duplicates,
		extractionFailures: failures,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
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

// BillCreated implements the pipeline counter port.
func (m *Metrics) BillCreated() {
	if m != nil {
		m.billsCreated.Inc()
	}
}

// DuplicateSkipped implements the pipeline counter port.
func (m *Metrics) DuplicateSkipped() {
	if m != nil {
		m.duplicatesSkipped.Inc()
	}
}

// ExtractionFailed implements the pipeline counter port.
func (m *Metrics) ExtractionFailed() {
	if m != nil {
		m.extractionFailures.Inc()
	}
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
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
