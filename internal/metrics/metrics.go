// Package metrics exposes Prometheus instrumentation for the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "face_identity"

// Metrics holds every collector on a private registry.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	operations        *prometheus.CounterVec
	qualityRejections *prometheus.CounterVec
	matchSimilarity   prometheus.Histogram
	externalLatency   *prometheus.HistogramVec
	externalErrors    *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	identities        prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	m.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Identity operations by outcome",
		},
		[]string{"op", "result"},
	)
	m.qualityRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_rejections_total",
			Help:      "Faces rejected by the quality gate",
		},
		[]string{"reason"},
	)
	m.matchSimilarity = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_similarity",
			Help:      "Best cosine similarity observed per verification",
			Buckets:   prometheus.LinearBuckets(-0.2, 0.1, 13),
		},
	)
	m.externalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "external_call_duration_seconds",
			Help:      "Latency of calls to the embedding server and the store",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"target", "op"},
	)
	m.externalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_call_errors_total",
			Help:      "Failed calls to the embedding server and the store",
		},
		[]string{"target", "op"},
	)
	m.sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live enrollment sessions",
		},
	)
	m.identities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identities",
			Help:      "Number of enrolled identities",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.operations,
		m.qualityRejections,
		m.matchSimilarity,
		m.externalLatency,
		m.externalErrors,
		m.sessionsActive,
		m.identities,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Operation counts one identity operation. result is "ok" or an error kind.
func (m *Metrics) Operation(op, result string) {
	m.operations.WithLabelValues(op, result).Inc()
}

// QualityRejection counts one face rejected for reason.
func (m *Metrics) QualityRejection(reason string) {
	m.qualityRejections.WithLabelValues(reason).Inc()
}

// MatchSimilarity records the best similarity of a verification.
func (m *Metrics) MatchSimilarity(sim float64) {
	m.matchSimilarity.Observe(sim)
}

// ExternalCall records one call to a dependency. Its signature matches the
// observers accepted by the engine client and the store guard.
func (m *Metrics) ExternalCall(target string) func(op string, elapsed time.Duration, err error) {
	return func(op string, elapsed time.Duration, err error) {
		m.externalLatency.WithLabelValues(target, op).Observe(elapsed.Seconds())
		if err != nil {
			m.externalErrors.WithLabelValues(target, op).Inc()
		}
	}
}

// SetSessionsActive sets the live session gauge.
func (m *Metrics) SetSessionsActive(n int) { m.sessionsActive.Set(float64(n)) }

// SetIdentities sets the enrolled identity gauge.
func (m *Metrics) SetIdentities(n int) { m.identities.Set(float64(n)) }
