// Package metrics exposes the Prometheus collectors for the order engine, the deadline sweep,
// token verification and the HTTP surface.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
)

const namespace = "solucity"

type Registry struct {
	reg *prometheus.Registry

	Transitions       *prometheus.CounterVec
	TransitionLatency *prometheus.HistogramVec
	CASConflicts      *prometheus.CounterVec
	SweepExpired      prometheus.Counter
	SweepFailed       prometheus.Counter
	SweepRuns         prometheus.Counter
	PublishFailures   prometheus.Counter
	AuthVerifications *prometheus.CounterVec
	AuthLatency       *prometheus.HistogramVec
	HTTPRequests      *prometheus.CounterVec
	HTTPLatency       *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	m := &Registry{
		reg: r,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_operations_total",
			Help: "Order operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		TransitionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "order_operation_seconds",
			Help:    "Order operation latency including CAS retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		CASConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_cas_conflicts_total",
			Help: "Version conflicts observed while writing orders.",
		}, []string{"operation"}),
		SweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_sweep_expired_total",
			Help: "Orders expired by the deadline sweep.",
		}),
		SweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_sweep_failed_total",
			Help: "Orders the deadline sweep could not expire.",
		}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_sweep_runs_total",
			Help: "Deadline sweep batches executed.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_event_publish_failures_total",
			Help: "Order events that could not be published.",
		}),
		AuthVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_verifications_total",
			Help: "Token verifications by kind and result.",
		}, []string{"kind", "result", "reason"}),
		AuthLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "auth_verification_seconds",
			Help:    "Token verification latency.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		}, []string{"kind"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route pattern and status code.",
		}, []string{"method", "route", "code"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	r.MustRegister(
		m.Transitions, m.TransitionLatency, m.CASConflicts,
		m.SweepExpired, m.SweepFailed, m.SweepRuns, m.PublishFailures,
		m.AuthVerifications, m.AuthLatency,
		m.HTTPRequests, m.HTTPLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveTransition records one engine operation. outcome is "applied", "replayed" or an error reason.
func (m *Registry) ObserveTransition(op domain.Operation, outcome string, elapsed time.Duration) {
	m.Transitions.WithLabelValues(string(op), outcome).Inc()
	m.TransitionLatency.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func (m *Registry) ObserveCASConflict(op domain.Operation) {
	m.CASConflicts.WithLabelValues(string(op)).Inc()
}

func (m *Registry) ObserveSweep(expired, failed int) {
	m.SweepRuns.Inc()
	m.SweepExpired.Add(float64(expired))
	m.SweepFailed.Add(float64(failed))
}

func (m *Registry) ObservePublishFailure() {
	m.PublishFailures.Inc()
}

// RecordVerification satisfies auth.MetricsRecorder.
func (m *Registry) RecordVerification(_ context.Context, kind string, success bool, reason string, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	m.AuthVerifications.WithLabelValues(kind, result, reason).Inc()
	m.AuthLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// Middleware counts requests by chi route pattern. Unmatched paths share one label to keep
// cardinality bounded.
func (m *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.HTTPLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
