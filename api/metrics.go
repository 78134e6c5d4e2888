/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Counts HTTP traffic, chat turns by who answered them, committed ledger
  events by kind and swept proposals. Metrics live in their own registry so
  tests can build as many servers as they like.

METRICS:
  lifeos_http_requests_total{route,method,status}
  lifeos_http_request_duration_seconds{route,method}
  lifeos_turns_total{source}                 engine | llm | fallback
  lifeos_ledger_events_total{kind}           via finance.Sink
  lifeos_proposals_expired_total

SEE ALSO:
  - server.go: Mounts /metrics and the middleware
  - finance/guard.go: Sink callbacks
*/
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lifeos/decision-engine/assistant"
	"github.com/lifeos/decision-engine/finance"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's collectors.
type Metrics struct {
	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	turns        *prometheus.CounterVec
	ledgerEvents *prometheus.CounterVec
	expired      prometheus.Counter
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeos_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifeos_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeos_turns_total",
			Help: "Chat turns by reply source.",
		}, []string{"source"}),
		ledgerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeos_ledger_events_total",
			Help: "Committed ledger events by kind.",
		}, []string{"kind"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeos_proposals_expired_total",
			Help: "Proposals cleared by the expiry sweep.",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.duration, m.turns, m.ledgerEvents, m.expired,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records every request under its chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// ObserveTurn counts a chat turn.
func (m *Metrics) ObserveTurn(source assistant.Source) {
	m.turns.WithLabelValues(string(source)).Inc()
}

// ObserveExpired counts proposals cleared by a sweep.
func (m *Metrics) ObserveExpired(n int) {
	m.expired.Add(float64(n))
}

// EventCommitted implements finance.Sink.
func (m *Metrics) EventCommitted(_ context.Context, _ string, e finance.Event) {
	m.ledgerEvents.WithLabelValues(string(e.Kind)).Inc()
}
