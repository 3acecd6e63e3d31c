// Package metrics exposes Prometheus instrumentation for the API server
// and background workers.
//
// Each Metrics value owns its own registry, so tests can construct as many
// instances as they like without duplicate-registration panics. The server
// mounts Handler() at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "casewire"

// Metrics holds all collectors. Fields are exported so packages record
// directly without going through wrapper methods.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Realtime
	WSConnections   prometheus.Gauge
	EventsPublished *prometheus.CounterVec

	// Search
	SearchQueries  *prometheus.CounterVec
	SearchDuration prometheus.Histogram

	// Outbox replication
	OutboxProcessed *prometheus.CounterVec
	OutboxDepth     prometheus.Gauge

	// Assistant
	AssistantRequests *prometheus.CounterVec
	AssistantDuration prometheus.Histogram
	AnswerCache       *prometheus.CounterVec
}

// New constructs and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Currently connected WebSocket clients.",
		}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Realtime events published by event type.",
		}, []string{"type"}),

		SearchQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_queries_total",
			Help:      "Search queries by route taken (pgvector, merged, degraded).",
		}, []string{"route"}),

		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_query_seconds",
			Help:      "End-to-end search duration in seconds.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		OutboxProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_processed_total",
			Help:      "Outbox rows processed by operation and outcome.",
		}, []string{"op", "success"}),

		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Outbox rows awaiting replication at last poll.",
		}),

		AssistantRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assistant_requests_total",
			Help:      "Assistant invocations by model tier and outcome.",
		}, []string{"model", "success"}),

		AssistantDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assistant_request_seconds",
			Help:      "Assistant request duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		AnswerCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assistant_answer_cache_total",
			Help:      "Assistant answer cache lookups by result (hit, miss).",
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests,
		m.HTTPDuration,
		m.WSConnections,
		m.EventsPublished,
		m.SearchQueries,
		m.SearchDuration,
		m.OutboxProcessed,
		m.OutboxDepth,
		m.AssistantRequests,
		m.AssistantDuration,
		m.AnswerCache,
	)

	return m
}

// Handler returns the /metrics endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
