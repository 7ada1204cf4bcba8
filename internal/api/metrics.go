package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the Prometheus instrumentation for the HTTP surface.
type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	events   prometheus.Counter
	queries  prometheus.Counter
	feedback prometheus.Counter
	inferred prometheus.Counter
}

func newMetrics(start time.Time) *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recalld_requests_total",
			Help: "HTTP requests by operation and status class.",
		}, []string{"operation", "status"}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recalld_events_ingested_total",
			Help: "Events accepted by the ingest pipeline.",
		}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recalld_queries_total",
			Help: "Retrieval queries served.",
		}),
		feedback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recalld_feedback_total",
			Help: "Feedback items processed.",
		}),
		inferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recalld_inferred_memories_total",
			Help: "Inferred memories materialized by personalization.",
		}),
	}
	reg.MustRegister(m.requests, m.events, m.queries, m.feedback, m.inferred)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "recalld_uptime_seconds",
		Help: "Seconds since process start.",
	}, func() float64 { return time.Since(start).Seconds() }))
	reg.MustRegister(collectors.NewGoCollector())
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
