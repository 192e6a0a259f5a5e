package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics lives on a private registry so several servers can coexist in one
// process (tests).
type Metrics struct {
	registry       *prometheus.Registry
	events         *prometheus.CounterVec
	uncorrelated   *prometheus.CounterVec
	outboxFailures *prometheus.CounterVec
	lagged         prometheus.Counter
}

func newMetrics(s *Server) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "axel_events_total",
			Help: "Envelopes ingested, by event kind.",
		}, []string{"kind"}),
		uncorrelated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "axel_uncorrelated_events_total",
			Help: "Telemetry envelopes filed under the sentinel correlation id.",
		}, []string{"signal"}),
		outboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "axel_outbox_delivery_failures_total",
			Help: "Outbox responses recorded but not delivered, by delivery mode.",
		}, []string{"mode"}),
		lagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "axel_subscriber_lagged_envelopes_total",
			Help: "Envelopes skipped by live subscribers that fell behind.",
		}),
	}

	m.registry.MustRegister(
		m.events,
		m.uncorrelated,
		m.outboxFailures,
		m.lagged,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "axel_eventlog_dropped_total",
			Help: "Envelopes dropped because the event log queue was full.",
		}, func() float64 { return float64(s.eventLog.Dropped()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "axel_eventlog_written_total",
			Help: "Envelopes written to the event log.",
		}, func() float64 { return float64(s.eventLog.Written()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "axel_eventlog_failed_total",
			Help: "Envelopes the event log could not encode or write.",
		}, func() float64 { return float64(s.eventLog.Failed()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "axel_inbox_published_total",
			Help: "Envelopes published to live subscribers.",
		}, func() float64 { return float64(s.broadcaster.Published()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "axel_eventlog_queue_length",
			Help: "Envelopes waiting to be written.",
		}, func() float64 { return float64(s.eventLog.QueueLen()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "axel_inbox_subscribers",
			Help: "Open SSE and WebSocket subscribers.",
		}, func() float64 { return float64(s.broadcaster.Subscribers()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "axel_correlation_entries",
			Help: "Session ids mapped to panes.",
		}, func() float64 { return float64(s.table.Len()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
