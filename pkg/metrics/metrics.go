// Copyright 2025 Certen Protocol
//
// Orchestrator instrumentation (§4.9 expanded). Grounded on the
// `prometheus/client_golang` vocabulary the corpus uses for long-running
// service metrics (package-level `promauto.NewHistogram`-style gauges in
// other_examples' wormhole processor), adapted into an explicit
// constructor that registers against a caller-owned `*prometheus.Registry`
// instead of the global default registry, matching this repo's
// explicit-dependency-injection design notes (§9).

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the watchtower's tick-level Prometheus instruments.
type Metrics struct {
	TickDuration     prometheus.Histogram
	EventsIngested   prometheus.Counter
	FetchStatusTotal *prometheus.CounterVec
	AlertsRaised     prometheus.Counter
	PipelineErrors   prometheus.Counter
}

// New creates the watchtower's instruments and registers them against reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "watchtower_tick_duration_seconds",
			Help:    "Duration of a single orchestrator tick.",
			Buckets: prometheus.DefBuckets,
		}),
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_events_ingested_total",
			Help: "Total registration events ingested by the event poller.",
		}),
		FetchStatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_fetch_status_total",
			Help: "Total card fetch attempts by outcome status.",
		}, []string{"status"}),
		AlertsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_alerts_raised_total",
			Help: "Total alerts raised by the scoring engine.",
		}),
		PipelineErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_pipeline_errors_total",
			Help: "Total per-agent pipeline stage failures recovered by the orchestrator.",
		}),
	}

	reg.MustRegister(
		m.TickDuration,
		m.EventsIngested,
		m.FetchStatusTotal,
		m.AlertsRaised,
		m.PipelineErrors,
	)

	return m
}
