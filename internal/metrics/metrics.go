// Package metrics registers the daemon's prometheus collectors. No
// HTTP exporter is started by default (exposing one is a
// service-controller integration concern, out of scope per spec.md
// §1); an embedder can mount Registry behind promhttp.Handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters/gauges the orchestrator updates.
type Metrics struct {
	Registry *prometheus.Registry

	EventsEmitted    prometheus.Counter
	BatchesRead      prometheus.Counter
	JournalGaps      prometheus.Counter
	JournalResets    prometheus.Counter
	PipeSubscribers  prometheus.Gauge
	CoalescerPending prometheus.Gauge
}

// New creates and registers a fresh collector set, labeled with the
// watched volume letter.
func New(volume string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"volume": volume}

	m := &Metrics{
		Registry: reg,
		EventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "usnwatcher_events_emitted_total",
			Help:        "Total number of merged events emitted.",
			ConstLabels: labels,
		}),
		BatchesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "usnwatcher_batches_read_total",
			Help:        "Total number of journal read batches issued.",
			ConstLabels: labels,
		}),
		JournalGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "usnwatcher_journal_gaps_total",
			Help:        "Total number of journal-wrap gap notices emitted.",
			ConstLabels: labels,
		}),
		JournalResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "usnwatcher_journal_resets_total",
			Help:        "Total number of journal-recreation cursor resets.",
			ConstLabels: labels,
		}),
		PipeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "usnwatcher_pipe_subscribers",
			Help:        "Current number of connected named-pipe subscribers.",
			ConstLabels: labels,
		}),
		CoalescerPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "usnwatcher_coalescer_pending",
			Help:        "Current number of FRNs buffered in the coalescer.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.EventsEmitted, m.BatchesRead, m.JournalGaps,
		m.JournalResets, m.PipeSubscribers, m.CoalescerPending,
	)
	return m
}
