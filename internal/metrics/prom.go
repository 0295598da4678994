package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus counterparts of the run-level counters, served on each binary's
// metrics port. The authoritative numbers for a run come from the Collector
// exports; these exist for live observation.
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taildispatch_requests_total",
			Help: "Requests processed, labelled by component and outcome",
		},
		[]string{"component", "outcome"},
	)
	DeadlineMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taildispatch_deadline_misses_total",
			Help: "Requests whose response arrived after the deadline",
		},
		[]string{"component"},
	)
	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taildispatch_queue_length",
			Help: "Current ready-queue length",
		},
		[]string{"component", "queue"},
	)
	DispatchDecisionSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taildispatch_dispatch_decision_seconds",
			Help:    "Policy decision latency",
			Buckets: prometheus.ExponentialBuckets(1e-7, 4, 12),
		},
	)
)
