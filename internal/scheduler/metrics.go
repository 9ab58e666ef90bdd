package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExtractionsTotal counts adapter cycles.
	// Labels: kind (periodic, final), outcome (merged, unchanged, failed, discarded, abandoned)
	ExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consultd",
			Subsystem: "scheduler",
			Name:      "extractions_total",
			Help:      "Total number of extraction cycles by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// ExtractionDuration tracks adapter latency including retries.
	// Labels: kind (periodic, final)
	ExtractionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "consultd",
			Subsystem: "scheduler",
			Name:      "extraction_duration_seconds",
			Help:      "Duration of extraction cycles in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"kind"},
	)

	// AdapterAttemptsTotal counts individual adapter calls.
	// Labels: result (success, timeout, error)
	AdapterAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consultd",
			Subsystem: "scheduler",
			Name:      "adapter_attempts_total",
			Help:      "Total number of adapter calls by result",
		},
		[]string{"result"},
	)

	// TriggersSkippedTotal counts turns that did not start an extraction.
	// Labels: reason (low_signal, coalesced, stopped)
	TriggersSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consultd",
			Subsystem: "scheduler",
			Name:      "triggers_skipped_total",
			Help:      "Total number of turns that did not trigger an extraction",
		},
		[]string{"reason"},
	)

	// MergeDecisionsTotal counts merge decisions by reason.
	MergeDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "consultd",
			Subsystem: "merge",
			Name:      "decisions_total",
			Help:      "Total number of merge decisions by reason",
		},
		[]string{"reason"},
	)
)
