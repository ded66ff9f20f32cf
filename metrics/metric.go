package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ArrayJournal"

var (
	Registry = prometheus.NewRegistry()

	AppendedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "appended_records_total",
		Help:      "Log records appended to the log group ring, by record type.",
	}, []string{"type"})

	AppendWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "append_waits_total",
		Help:      "Appends that blocked because every log group was full.",
	})

	FullLogGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "full_log_groups",
		Help:      "Log groups full and awaiting checkpoint.",
	})

	CheckpointCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checkpoint",
		Name:      "cycles_total",
		Help:      "Checkpoint cycles, by result.",
	}, []string{"result"})

	CheckpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "checkpoint",
		Name:      "duration_seconds",
		Help:      "Time from checkpoint approval to group reclaim.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	FlushedPages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checkpoint",
		Name:      "flushed_pages_total",
		Help:      "Dirty metadata pages handed to flush.",
	})

	ReplayedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replay",
		Name:      "records_total",
		Help:      "Log records seen during recovery, by outcome.",
	}, []string{"outcome"})
)

func init() {
	Registry.MustRegister(
		AppendedRecords,
		AppendWaits,
		FullLogGroups,
		CheckpointCycles,
		CheckpointDuration,
		FlushedPages,
		ReplayedRecords,
	)
}
