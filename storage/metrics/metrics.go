// Package metrics exposes the storage engine's Prometheus instrumentation,
// following the same package-level-vars-plus-init-registration shape as
// the rest of this codebase's metrics packages.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_commit_duration_seconds",
			Help:    "Time taken to commit a StateDelta into a new version.",
			Buckets: prometheus.DefBuckets,
		},
	)

	CurrentVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_current_version",
			Help: "The latest committed version.",
		},
	)

	SnapshotRingOccupancy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_snapshot_ring_occupancy",
			Help: "Number of snapshots currently held in the ring cache.",
		},
	)

	DispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_dispatch_queue_depth",
			Help: "Number of pending payloads queued for dispatch to subscribers.",
		},
	)

	JMTNodeBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_jmt_node_batch_size",
			Help:    "Number of JMT nodes written per commit.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	CommitsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_commits_failed_total",
			Help: "Total number of commits that returned an error before the write batch was applied.",
		},
	)
)

func init() {
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(CurrentVersion)
	prometheus.MustRegister(SnapshotRingOccupancy)
	prometheus.MustRegister(DispatchQueueDepth)
	prometheus.MustRegister(JMTNodeBatchSize)
	prometheus.MustRegister(CommitsFailedTotal)
}

// Timer times a single operation against one of the histograms above.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
