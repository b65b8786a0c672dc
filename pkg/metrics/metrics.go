package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Define global variables for metrics.
// We use 'promauto' which registers them with the default registry on init.

var (
	// TotalVectors tracks the live records of the open index.
	TotalVectors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genovec_vectors_total",
			Help: "Number of live vectors in the index",
		},
	)

	// Tombstones tracks deleted slots not yet reclaimed by compaction.
	Tombstones = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genovec_tombstones",
			Help: "Deleted slots awaiting compaction",
		},
	)

	// InsertsTotal counts inserted records, labeled by the call that added them.
	InsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genovec_inserts_total",
			Help: "Total number of records inserted",
		},
		[]string{"op"}, // add, add_batch
	)

	// DeletesTotal counts successful deletes.
	DeletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genovec_deletes_total",
			Help: "Total number of records deleted",
		},
	)

	// SearchesTotal counts queries, labeled by whether a filter was supplied
	// and by outcome.
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genovec_searches_total",
			Help: "Total number of searches",
		},
		[]string{"filtered", "status"},
	)

	// SearchDuration measures query latency.
	// Buckets go from tens of microseconds (small index) to a second.
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genovec_search_duration_seconds",
			Help:    "Duration of searches in seconds",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.1, 1},
		},
		[]string{"filtered"},
	)

	// SnapshotDuration measures save, load and compaction.
	SnapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genovec_maintenance_duration_seconds",
			Help:    "Duration of snapshot and maintenance tasks in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"task"}, // save, load, compact, refine
	)
)
