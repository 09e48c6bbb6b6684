package grants

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// recordsTotal counts records handled by persist runs, by partition and
	// result (added|duplicate|invalid|failed).
	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authzgrants_records_total",
			Help: "Total number of grant records handled by persist runs",
		},
		[]string{"partition", "result"},
	)

	// runsTotal counts persist and sync runs by outcome
	// (done|failed|fetch_timeout|fetch_failed|rejected).
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authzgrants_sync_runs_total",
			Help: "Total number of persist and sync runs",
		},
		[]string{"outcome"},
	)

	fetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "authzgrants_fetch_duration_seconds",
			Help:    "Time spent waiting on the chain-query collaborator",
			Buckets: prometheus.DefBuckets,
		},
	)
)
