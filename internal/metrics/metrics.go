package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	SpawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orch_worker_spawns_total",
			Help: "Total worker processes spawned per category",
		},
		[]string{"category"},
	)

	SpawnFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orch_worker_spawn_failures_total",
			Help: "Total failed worker spawn attempts per category",
		},
		[]string{"category"},
	)

	WorkerExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orch_worker_exits_total",
			Help: "Total reaped worker exits per category",
		},
		[]string{"category", "outcome"}, // outcome: clean | error | killed
	)

	ForcedKillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orch_worker_forced_kills_total",
			Help: "Total workers force-terminated after exceeding max runtime",
		},
		[]string{"category"},
	)

	ReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orch_retry_releases_total",
			Help: "Total delayed jobs released back to the ready queue",
		},
		[]string{"category", "profile"},
	)

	RedelaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orch_retry_redelays_total",
			Help: "Total due jobs re-delayed for staggered release",
		},
		[]string{"category", "profile"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orch_dead_letters_total",
			Help: "Total jobs moved to the dead-letter set",
		},
		[]string{"category"},
	)

	RecoveredJobsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orch_recovered_jobs_total",
			Help: "Total jobs requeued from stale workers",
		},
	)

	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orch_jobs_processed_total",
			Help: "Total jobs processed by workers",
		},
		[]string{"category", "success"}, // success: "true" or "false"
	)

	// Gauges
	ActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orch_active_workers",
			Help: "Current live worker processes per category",
		},
		[]string{"category"},
	)

	ReadyDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orch_ready_depth",
			Help: "Current ready-queue depth per category",
		},
		[]string{"category"},
	)

	DelayedDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orch_delayed_depth",
			Help: "Current delayed-set depth per category",
		},
		[]string{"category"},
	)

	DueNow = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orch_delayed_due_now",
			Help: "Delayed jobs already eligible for release per category",
		},
		[]string{"category"},
	)

	AcceleratedProfile = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orch_accelerated_profile",
			Help: "1 when the retry scheduler is in the accelerated profile",
		},
	)

	// Histogram for worker session duration
	SessionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orch_worker_session_duration_seconds",
			Help:    "Worker session lifetime in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68m
		},
		[]string{"category"},
	)
)
