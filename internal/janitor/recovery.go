package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/metrics"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/queue"
)

// RecoveryJob requeues jobs held by workers whose heartbeat went stale.
// An ungracefully dead worker's claimed jobs would otherwise sit in its
// running hash forever; this is the path that keeps them from being
// silently dropped.
type RecoveryJob struct {
	store   *queue.Store
	maxAge  time.Duration
	timeout time.Duration
	log     zerolog.Logger
}

func NewRecoveryJob(st *queue.Store, maxAge time.Duration, log zerolog.Logger) *RecoveryJob {
	return &RecoveryJob{
		store:   st,
		maxAge:  maxAge,
		timeout: 30 * time.Second,
		log:     log.With().Str("job", "stale_worker_recovery").Logger(),
	}
}

func (j *RecoveryJob) Name() string { return "stale_worker_recovery" }

func (j *RecoveryJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	stale, err := j.store.StaleWorkers(ctx, j.maxAge)
	if err != nil {
		return err
	}

	for _, workerID := range stale {
		n, err := j.store.RecoverWorker(ctx, workerID)
		if err != nil {
			j.log.Error().Err(err).Str("worker_id", workerID).Msg("recovery failed")
			continue
		}
		metrics.RecoveredJobsTotal.Add(float64(n))
		j.log.Warn().
			Str("worker_id", workerID).
			Int("jobs_recovered", n).
			Msg("recovered jobs from stale worker")
	}
	return nil
}
