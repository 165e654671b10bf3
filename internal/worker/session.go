// Package worker is the session runtime of one ephemeral worker
// process. It claims jobs from its category's ready queue and honors
// the worker contract: in-session retries, backoff delay on exhaustion,
// dead-letter at the retry ceiling, and self-termination on idle
// timeout, job cap or max runtime.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/config"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/metrics"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/models"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/queue"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/retry"
)

const (
	heartbeatInterval = 3 * time.Second
	heartbeatTTL      = 15 * time.Second
	emptyPollSleep    = 500 * time.Millisecond
)

// ExitReason is why a session ended.
type ExitReason string

const (
	ExitIdle       ExitReason = "idle_timeout"
	ExitJobLimit   ExitReason = "job_limit"
	ExitMaxRuntime ExitReason = "max_runtime"
	ExitCancelled  ExitReason = "cancelled"
)

type Session struct {
	store   *queue.Store
	cfg     config.WorkerConfig
	handler Handler
	limiter *rate.Limiter
	log     zerolog.Logger

	now   func() time.Time
	sleep func(time.Duration)

	jobsProcessed int
}

func NewSession(st *queue.Store, cfg config.WorkerConfig, handler Handler, log zerolog.Logger) *Session {
	perMinute := cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Session{
		store:   st,
		cfg:     cfg,
		handler: handler,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		log:     log.With().Str("component", "worker").Str("worker_id", cfg.WorkerID).Str("category", string(cfg.Category)).Logger(),
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// Run claims and processes jobs until a self-termination limit is hit
// or ctx is cancelled. It always deregisters the worker's liveness keys
// on the way out.
func (s *Session) Run(ctx context.Context) ExitReason {
	started := s.now()
	idleSince := started

	hbCtx, stopHB := context.WithCancel(ctx)
	go s.heartbeatLoop(hbCtx)

	reason := ExitCancelled
	defer func() {
		stopHB()
		if err := s.store.DeregisterWorker(context.Background(), s.cfg.WorkerID); err != nil {
			s.log.Warn().Err(err).Msg("deregister failed")
		}
		s.log.Info().
			Str("reason", string(reason)).
			Int("jobs_processed", s.jobsProcessed).
			Dur("session", s.now().Sub(started)).
			Msg("session ended")
	}()

	for {
		if ctx.Err() != nil {
			return reason
		}
		now := s.now()
		switch {
		case s.cfg.MaxJobs > 0 && s.jobsProcessed >= s.cfg.MaxJobs:
			reason = ExitJobLimit
			return reason
		case now.Sub(started) >= s.cfg.MaxRuntime:
			reason = ExitMaxRuntime
			return reason
		case now.Sub(idleSince) >= s.cfg.IdleTimeout:
			reason = ExitIdle
			return reason
		}

		if !s.limiter.Allow() {
			s.sleep(emptyPollSleep)
			continue
		}

		job, ok, err := s.store.PopReady(ctx, s.cfg.Category)
		if err != nil {
			if errors.Is(err, queue.ErrInvalidJob) {
				s.log.Warn().Err(err).Msg("claimed job had invalid body, dead-lettered")
				continue
			}
			s.log.Error().Err(err).Msg("claim failed")
			s.sleep(time.Second)
			continue
		}
		if !ok {
			s.sleep(emptyPollSleep)
			continue
		}

		idleSince = s.now()
		s.processJob(ctx, job)
		s.jobsProcessed++
	}
}

// processJob runs the handler with the job's per-session attempt
// budget, then commits an outcome: delete on success, delayed set with
// backoff on transient exhaustion, dead-letter on permanent failure or
// at the retry ceiling. The outcome is persisted before the job is
// released, so a forced kill after this point loses nothing.
func (s *Session) processJob(ctx context.Context, job models.Job) {
	if err := s.store.MarkRunning(ctx, s.cfg.WorkerID, job); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID).Msg("mark running failed")
	}
	defer func() {
		if err := s.store.ClearRunning(ctx, s.cfg.WorkerID, job.ID); err != nil {
			s.log.Warn().Err(err).Str("job_id", job.ID).Msg("clear running failed")
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= job.SessionAttempts(); attempt++ {
		job.AttemptCount = attempt
		lastErr = s.handler(ctx, job)
		if lastErr == nil {
			metrics.JobsProcessedTotal.WithLabelValues(string(job.Category), "true").Inc()
			if err := s.store.DeleteJob(ctx, job.ID); err != nil {
				s.log.Warn().Err(err).Str("job_id", job.ID).Msg("cleanup failed")
			}
			s.log.Info().Str("job_id", job.ID).Int("attempt", attempt).Msg("job completed")
			return
		}
		if isPermanent(lastErr) || ctx.Err() != nil {
			break
		}
		s.log.Warn().
			Err(lastErr).
			Str("job_id", job.ID).
			Int("attempt", attempt).
			Int("budget", job.SessionAttempts()).
			Msg("attempt failed")
	}

	metrics.JobsProcessedTotal.WithLabelValues(string(job.Category), "false").Inc()
	job.LastFailureReason = lastErr.Error()

	if isPermanent(lastErr) {
		s.deadLetter(ctx, job, "permanent failure: "+lastErr.Error())
		return
	}

	if s.cfg.DeadLetterCeiling > 0 && job.TotalRetryCount+1 >= s.cfg.DeadLetterCeiling {
		s.deadLetter(ctx, job, "retry ceiling reached: "+lastErr.Error())
		return
	}

	// Backoff is computed from the pre-increment retry count, then the
	// counter advances for the next session.
	delay := retry.Backoff(job.TotalRetryCount)
	job.TotalRetryCount++
	job.AttemptCount = 0
	eligibleAt := s.now().Add(delay)

	if err := s.store.PushDelayed(ctx, job, eligibleAt); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("delay failed; recovery janitor will requeue")
		return
	}
	s.log.Info().
		Str("job_id", job.ID).
		Dur("backoff", delay).
		Int("total_retries", job.TotalRetryCount).
		Msg("job delayed for retry")
}

func (s *Session) deadLetter(ctx context.Context, job models.Job, reason string) {
	if err := s.store.PushDead(ctx, job, reason); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("dead-letter failed; recovery janitor will requeue")
		return
	}
	metrics.DeadLettersTotal.WithLabelValues(string(job.Category)).Inc()
	s.log.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("job dead-lettered")
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	// Initial beat so recovery never sees a running worker without one.
	if err := s.store.Heartbeat(ctx, s.cfg.WorkerID, heartbeatTTL); err != nil {
		s.log.Warn().Err(err).Msg("heartbeat failed")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Heartbeat(ctx, s.cfg.WorkerID, heartbeatTTL); err != nil {
				s.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}
