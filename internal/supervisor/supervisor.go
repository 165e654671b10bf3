// Package supervisor keeps each category's live worker count aligned
// with its ready backlog, bounded by the concurrency cap and spawn
// cooldown. It owns the Worker Handles exclusively; the only externally
// visible effects are process creation and termination.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/config"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/metrics"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/models"
)

// Handle is the orchestrator's view of one live ephemeral process.
type Handle struct {
	WorkerID  string
	Category  models.Category
	Proc      Process
	StartedAt time.Time

	// termSentAt is set when the max-runtime backstop fired SIGTERM.
	termSentAt time.Time
}

// backlogCounter is the slice of the queue adapter the supervisor needs.
type backlogCounter interface {
	CountReady(ctx context.Context, cat models.Category) (int64, error)
}

type Supervisor struct {
	store  backlogCounter
	runner Runner
	cfg    map[models.Category]config.CategoryConfig

	handles   map[models.Category][]*Handle
	lastSpawn map[models.Category]time.Time

	killGrace time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

func New(store backlogCounter, runner Runner, cfg map[models.Category]config.CategoryConfig, killGrace time.Duration, log zerolog.Logger) *Supervisor {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &Supervisor{
		store:     store,
		runner:    runner,
		cfg:       cfg,
		handles:   make(map[models.Category][]*Handle),
		lastSpawn: make(map[models.Category]time.Time),
		killGrace: killGrace,
		now:       time.Now,
		log:       log.With().Str("component", "supervisor").Logger(),
	}
}

// RunCategory executes one supervision pass: reap exits, enforce the
// max-runtime backstop, then spawn toward min(backlog, cap) under the
// cooldown gate.
func (s *Supervisor) RunCategory(ctx context.Context, cat models.Category) error {
	cc, ok := s.cfg[cat]
	if !ok {
		return errors.New("no configuration for category " + string(cat))
	}

	s.reap(cat)
	s.enforceRuntime(cat, cc)

	active := len(s.handles[cat])
	metrics.ActiveWorkers.WithLabelValues(string(cat)).Set(float64(active))

	backlog, err := s.store.CountReady(ctx, cat)
	if err != nil {
		return err // no-op this cycle, retry next
	}
	if backlog == 0 {
		// Running workers wind down on their own idle timeout.
		return nil
	}

	target := int(backlog)
	if target > cc.MaxConcurrentWorkers {
		target = cc.MaxConcurrentWorkers
	}
	deficit := target - active
	if deficit <= 0 {
		return nil
	}

	s.spawn(ctx, cat, cc, deficit)
	metrics.ActiveWorkers.WithLabelValues(string(cat)).Set(float64(len(s.handles[cat])))
	return nil
}

// spawn starts up to deficit workers. Each successful spawn stamps the
// cooldown gate, so a burst deficit ramps up at one worker per cooldown
// window. A failed spawn leaves the stamp untouched: the next cycle
// retries immediately instead of waiting out a cooldown it never used.
func (s *Supervisor) spawn(ctx context.Context, cat models.Category, cc config.CategoryConfig, deficit int) {
	for i := 0; i < deficit; i++ {
		now := s.now()
		if now.Sub(s.lastSpawn[cat]) < cc.SpawnCooldown {
			return
		}

		spec := SpawnSpec{
			WorkerID:    uuid.New().String(),
			Category:    cat,
			MaxRuntime:  cc.WorkerMaxRuntime,
			IdleTimeout: cc.WorkerIdleTimeout,
			MaxJobs:     cc.MaxJobsPerSession,
		}

		proc, err := s.runner.Spawn(ctx, spec)
		if err != nil {
			metrics.SpawnFailuresTotal.WithLabelValues(string(cat)).Inc()
			s.log.Error().Err(err).Str("category", string(cat)).Msg("worker spawn failed")
			return
		}

		s.handles[cat] = append(s.handles[cat], &Handle{
			WorkerID:  spec.WorkerID,
			Category:  cat,
			Proc:      proc,
			StartedAt: now,
		})
		s.lastSpawn[cat] = now
		metrics.SpawnsTotal.WithLabelValues(string(cat)).Inc()
		s.log.Info().
			Str("category", string(cat)).
			Str("worker_id", spec.WorkerID).
			Int("pid", proc.PID()).
			Msg("worker spawned")
	}
}

// reap removes handles whose process has exited and logs the outcome.
func (s *Supervisor) reap(cat models.Category) {
	live := s.handles[cat][:0]
	for _, h := range s.handles[cat] {
		select {
		case <-h.Proc.Done():
			outcome := "clean"
			exitErr := h.Proc.ExitErr()
			if !h.termSentAt.IsZero() {
				outcome = "killed"
			} else if exitErr != nil {
				outcome = "error"
			}
			metrics.WorkerExitsTotal.WithLabelValues(string(cat), outcome).Inc()
			metrics.SessionDurationSeconds.WithLabelValues(string(cat)).
				Observe(s.now().Sub(h.StartedAt).Seconds())

			evt := s.log.Info()
			if exitErr != nil {
				evt = s.log.Warn().Err(exitErr)
			}
			evt.Str("category", string(cat)).
				Str("worker_id", h.WorkerID).
				Str("outcome", outcome).
				Dur("session", s.now().Sub(h.StartedAt)).
				Msg("worker exited")
		default:
			live = append(live, h)
		}
	}
	s.handles[cat] = live
}

// enforceRuntime is the backstop against hung workers that fail to
// self-terminate: SIGTERM past max runtime, SIGKILL once the grace
// window after SIGTERM has elapsed.
func (s *Supervisor) enforceRuntime(cat models.Category, cc config.CategoryConfig) {
	now := s.now()
	for _, h := range s.handles[cat] {
		if now.Sub(h.StartedAt) <= cc.WorkerMaxRuntime {
			continue
		}
		if h.termSentAt.IsZero() {
			h.termSentAt = now
			metrics.ForcedKillsTotal.WithLabelValues(string(cat)).Inc()
			s.log.Warn().
				Str("category", string(cat)).
				Str("worker_id", h.WorkerID).
				Dur("runtime", now.Sub(h.StartedAt)).
				Msg("worker exceeded max runtime, sending SIGTERM")
			if err := h.Proc.Terminate(); err != nil {
				s.log.Error().Err(err).Str("worker_id", h.WorkerID).Msg("SIGTERM failed")
			}
			continue
		}
		if now.Sub(h.termSentAt) >= s.killGrace {
			s.log.Warn().
				Str("category", string(cat)).
				Str("worker_id", h.WorkerID).
				Msg("worker ignored SIGTERM, sending SIGKILL")
			if err := h.Proc.Kill(); err != nil {
				s.log.Error().Err(err).Str("worker_id", h.WorkerID).Msg("SIGKILL failed")
			}
		}
	}
}

// ActiveCount reports the live worker count for the category.
func (s *Supervisor) ActiveCount(cat models.Category) int {
	return len(s.handles[cat])
}

// Shutdown terminates every live worker and waits for exits, bounded by
// the kill grace window.
func (s *Supervisor) Shutdown() {
	for cat, handles := range s.handles {
		for _, h := range handles {
			if err := h.Proc.Terminate(); err != nil {
				s.log.Error().Err(err).Str("worker_id", h.WorkerID).Msg("shutdown SIGTERM failed")
			}
		}
		for _, h := range handles {
			select {
			case <-h.Proc.Done():
			case <-time.After(s.killGrace):
				_ = h.Proc.Kill()
			}
		}
		s.handles[cat] = nil
		metrics.ActiveWorkers.WithLabelValues(string(cat)).Set(0)
	}
}

// SetNow overrides the clock. Tests only.
func (s *Supervisor) SetNow(now func() time.Time) { s.now = now }
