// Package retry reintroduces delayed jobs into the ready queues at a
// rate that drains the backlog without starving live traffic. Rate
// profiles are picked per cycle from a snapshot of the ready queues:
// retries yield when live work exists and accelerate when the system
// is idle.
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/metrics"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/models"
)

// Profile bundles the release-rate knobs.
type Profile struct {
	Name               string
	MinGap             time.Duration // minimum gap between two releases per category
	MaxReleasePerCycle int           // due jobs popped per category per cycle
	Stagger            time.Duration // spacing applied to jobs past the first
}

// Default profiles. Relaxed applies while any ready queue is non-empty;
// Accelerated applies when every ready queue is empty.
var (
	Relaxed = Profile{
		Name:               "relaxed",
		MinGap:             120 * time.Second,
		MaxReleasePerCycle: 3,
		Stagger:            30 * time.Second,
	}
	Accelerated = Profile{
		Name:               "accelerated",
		MinGap:             30 * time.Second,
		MaxReleasePerCycle: 5,
		Stagger:            15 * time.Second,
	}
)

// store is the slice of the queue adapter the scheduler needs.
type store interface {
	AnyReady(ctx context.Context) (bool, error)
	PopDue(ctx context.Context, cat models.Category, now time.Time, limit int) ([]models.DelayedJob, error)
	PushReady(ctx context.Context, job models.Job) error
	PushDelayed(ctx context.Context, job models.Job, eligibleAt time.Time) error
}

// Scheduler owns the per-category release gates. It never discards a
// job and never computes first-failure backoff; that is the worker's
// side of the contract.
type Scheduler struct {
	store       store
	relaxed     Profile
	accelerated Profile

	// lastRelease is the sole piece of cross-cycle memory.
	lastRelease map[models.Category]time.Time

	now func() time.Time
	log zerolog.Logger
}

func NewScheduler(st store, relaxed, accelerated Profile, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:       st,
		relaxed:     relaxed,
		accelerated: accelerated,
		lastRelease: make(map[models.Category]time.Time),
		now:         time.Now,
		log:         log.With().Str("component", "retry_scheduler").Logger(),
	}
}

// SelectProfile picks the cycle's profile from the current ready-queue
// snapshot. Stateless beyond that snapshot: switching is immediate.
func (s *Scheduler) SelectProfile(ctx context.Context) (Profile, error) {
	busy, err := s.store.AnyReady(ctx)
	if err != nil {
		// Store down: assume live traffic so retries stay conservative.
		return s.relaxed, err
	}
	if busy {
		metrics.AcceleratedProfile.Set(0)
		return s.relaxed, nil
	}
	metrics.AcceleratedProfile.Set(1)
	return s.accelerated, nil
}

// RunCategory runs one release cycle for the category: skip entirely
// while the gap has not elapsed, otherwise pop up to the profile's
// budget of due jobs, release the first immediately and re-delay the
// rest on a stagger so the ready queue sees a trickle, not a burst.
func (s *Scheduler) RunCategory(ctx context.Context, cat models.Category, p Profile) (released, redelayed int, err error) {
	now := s.now()

	if elapsed := now.Sub(s.lastRelease[cat]); elapsed < p.MinGap {
		return 0, 0, nil
	}

	due, err := s.store.PopDue(ctx, cat, now, p.MaxReleasePerCycle)
	if err != nil {
		return 0, 0, err
	}
	if len(due) == 0 {
		return 0, 0, nil
	}

	for i, entry := range due {
		if i == 0 {
			if pushErr := s.store.PushReady(ctx, entry.Job); pushErr != nil {
				// Popped but not released: put it back with its old
				// eligibility rather than dropping it.
				s.requeue(ctx, entry)
				return released, redelayed, pushErr
			}
			released++
			metrics.ReleasesTotal.WithLabelValues(string(cat), p.Name).Inc()
			continue
		}

		eligibleAt := now.Add(time.Duration(i) * p.Stagger)
		if pushErr := s.store.PushDelayed(ctx, entry.Job, eligibleAt); pushErr != nil {
			s.requeue(ctx, entry)
			s.gateIfReleased(cat, now, released)
			return released, redelayed, pushErr
		}
		redelayed++
		metrics.RedelaysTotal.WithLabelValues(string(cat), p.Name).Inc()
	}

	s.gateIfReleased(cat, now, released)
	if released > 0 || redelayed > 0 {
		s.log.Debug().
			Str("category", string(cat)).
			Str("profile", p.Name).
			Int("released", released).
			Int("redelayed", redelayed).
			Msg("release cycle")
	}
	return released, redelayed, nil
}

func (s *Scheduler) gateIfReleased(cat models.Category, now time.Time, released int) {
	if released > 0 {
		s.lastRelease[cat] = now
	}
}

// requeue is the never-drop fallback when a push fails after PopDue
// already removed the entry from the delayed set.
func (s *Scheduler) requeue(ctx context.Context, entry models.DelayedJob) {
	if err := s.store.PushDelayed(ctx, entry.Job, entry.EligibleAt); err != nil {
		s.log.Error().
			Err(err).
			Str("job_id", entry.Job.ID).
			Str("category", string(entry.Job.Category)).
			Msg("failed to requeue popped job; job may need manual recovery")
	}
}

// SinceLastRelease reports the age of the category's release gate.
func (s *Scheduler) SinceLastRelease(cat models.Category) time.Duration {
	last, ok := s.lastRelease[cat]
	if !ok {
		return -1
	}
	return s.now().Sub(last)
}

// SetNow overrides the clock. Tests only.
func (s *Scheduler) SetNow(now func() time.Time) { s.now = now }
