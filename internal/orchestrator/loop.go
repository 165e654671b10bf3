// Package orchestrator ties the worker supervisor and retry scheduler
// together on a fixed polling cadence. The loop itself is one
// goroutine: no locking is needed around worker handles or release
// gates because nothing else touches them.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/config"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/metrics"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/models"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/queue"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/retry"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/supervisor"
)

// Snapshot is one category's view of system health for one cycle,
// enough for an external monitor to reconstruct state without touching
// the store.
type Snapshot struct {
	Category         models.Category `json:"category"`
	ActiveWorkers    int             `json:"active_workers"`
	Ready            int64           `json:"ready"`
	Delayed          int64           `json:"delayed"`
	DueNow           int64           `json:"due_now"`
	Dead             int64           `json:"dead"`
	Profile          string          `json:"profile"`
	SinceLastRelease float64         `json:"since_last_release_seconds"` // -1 before first release
}

// Loop is the process control loop, parameterized by role so the same
// type can run as a pure supervisor, a pure drainer, or both.
type Loop struct {
	role     config.Role
	store    *queue.Store
	sup      *supervisor.Supervisor
	sched    *retry.Scheduler
	cats     []models.Category
	interval time.Duration
	log      zerolog.Logger
	onCycle  func([]Snapshot)
}

func New(role config.Role, st *queue.Store, sup *supervisor.Supervisor, sched *retry.Scheduler, interval time.Duration, log zerolog.Logger) *Loop {
	return &Loop{
		role:     role,
		store:    st,
		sup:      sup,
		sched:    sched,
		cats:     models.Categories(),
		interval: interval,
		log:      log.With().Str("component", "orchestrator").Str("role", string(role)).Logger(),
	}
}

// OnCycle registers a callback that receives each cycle's snapshots
// (the status API subscribes here).
func (l *Loop) OnCycle(fn func([]Snapshot)) { l.onCycle = fn }

// Run ticks until ctx is cancelled. One tick's failure never prevents
// the next tick from running.
func (l *Loop) Run(ctx context.Context) {
	l.log.Info().Dur("poll_interval", l.interval).Msg("orchestrator started")

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("orchestrator stopping")
			if l.role != config.RoleDrain {
				l.sup.Shutdown()
			}
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one full cycle: supervisor pass for every category, then
// retry pass for every category. One category's error never aborts
// another's processing in the same tick.
func (l *Loop) Tick(ctx context.Context) {
	profile := retry.Relaxed
	if l.role != config.RoleSupervise {
		p, err := l.sched.SelectProfile(ctx)
		if err != nil {
			l.log.Warn().Err(err).Msg("profile selection degraded, staying relaxed")
		}
		profile = p
	}

	for _, cat := range l.cats {
		if l.role == config.RoleDrain {
			break
		}
		if err := l.sup.RunCategory(ctx, cat); err != nil {
			l.log.Error().Err(err).Str("category", string(cat)).Msg("supervisor pass failed")
		}
	}

	for _, cat := range l.cats {
		if l.role == config.RoleSupervise {
			break
		}
		if _, _, err := l.sched.RunCategory(ctx, cat, profile); err != nil {
			l.log.Error().Err(err).Str("category", string(cat)).Msg("retry pass failed")
		}
	}

	l.publish(ctx, profile)
}

// publish refreshes gauges and hands the cycle snapshot to observers.
// Best effort: a store error here leaves the previous values standing.
func (l *Loop) publish(ctx context.Context, profile retry.Profile) {
	now := time.Now()
	snaps := make([]Snapshot, 0, len(l.cats))

	for _, cat := range l.cats {
		snap := Snapshot{
			Category:      cat,
			ActiveWorkers: l.sup.ActiveCount(cat),
			Profile:       profile.Name,
		}
		if since := l.sched.SinceLastRelease(cat); since >= 0 {
			snap.SinceLastRelease = since.Seconds()
		} else {
			snap.SinceLastRelease = -1
		}

		if n, err := l.store.CountReady(ctx, cat); err == nil {
			snap.Ready = n
			metrics.ReadyDepth.WithLabelValues(string(cat)).Set(float64(n))
		}
		if n, err := l.store.CountDelayed(ctx, cat); err == nil {
			snap.Delayed = n
			metrics.DelayedDepth.WithLabelValues(string(cat)).Set(float64(n))
		}
		if n, err := l.store.CountDue(ctx, cat, now); err == nil {
			snap.DueNow = n
			metrics.DueNow.WithLabelValues(string(cat)).Set(float64(n))
		}
		if n, err := l.store.CountDead(ctx, cat); err == nil {
			snap.Dead = n
		}
		snaps = append(snaps, snap)
	}

	if l.onCycle != nil {
		l.onCycle(snaps)
	}
}
