// Package janitor runs background maintenance on a cron cadence,
// independent of the orchestrator tick loop.
package janitor

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one maintenance task.
type Job interface {
	Run() error
	Name() string
}

// Scheduler wraps cron and logs each job's outcome.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "janitor").Logger(),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("janitor started")
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("janitor stopped")
}

// AddJob registers a job with a cron schedule, e.g. "@every 1m".
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("maintenance job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("maintenance job completed")
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("maintenance job registered")
	return nil
}
