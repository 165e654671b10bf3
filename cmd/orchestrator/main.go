// Command orchestrator is the control-loop process. Depending on
// ORCHESTRATOR_ROLE it supervises worker populations, drains delayed
// retries back into the ready queues, or both. It also serves the
// observability HTTP surface and runs the stale-worker recovery
// janitor.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/api"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/config"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/janitor"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/orchestrator"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/queue"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/retry"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLog := zerolog.New(os.Stderr)
		errLog.Error().Err(err).Msg("configuration error")
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := queue.New(rdb, cfg.StoreTimeout)
	if err := store.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	runner := &supervisor.ExecRunner{
		Binary: cfg.WorkerBinary,
		ExtraEnv: []string{
			"REDIS_ADDR=" + cfg.RedisAddr,
			"REDIS_PASSWORD=" + cfg.RedisPassword,
			"LOG_LEVEL=" + cfg.LogLevel,
		},
	}
	sup := supervisor.New(store, runner, cfg.Categories, cfg.KillGrace, log)

	relaxed := retry.Relaxed
	relaxed.MinGap = cfg.RelaxedMinGap
	relaxed.MaxReleasePerCycle = cfg.RelaxedMaxRelease
	relaxed.Stagger = cfg.RelaxedStagger
	accelerated := retry.Accelerated
	accelerated.MinGap = cfg.AcceleratedMinGap
	accelerated.MaxReleasePerCycle = cfg.AcceleratedMaxRelease
	accelerated.Stagger = cfg.AcceleratedStagger
	sched := retry.NewScheduler(store, relaxed, accelerated, log)

	loop := orchestrator.New(cfg.Role, store, sup, sched, cfg.PollInterval, log)

	state := &api.State{}
	loop.OnCycle(state.Update)

	srv := api.NewServer(store, state, log)
	go func() {
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api server failed")
		}
	}()

	jan := janitor.New(log)
	recovery := janitor.NewRecoveryJob(store, cfg.HeartbeatMaxAge, log)
	if err := jan.AddJob(cfg.RecoverySchedule, recovery); err != nil {
		log.Fatal().Err(err).Msg("failed to register recovery job")
	}
	jan.Start()
	defer jan.Stop()

	loop.Run(ctx)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
