// Command worker is the ephemeral process the supervisor spawns, one
// per session. It drains its category's ready queue and exits on its
// own when the idle timeout, job cap or max runtime is reached; SIGTERM
// from the supervisor also ends the session.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/config"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/queue"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/worker"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		errLog := zerolog.New(os.Stderr)
		errLog.Error().Err(err).Msg("configuration error")
		os.Exit(1)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.New().String()
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

	handler, err := worker.NewHandler(cfg.Handler, store)
	if err != nil {
		log.Fatal().Err(err).Msg("handler setup failed")
	}

	session := worker.NewSession(store, cfg, handler, log)
	reason := session.Run(ctx)

	log.Info().Str("reason", string(reason)).Msg("worker exiting")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
