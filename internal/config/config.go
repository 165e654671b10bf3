// Package config parses orchestrator and worker configuration from
// environment variables using caarlos0/env, with optional .env loading.
//
// Category tunables use an env prefix derived from the category name,
// e.g. ENRICHMENT_MAX_CONCURRENT_WORKERS=5. Everything is loaded once
// at startup and immutable afterwards; changes require a restart.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/models"
)

// Role selects which passes the orchestrator loop runs each tick.
type Role string

const (
	RoleSupervise Role = "supervise" // worker population only
	RoleDrain     Role = "drain"     // delayed-queue draining only
	RoleAll       Role = "all"       // both, supervisor first
)

func (r Role) Valid() bool {
	return r == RoleSupervise || r == RoleDrain || r == RoleAll
}

// Config is the orchestrator process configuration.
type Config struct {
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	Role         Role          `env:"ORCHESTRATOR_ROLE" envDefault:"all"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"3s"`
	ListenAddr   string        `env:"LISTEN_ADDR" envDefault:":2113"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`

	// WorkerBinary is the executable the supervisor spawns for each
	// ephemeral worker.
	WorkerBinary string `env:"WORKER_BINARY" envDefault:"./worker"`

	// KillGrace is how long after SIGTERM a hung worker gets SIGKILL.
	KillGrace time.Duration `env:"KILL_GRACE" envDefault:"5s"`

	// Retry rate profiles (see internal/retry).
	RelaxedMinGap          time.Duration `env:"RELAXED_MIN_GAP" envDefault:"120s"`
	RelaxedMaxRelease      int           `env:"RELAXED_MAX_RELEASE" envDefault:"3"`
	RelaxedStagger         time.Duration `env:"RELAXED_STAGGER" envDefault:"30s"`
	AcceleratedMinGap      time.Duration `env:"ACCELERATED_MIN_GAP" envDefault:"30s"`
	AcceleratedMaxRelease  int           `env:"ACCELERATED_MAX_RELEASE" envDefault:"5"`
	AcceleratedStagger     time.Duration `env:"ACCELERATED_STAGGER" envDefault:"15s"`
	RetryDeadLetterCeiling int           `env:"RETRY_DEAD_LETTER_CEILING" envDefault:"25"`

	// Janitor cadence for stale-worker recovery.
	RecoverySchedule string        `env:"RECOVERY_SCHEDULE" envDefault:"@every 1m"`
	HeartbeatMaxAge  time.Duration `env:"HEARTBEAT_MAX_AGE" envDefault:"15s"`

	Categories map[models.Category]CategoryConfig `env:"-"`
}

// CategoryConfig holds the static per-category tunables.
type CategoryConfig struct {
	MaxConcurrentWorkers int           `env:"MAX_CONCURRENT_WORKERS" envDefault:"3"`
	SpawnCooldown        time.Duration `env:"SPAWN_COOLDOWN" envDefault:"20s"`
	WorkerMaxRuntime     time.Duration `env:"WORKER_MAX_RUNTIME" envDefault:"10m"`
	WorkerIdleTimeout    time.Duration `env:"WORKER_IDLE_TIMEOUT" envDefault:"30s"`
	MaxJobsPerSession    int           `env:"MAX_JOBS_PER_SESSION" envDefault:"20"`
}

// Load parses the orchestrator configuration. A .env file in the
// working directory is applied first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if !cfg.Role.Valid() {
		return Config{}, fmt.Errorf("invalid ORCHESTRATOR_ROLE %q", cfg.Role)
	}

	cfg.Categories = make(map[models.Category]CategoryConfig, len(models.Categories()))
	for _, cat := range models.Categories() {
		var cc CategoryConfig
		opts := env.Options{Prefix: strings.ToUpper(string(cat)) + "_"}
		if err := env.ParseWithOptions(&cc, opts); err != nil {
			return Config{}, fmt.Errorf("parse %s config: %w", cat, err)
		}
		cfg.Categories[cat] = cc
	}
	return cfg, nil
}

// WorkerConfig is the environment contract between the supervisor and a
// spawned worker process.
type WorkerConfig struct {
	WorkerID string          `env:"WORKER_ID"`
	Category models.Category `env:"WORKER_CATEGORY,required"`

	MaxRuntime  time.Duration `env:"WORKER_MAX_RUNTIME" envDefault:"10m"`
	IdleTimeout time.Duration `env:"WORKER_IDLE_TIMEOUT" envDefault:"30s"`
	MaxJobs     int           `env:"WORKER_MAX_JOBS" envDefault:"20"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	StoreTimeout       time.Duration `env:"STORE_TIMEOUT" envDefault:"3s"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`
	DeadLetterCeiling  int           `env:"RETRY_DEAD_LETTER_CEILING" envDefault:"25"`
	Handler            string        `env:"WORKER_HANDLER" envDefault:"forward"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadWorker parses the worker-side configuration.
func LoadWorker() (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		return WorkerConfig{}, fmt.Errorf("parse worker config: %w", err)
	}
	if !cfg.Category.Valid() {
		return WorkerConfig{}, fmt.Errorf("invalid WORKER_CATEGORY %q", cfg.Category)
	}
	return cfg, nil
}
