package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, RoleAll, cfg.Role)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, ":2113", cfg.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.KillGrace)
	assert.Equal(t, 120*time.Second, cfg.RelaxedMinGap)
	assert.Equal(t, 3, cfg.RelaxedMaxRelease)
	assert.Equal(t, 30*time.Second, cfg.RelaxedStagger)
	assert.Equal(t, 30*time.Second, cfg.AcceleratedMinGap)
	assert.Equal(t, 5, cfg.AcceleratedMaxRelease)
	assert.Equal(t, 15*time.Second, cfg.AcceleratedStagger)
	assert.Equal(t, 25, cfg.RetryDeadLetterCeiling)
	assert.Equal(t, "@every 1m", cfg.RecoverySchedule)

	require.Len(t, cfg.Categories, len(models.Categories()))
	for _, cat := range models.Categories() {
		cc := cfg.Categories[cat]
		assert.Equal(t, 3, cc.MaxConcurrentWorkers, "category %s", cat)
		assert.Equal(t, 20*time.Second, cc.SpawnCooldown, "category %s", cat)
		assert.Equal(t, 10*time.Minute, cc.WorkerMaxRuntime, "category %s", cat)
		assert.Equal(t, 30*time.Second, cc.WorkerIdleTimeout, "category %s", cat)
		assert.Equal(t, 20, cc.MaxJobsPerSession, "category %s", cat)
	}
}

func TestLoadCategoryPrefixOverrides(t *testing.T) {
	t.Setenv("ENRICHMENT_MAX_CONCURRENT_WORKERS", "8")
	t.Setenv("ENRICHMENT_SPAWN_COOLDOWN", "5s")
	t.Setenv("UPLOAD_WORKER_IDLE_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Categories[models.CategoryEnrichment].MaxConcurrentWorkers)
	assert.Equal(t, 5*time.Second, cfg.Categories[models.CategoryEnrichment].SpawnCooldown)
	assert.Equal(t, 90*time.Second, cfg.Categories[models.CategoryUpload].WorkerIdleTimeout)

	// Prefixed overrides never bleed into other categories.
	assert.Equal(t, 3, cfg.Categories[models.CategoryUpload].MaxConcurrentWorkers)
	assert.Equal(t, 30*time.Second, cfg.Categories[models.CategoryAnalysis].WorkerIdleTimeout)
}

func TestLoadRejectsInvalidRole(t *testing.T) {
	t.Setenv("ORCHESTRATOR_ROLE", "observer")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ORCHESTRATOR_ROLE")
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleSupervise.Valid())
	assert.True(t, RoleDrain.Valid())
	assert.True(t, RoleAll.Valid())
	assert.False(t, Role("").Valid())
	assert.False(t, Role("both").Valid())
}

func TestLoadWorker(t *testing.T) {
	t.Setenv("WORKER_ID", "w-42")
	t.Setenv("WORKER_CATEGORY", "upload")
	t.Setenv("WORKER_MAX_JOBS", "5")

	cfg, err := LoadWorker()
	require.NoError(t, err)
	assert.Equal(t, "w-42", cfg.WorkerID)
	assert.Equal(t, models.CategoryUpload, cfg.Category)
	assert.Equal(t, 5, cfg.MaxJobs)
	assert.Equal(t, 10*time.Minute, cfg.MaxRuntime)
	assert.Equal(t, 60, cfg.RateLimitPerMinute)
	assert.Equal(t, 25, cfg.DeadLetterCeiling)
	assert.Equal(t, "forward", cfg.Handler)
}

func TestLoadWorkerRequiresCategory(t *testing.T) {
	_, err := LoadWorker()
	require.Error(t, err)
}

func TestLoadWorkerRejectsUnknownCategory(t *testing.T) {
	t.Setenv("WORKER_CATEGORY", "transcode")

	_, err := LoadWorker()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_CATEGORY")
}
