package queue

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/models"
)

func TestStaleWorkersDetection(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()
	cat := models.CategoryEnrichment

	job := testJob(cat)
	require.NoError(t, st.PushReady(ctx, job))
	claimed, ok, err := st.PopReady(ctx, cat)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.MarkRunning(ctx, "w-dead", claimed))

	// Holding a job with no heartbeat at all: stale.
	stale, err := st.StaleWorkers(ctx, 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"w-dead"}, stale)

	// Fresh heartbeat: not stale.
	require.NoError(t, st.Heartbeat(ctx, "w-dead", 15*time.Second))
	stale, err = st.StaleWorkers(ctx, 15*time.Second)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Old heartbeat value: stale again.
	old := time.Now().Add(-time.Minute).Unix()
	require.NoError(t, mr.Set("heartbeat:w-dead", strconv.FormatInt(old, 10)))
	stale, err = st.StaleWorkers(ctx, 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"w-dead"}, stale)
}

func TestRecoverWorkerRequeuesHeldJobs(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	cat := models.CategoryUpload

	job := testJob(cat)
	require.NoError(t, st.PushReady(ctx, job))
	claimed, ok, err := st.PopReady(ctx, cat)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.MarkRunning(ctx, "w-crashed", claimed))

	n, err := st.CountReady(ctx, cat)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	recovered, err := st.RecoverWorker(ctx, "w-crashed")
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, ok, err := st.PopReady(ctx, cat)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, got.ID)

	// Worker keys are gone; a second recovery is a no-op.
	recovered, err = st.RecoverWorker(ctx, "w-crashed")
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestClearRunningAndDeregister(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	cat := models.CategoryAnalysis

	job := testJob(cat)
	require.NoError(t, st.PushReady(ctx, job))
	claimed, _, err := st.PopReady(ctx, cat)
	require.NoError(t, err)
	require.NoError(t, st.MarkRunning(ctx, "w1", claimed))
	require.NoError(t, st.ClearRunning(ctx, "w1", claimed.ID))
	require.NoError(t, st.DeregisterWorker(ctx, "w1"))

	stale, err := st.StaleWorkers(ctx, time.Second)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
