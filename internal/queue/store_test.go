package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, time.Second), mr
}

func testJob(cat models.Category) models.Job {
	return models.NewJob(cat, json.RawMessage(`{"announcement":"xyz"}`))
}

func TestPushPopReadyFIFO(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	cat := models.CategoryEnrichment

	a, b, c := testJob(cat), testJob(cat), testJob(cat)
	for _, j := range []models.Job{a, b, c} {
		require.NoError(t, st.PushReady(ctx, j))
	}

	n, err := st.CountReady(ctx, cat)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []models.Job{a, b, c} {
		got, ok, err := st.PopReady(ctx, cat)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, cat, got.Category)
	}

	_, ok, err := st.PopReady(ctx, cat)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHighPriorityJumpsQueue(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	cat := models.CategoryUpload

	normal := testJob(cat)
	require.NoError(t, st.PushReady(ctx, normal))

	urgent := testJob(cat)
	urgent.Priority = models.PriorityHigh
	require.NoError(t, st.PushReady(ctx, urgent))

	got, ok, err := st.PopReady(ctx, cat)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, urgent.ID, got.ID)
}

func TestPopReadyConcurrentNoDoubleDispatch(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	cat := models.CategoryAnalysis

	const total = 50
	want := make(map[string]bool, total)
	for i := 0; i < total; i++ {
		j := testJob(cat)
		want[j.ID] = true
		require.NoError(t, st.PushReady(ctx, j))
	}

	var mu sync.Mutex
	got := make(map[string]int, total)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := st.PopReady(ctx, cat)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				got[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, got, total)
	for id, n := range got {
		assert.Equal(t, 1, n, "job %s dispatched %d times", id, n)
		assert.True(t, want[id])
	}
}

func TestPopDueAtomicOrderedLimited(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	cat := models.CategoryEnrichment
	now := time.Now()

	oldest, mid, recent, future := testJob(cat), testJob(cat), testJob(cat), testJob(cat)
	require.NoError(t, st.PushDelayed(ctx, oldest, now.Add(-30*time.Second)))
	require.NoError(t, st.PushDelayed(ctx, mid, now.Add(-20*time.Second)))
	require.NoError(t, st.PushDelayed(ctx, recent, now.Add(-10*time.Second)))
	require.NoError(t, st.PushDelayed(ctx, future, now.Add(time.Hour)))

	due, err := st.CountDue(ctx, cat, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), due)

	got, err := st.PopDue(ctx, cat, now, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, oldest.ID, got[0].Job.ID)
	assert.Equal(t, mid.ID, got[1].Job.ID)
	assert.True(t, got[0].EligibleAt.Before(got[1].EligibleAt))

	// Removed in the same atomic step: a second pop can't see them.
	rest, err := st.PopDue(ctx, cat, now, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, recent.ID, rest[0].Job.ID)

	n, err := st.CountDelayed(ctx, cat)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "future job must remain delayed")
}

func TestPushDelayedReplacesEligibility(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	cat := models.CategoryUpload
	now := time.Now()

	job := testJob(cat)
	require.NoError(t, st.PushDelayed(ctx, job, now.Add(10*time.Second)))
	require.NoError(t, st.PushDelayed(ctx, job, now.Add(90*time.Second)))

	n, err := st.CountDelayed(ctx, cat)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.PopDue(ctx, cat, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, got, "re-delay must have replaced the earlier eligibility")

	got, err = st.PopDue(ctx, cat, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, job.ID, got[0].Job.ID)
}

func TestDeadLetterRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	cat := models.CategoryAnalysis

	job := testJob(cat)
	job.TotalRetryCount = 25
	require.NoError(t, st.PushDead(ctx, job, "retry ceiling reached"))

	n, err := st.CountDead(ctx, cat)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	dead, err := st.ListDead(ctx, cat, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)
	assert.Equal(t, "retry ceiling reached", dead[0].LastFailureReason)

	require.NoError(t, st.RequeueDead(ctx, cat, job.ID))

	n, err = st.CountDead(ctx, cat)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, ok, err := st.PopReady(ctx, cat)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, 25, got.TotalRetryCount, "retry history survives requeue")
}

func TestRequeueDeadUnknownJob(t *testing.T) {
	st, _ := newTestStore(t)
	err := st.RequeueDead(context.Background(), models.CategoryUpload, "nope")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
}

func TestPopReadyInvalidBodyDeadLetters(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()
	cat := models.CategoryEnrichment

	_, err := mr.Push("ready:"+string(cat), "broken-job")
	require.NoError(t, err)
	mr.HSet("job:broken-job", "payload", "{not json")

	_, _, err = st.PopReady(ctx, cat)
	require.ErrorIs(t, err, ErrInvalidJob)

	n, err := st.CountDead(ctx, cat)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The poison entry must not come back around.
	_, ok, err := st.PopReady(ctx, cat)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreUnavailable(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()
	mr.Close()

	job := testJob(models.CategoryUpload)

	assert.ErrorIs(t, st.PushReady(ctx, job), ErrStoreUnavailable)
	_, _, err := st.PopReady(ctx, models.CategoryUpload)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = st.CountReady(ctx, models.CategoryUpload)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, st.PushDelayed(ctx, job, time.Now()), ErrStoreUnavailable)
	_, err = st.PopDue(ctx, models.CategoryUpload, time.Now(), 5)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, st.PushDead(ctx, job, "x"), ErrStoreUnavailable)
	assert.True(t, errors.Is(st.Ping(ctx), ErrStoreUnavailable))
}
