// Package queue is the adapter around the shared Redis store. Each
// category gets a ready list (FIFO), a delayed sorted set keyed by
// eligibility time, and a dead-letter sorted set keyed by failure time.
// Job bodies live in a per-job hash; queues only carry job IDs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/models"
)

// ErrStoreUnavailable wraps any transport-level store failure. Callers
// treat it as "no-op this cycle, retry next cycle".
var ErrStoreUnavailable = errors.New("queue store unavailable")

// ErrInvalidJob marks a job whose stored body is missing or corrupt.
// The job is moved to the dead-letter set so consumers don't loop on it.
var ErrInvalidJob = errors.New("invalid job body")

type Store struct {
	rdb     *redis.Client
	timeout time.Duration
}

// New wraps rdb. Every call runs under its own timeout so a stalled
// store never hangs a polling loop past one tick.
func New(rdb *redis.Client, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Store{rdb: rdb, timeout: timeout}
}

func readyKey(cat models.Category) string   { return "ready:" + string(cat) }
func delayedKey(cat models.Category) string { return "delayed:" + string(cat) }
func deadKey(cat models.Category) string    { return "dlq:" + string(cat) }
func jobKey(id string) string               { return "job:" + id }
func deadJobKey(id string) string           { return "dlq:job:" + id }
func runningKey(workerID string) string     { return "running:" + workerID }
func heartbeatKey(workerID string) string   { return "heartbeat:" + workerID }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// PushReady appends the job to the tail of its category's ready list.
// High-priority jobs jump to the head instead. No dedup: duplicate
// suppression is the producer's responsibility.
func (s *Store) PushReady(ctx context.Context, job models.Job) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), map[string]interface{}{
		"payload":    string(body),
		"status":     "queued",
		"created_at": job.CreatedAt.Unix(),
	})
	if job.Priority == models.PriorityHigh {
		pipe.LPush(ctx, readyKey(job.Category), job.ID)
	} else {
		pipe.RPush(ctx, readyKey(job.Category), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("push ready", err)
	}
	return nil
}

// PopReady atomically removes and returns the job at the head of the
// category's ready list. Redis single-threading guarantees no two
// concurrent callers receive the same ID. ok is false when the list is
// empty. A popped ID with a missing or corrupt body is moved to the
// dead-letter set and reported as ErrInvalidJob.
func (s *Store) PopReady(ctx context.Context, cat models.Category) (models.Job, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id, err := s.rdb.LPop(ctx, readyKey(cat)).Result()
	if err == redis.Nil {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, storeErr("pop ready", err)
	}

	job, err := s.loadJob(ctx, cat, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (s *Store) loadJob(ctx context.Context, cat models.Category, id string) (models.Job, error) {
	raw, err := s.rdb.HGet(ctx, jobKey(id), "payload").Result()
	if err == redis.Nil || (err == nil && raw == "") {
		_ = s.deadLetterInvalid(ctx, cat, id, raw, errors.New("missing body"))
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrInvalidJob)
	}
	if err != nil {
		return models.Job{}, storeErr("load job", err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		_ = s.deadLetterInvalid(ctx, cat, id, raw, err)
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrInvalidJob)
	}
	return job, nil
}

func (s *Store) CountReady(ctx context.Context, cat models.Category) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.LLen(ctx, readyKey(cat)).Result()
	if err != nil {
		return 0, storeErr("count ready", err)
	}
	return n, nil
}

// AnyReady reports whether any category's ready queue is non-empty.
// The retry scheduler uses this snapshot to pick its rate profile.
func (s *Store) AnyReady(ctx context.Context) (bool, error) {
	for _, cat := range models.Categories() {
		n, err := s.CountReady(ctx, cat)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// PushDelayed inserts the job into its category's delayed set, scored
// by eligibility time. Re-delays always go through remove+reinsert (the
// ZADD replaces the member's score in one atomic step); the job body is
// rewritten so retry counters persist across sessions.
func (s *Store) PushDelayed(ctx context.Context, job models.Job, eligibleAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), map[string]interface{}{
		"payload":     string(body),
		"status":      "delayed",
		"eligible_at": eligibleAt.Unix(),
	})
	pipe.ZAdd(ctx, delayedKey(job.Category), redis.Z{
		Score:  float64(eligibleAt.Unix()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("push delayed", err)
	}
	return nil
}

// popDueScript selects up to ARGV[2] members with score <= ARGV[1],
// ascending, and removes them in the same atomic step. Two concurrent
// drain loops can never double-release the same entry.
var popDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, tonumber(ARGV[2]))
if #due == 0 then
  return due
end
local ids = {}
for i = 1, #due, 2 do
  ids[#ids + 1] = due[i]
end
redis.call('ZREM', KEYS[1], unpack(ids))
return due
`)

// PopDue atomically removes and returns up to limit due entries from
// the category's delayed set, oldest eligibility first.
func (s *Store) PopDue(ctx context.Context, cat models.Category, now time.Time, limit int) ([]models.DelayedJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := popDueScript.Run(ctx, s.rdb,
		[]string{delayedKey(cat)},
		now.Unix(), limit,
	).Slice()
	if err != nil && err != redis.Nil {
		return nil, storeErr("pop due", err)
	}

	out := make([]models.DelayedJob, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		id, ok := res[i].(string)
		if !ok {
			continue
		}
		eligibleAt, err := parseScore(res[i+1])
		if err != nil {
			continue
		}
		job, err := s.loadJob(ctx, cat, id)
		if err != nil {
			if errors.Is(err, ErrInvalidJob) {
				continue // already dead-lettered
			}
			return out, err
		}
		out = append(out, models.DelayedJob{Job: job, EligibleAt: eligibleAt})
	}
	return out, nil
}

func parseScore(v interface{}) (time.Time, error) {
	switch sc := v.(type) {
	case string:
		f, err := strconv.ParseFloat(sc, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(int64(f), 0), nil
	case int64:
		return time.Unix(sc, 0), nil
	case float64:
		return time.Unix(int64(sc), 0), nil
	}
	return time.Time{}, fmt.Errorf("unexpected score type %T", v)
}

func (s *Store) CountDelayed(ctx context.Context, cat models.Category) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.ZCard(ctx, delayedKey(cat)).Result()
	if err != nil {
		return 0, storeErr("count delayed", err)
	}
	return n, nil
}

func (s *Store) CountDue(ctx context.Context, cat models.Category, now time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.ZCount(ctx, delayedKey(cat), "-inf", strconv.FormatInt(now.Unix(), 10)).Result()
	if err != nil {
		return 0, storeErr("count due", err)
	}
	return n, nil
}

// PushDead moves a job into its category's dead-letter set. Only
// workers classify jobs as dead; the retry scheduler never does.
func (s *Store) PushDead(ctx context.Context, job models.Job, reason string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	job.LastFailureReason = reason
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	now := time.Now()

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), map[string]interface{}{
		"payload":   string(body),
		"status":    "dead",
		"failed_at": now.Unix(),
		"error":     reason,
	})
	pipe.ZAdd(ctx, deadKey(job.Category), redis.Z{
		Score:  float64(now.Unix()),
		Member: job.ID,
	})
	pipe.HSet(ctx, deadJobKey(job.ID), map[string]interface{}{
		"job_id":            job.ID,
		"category":          string(job.Category),
		"total_retry_count": job.TotalRetryCount,
		"failed_at":         now.Unix(),
		"error_message":     reason,
	})
	pipe.ZRem(ctx, delayedKey(job.Category), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("push dead", err)
	}
	return nil
}

func (s *Store) CountDead(ctx context.Context, cat models.Category) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.ZCard(ctx, deadKey(cat)).Result()
	if err != nil {
		return 0, storeErr("count dead", err)
	}
	return n, nil
}

// ListDead returns up to limit dead-lettered jobs, oldest failure first.
func (s *Store) ListDead(ctx context.Context, cat models.Category, limit int64) ([]models.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.rdb.ZRange(ctx, deadKey(cat), 0, limit-1).Result()
	if err != nil {
		return nil, storeErr("list dead", err)
	}

	out := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		raw, err := s.rdb.HGet(ctx, jobKey(id), "payload").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return out, storeErr("list dead", err)
		}
		var job models.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// RequeueDead pulls a job out of the dead-letter set and re-admits it
// to the ready queue with a fresh session attempt budget.
func (s *Store) RequeueDead(ctx context.Context, cat models.Category, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	removed, err := s.rdb.ZRem(ctx, deadKey(cat), id).Result()
	if err != nil {
		return storeErr("requeue dead", err)
	}
	if removed == 0 {
		return fmt.Errorf("job %s not in %s dead-letter set", id, cat)
	}

	job, err := s.loadJob(ctx, cat, id)
	if err != nil {
		return err
	}
	job.AttemptCount = 0
	s.rdb.Del(ctx, deadJobKey(id))
	return s.PushReady(ctx, job)
}

func (s *Store) deadLetterInvalid(ctx context.Context, cat models.Category, id, raw string, cause error) error {
	now := time.Now()
	msg := fmt.Sprintf("invalid job body: %v", cause)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]interface{}{
		"payload":   raw,
		"status":    "dead",
		"failed_at": now.Unix(),
		"error":     msg,
	})
	pipe.ZAdd(ctx, deadKey(cat), redis.Z{Score: float64(now.Unix()), Member: id})
	pipe.HSet(ctx, deadJobKey(id), map[string]interface{}{
		"job_id":        id,
		"category":      string(cat),
		"failed_at":     now.Unix(),
		"error_message": msg,
	})
	pipe.ZRem(ctx, delayedKey(cat), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("dead-letter invalid", err)
	}
	return nil
}

// DeleteJob removes a completed job's body.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.rdb.Del(ctx, jobKey(id)).Err(); err != nil {
		return storeErr("delete job", err)
	}
	return nil
}
