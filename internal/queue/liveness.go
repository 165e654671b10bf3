package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/models"
)

// Worker liveness bookkeeping. Each worker keeps a running:{id} hash of
// the jobs it currently holds and refreshes a heartbeat:{id} key with a
// TTL. The recovery janitor requeues jobs held by workers whose
// heartbeat disappeared or went stale.

// MarkRunning records that the worker is holding the job. The hash
// value carries the category so recovery can requeue a job even when
// its body turns out to be unreadable.
func (s *Store) MarkRunning(ctx context.Context, workerID string, job models.Job) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, runningKey(workerID), job.ID, string(job.Category))
	pipe.HSet(ctx, jobKey(job.ID), "status", "running")
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("mark running", err)
	}
	return nil
}

// ClearRunning records that the worker released the job.
func (s *Store) ClearRunning(ctx context.Context, workerID, jobID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.rdb.HDel(ctx, runningKey(workerID), jobID).Err(); err != nil {
		return storeErr("clear running", err)
	}
	return nil
}

// Heartbeat refreshes the worker's liveness key.
func (s *Store) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.rdb.Set(ctx, heartbeatKey(workerID), time.Now().Unix(), ttl).Err(); err != nil {
		return storeErr("heartbeat", err)
	}
	return nil
}

// DeregisterWorker drops the worker's liveness keys on clean exit.
func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, runningKey(workerID))
	pipe.Del(ctx, heartbeatKey(workerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("deregister worker", err)
	}
	return nil
}

// StaleWorkers returns IDs of workers that still hold jobs but whose
// heartbeat is missing (TTL expired) or older than maxAge.
func (s *Store) StaleWorkers(ctx context.Context, maxAge time.Duration) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys, err := s.rdb.Keys(ctx, "running:*").Result()
	if err != nil {
		return nil, storeErr("scan running", err)
	}

	now := time.Now().Unix()
	var stale []string
	for _, key := range keys {
		workerID := strings.TrimPrefix(key, "running:")

		held, err := s.rdb.HLen(ctx, key).Result()
		if err != nil {
			return stale, storeErr("scan running", err)
		}
		if held == 0 {
			s.rdb.Del(ctx, key)
			continue
		}

		lastHB, err := s.rdb.Get(ctx, heartbeatKey(workerID)).Int64()
		if err == redis.Nil {
			stale = append(stale, workerID)
			continue
		}
		if err != nil {
			return stale, storeErr("read heartbeat", err)
		}
		if now-lastHB > int64(maxAge.Seconds()) {
			stale = append(stale, workerID)
		}
	}
	return stale, nil
}

// RecoverWorker requeues every job held by a dead worker to the head of
// its category's ready list, then drops the worker's keys. Jobs with a
// missing body go to the dead-letter set instead of being dropped.
func (s *Store) RecoverWorker(ctx context.Context, workerID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	held, err := s.rdb.HGetAll(ctx, runningKey(workerID)).Result()
	if err != nil {
		return 0, storeErr("recover worker", err)
	}

	recovered := 0
	for jobID, catStr := range held {
		cat := models.Category(catStr)
		if !cat.Valid() {
			continue
		}

		raw, err := s.rdb.HGet(ctx, jobKey(jobID), "payload").Result()
		if err == redis.Nil || (err == nil && raw == "") {
			continue // body already gone, nothing to requeue
		}
		if err != nil {
			return recovered, storeErr("recover worker", err)
		}

		var job models.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			_ = s.deadLetterInvalid(ctx, cat, jobID, raw, err)
			continue
		}

		// Head of the queue: the job had already been claimed once.
		pipe := s.rdb.TxPipeline()
		pipe.LPush(ctx, readyKey(cat), job.ID)
		pipe.HSet(ctx, jobKey(job.ID), "status", "queued")
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, storeErr("recover worker", err)
		}
		recovered++
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, runningKey(workerID))
	pipe.Del(ctx, heartbeatKey(workerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return recovered, storeErr("recover worker", err)
	}
	return recovered, nil
}
