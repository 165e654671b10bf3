package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Category identifies one stage of the announcement pipeline. Each
// category has its own ready queue, delayed set and worker population.
type Category string

const (
	CategoryEnrichment Category = "enrichment"
	CategoryUpload     Category = "upload"
	CategoryAnalysis   Category = "analysis"
)

// Categories returns all pipeline categories in processing order.
func Categories() []Category {
	return []Category{CategoryEnrichment, CategoryUpload, CategoryAnalysis}
}

func (c Category) Valid() bool {
	switch c {
	case CategoryEnrichment, CategoryUpload, CategoryAnalysis:
		return true
	}
	return false
}

// Next returns the downstream category a successfully processed job is
// forwarded to, or false for the last stage.
func (c Category) Next() (Category, bool) {
	switch c {
	case CategoryEnrichment:
		return CategoryUpload, true
	case CategoryUpload:
		return CategoryAnalysis, true
	}
	return "", false
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Job is the unit of work scheduled and retried. The payload is opaque
// to the orchestrator; only the consumer understands it.
type Job struct {
	ID                    string          `json:"job_id"`
	Category              Category        `json:"category"`
	Payload               json.RawMessage `json:"payload,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	AttemptCount          int             `json:"attempt_count"`
	MaxAttemptsPerSession int             `json:"max_attempts_per_session"`
	TotalRetryCount       int             `json:"total_retry_count"`
	LastFailureReason     string          `json:"last_failure_reason,omitempty"`
	Priority              Priority        `json:"priority,omitempty"`
}

const defaultMaxAttemptsPerSession = 3

// NewJob builds a job with a fresh ID. The ID stays stable across every
// requeue of the same logical job.
func NewJob(category Category, payload json.RawMessage) Job {
	return Job{
		ID:                    uuid.New().String(),
		Category:              category,
		Payload:               payload,
		CreatedAt:             time.Now().UTC(),
		MaxAttemptsPerSession: defaultMaxAttemptsPerSession,
		Priority:              PriorityNormal,
	}
}

// SessionAttempts returns the per-session attempt budget, falling back
// to the default when the producer left it unset.
func (j Job) SessionAttempts() int {
	if j.MaxAttemptsPerSession > 0 {
		return j.MaxAttemptsPerSession
	}
	return defaultMaxAttemptsPerSession
}

// DelayedJob is one entry of a category's delayed set: the job plus the
// timestamp at which it becomes eligible again. EligibleAt is the only
// field that changes between re-delays, always via remove+reinsert.
type DelayedJob struct {
	Job        Job
	EligibleAt time.Time
}
