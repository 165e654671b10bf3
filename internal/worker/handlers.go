package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/models"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/queue"
)

// Handler processes one claimed job. A nil return is success; any error
// is treated as transient unless wrapped with Permanent.
type Handler func(ctx context.Context, job models.Job) error

// PermanentError marks a failure that retrying cannot fix. The session
// dead-letters the job immediately instead of delaying it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the session skips the retry path.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ForwardHandler pushes a derived job into the next pipeline category's
// ready queue. The last stage has nowhere to forward to, so its jobs
// just complete.
func ForwardHandler(st *queue.Store) Handler {
	return func(ctx context.Context, job models.Job) error {
		next, ok := job.Category.Next()
		if !ok {
			return nil
		}
		derived := models.NewJob(next, job.Payload)
		derived.Priority = job.Priority
		if err := st.PushReady(ctx, derived); err != nil {
			return fmt.Errorf("forward %s to %s: %w", job.ID, next, err)
		}
		return nil
	}
}

// NoopHandler accepts every job. Useful for drills and load tests.
func NoopHandler() Handler {
	return func(context.Context, models.Job) error { return nil }
}

// NewHandler resolves a handler by its configured name.
func NewHandler(name string, st *queue.Store) (Handler, error) {
	switch name {
	case "forward":
		return ForwardHandler(st), nil
	case "noop":
		return NoopHandler(), nil
	}
	return nil, fmt.Errorf("unknown handler %q", name)
}
