package retry

import "time"

const (
	// BaseDelay is the first backoff window for a job that exhausted
	// its session attempts.
	BaseDelay = 300 * time.Second

	// MaxDelay caps the backoff growth.
	MaxDelay = 3600 * time.Second

	// doubleEvery: the delay doubles once every N total retries, so a
	// flapping job ramps down gradually instead of per-failure.
	doubleEvery = 3
)

// Backoff computes the delay before a job's next retry from the retry
// count it accumulated across sessions:
//
//	delay = min(BaseDelay * 2^floor(totalRetryCount/3), MaxDelay)
//
// Non-decreasing in totalRetryCount and bounded by MaxDelay.
func Backoff(totalRetryCount int) time.Duration {
	if totalRetryCount < 0 {
		totalRetryCount = 0
	}
	exp := totalRetryCount / doubleEvery
	if exp > 30 {
		return MaxDelay
	}
	d := BaseDelay << uint(exp)
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}
