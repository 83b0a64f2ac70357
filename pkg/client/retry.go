package client

import (
	"math/rand"
	"strconv"
	"time"
)

// budgetSafetyMargin keeps a final backoff wait from consuming the last
// slice of budget that the retried attempt itself would need.
const budgetSafetyMargin = 50 * time.Millisecond

// maxBackoffJitter bounds the random component added to exponential backoff.
const maxBackoffJitter = 300 * time.Millisecond

// RetryPolicy holds the knobs of the retry/backoff schedule.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BaseDelay is the first exponential backoff step.
	BaseDelay time.Duration

	// MaxDelay caps both the computed backoff and any upstream retry hint.
	MaxDelay time.Duration
}

// DefaultRetryPolicy mirrors the conservative production defaults: no
// retries unless explicitly enabled, short backoff when they are.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 0,
		BaseDelay:  400 * time.Millisecond,
		MaxDelay:   1200 * time.Millisecond,
	}
}

// backoffDelay computes the wait before retry attempt+1. An upstream
// Retry-After hint wins when parseable, capped at MaxDelay; otherwise
// exponential backoff base*2^attempt plus bounded jitter, same cap.
func (p RetryPolicy) backoffDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.ParseFloat(retryAfter, 64); err == nil && seconds >= 0 {
			hinted := time.Duration(seconds * float64(time.Second))
			if hinted > p.MaxDelay {
				return p.MaxDelay
			}
			return hinted
		}
	}

	backoff := p.BaseDelay << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(maxBackoffJitter)))
	if delay := backoff + jitter; delay < p.MaxDelay {
		return delay
	}
	return p.MaxDelay
}

// capToBudget shrinks a delay so that waiting never eats the remaining
// budget down past the safety margin. A non-positive result means the retry
// cannot be afforded.
func capToBudget(delay, remaining time.Duration) time.Duration {
	affordable := remaining - budgetSafetyMargin
	if affordable < 0 {
		affordable = 0
	}
	if delay > affordable {
		return affordable
	}
	return delay
}
