package block

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// BackoffPolicy computes jittered exponential delays for job retries.
type BackoffPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewBackoffPolicy builds a policy with sane defaults.
func NewBackoffPolicy() *BackoffPolicy {
	return &BackoffPolicy{
		baseDelay: 500 * time.Millisecond,
		maxDelay:  30 * time.Second,
	}
}

// ShouldRetry decides whether a failed job attempt is worth re-enqueueing.
// Only transient failures are retried; cancellation and deadline expiry end
// the job.
func (p *BackoffPolicy) ShouldRetry(err error, retryCount, maxRetries int) bool {
	if err == nil {
		return false
	}
	if retryCount >= maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return IsTransient(err)
}

// Backoff returns the wait duration before the next attempt.
func (p *BackoffPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
