package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy retries transient failures with capped exponential backoff
// and full jitter. Non-transient categories (validation, authentication,
// parsing, unknown) fail on the first occurrence.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryPolicy creates a retry policy with a seeded jitter source.
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration, seed int64) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Backoff returns the jittered delay before the given zero-based attempt:
// uniform in (0, min(base*2^attempt, max)].
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay << uint(attempt)
	if delay <= 0 || delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	p.mu.Lock()
	jittered := time.Duration(p.rng.Float64() * float64(delay))
	p.mu.Unlock()

	if jittered <= 0 {
		jittered = time.Millisecond
	}
	return jittered
}

// Do runs fn up to MaxAttempts times, sleeping a jittered backoff between
// transient failures. The attempt count actually used is returned for
// decision metadata.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(p.Backoff(attempt - 1)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !Categorize(lastErr).Retryable() {
			return attempt + 1, lastErr
		}
	}
	return p.MaxAttempts, lastErr
}
