package job

import (
	"errors"
	"time"
)

// Retry policy defaults. A job gets MaxAttempts pipeline attempts in total;
// transient failures before the cap re-enqueue with exponential backoff.
const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 30 * time.Second
	DefaultMaxBackoff  = 10 * time.Minute
)

// ErrInvalidRetryPolicy indicates a non-positive attempt cap or backoff base.
var ErrInvalidRetryPolicy = errors.New("retry policy requires positive attempts and backoff")

// RetryPolicy decides requeue delays for transient failures.
type RetryPolicy struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewRetryPolicy constructs a RetryPolicy. Zero values fall back to defaults.
func NewRetryPolicy(maxAttempts int, base, maxBackoff time.Duration) (*RetryPolicy, error) {
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if base == 0 {
		base = DefaultBaseBackoff
	}
	if maxBackoff == 0 {
		maxBackoff = DefaultMaxBackoff
	}
	if maxAttempts < 0 || base < 0 || maxBackoff < base {
		return nil, ErrInvalidRetryPolicy
	}
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		baseBackoff: base,
		maxBackoff:  maxBackoff,
	}, nil
}

// MaxAttempts returns the total attempt cap, including the first attempt.
func (p *RetryPolicy) MaxAttempts() int {
	if p == nil {
		return DefaultMaxAttempts
	}
	return p.maxAttempts
}

// Exhausted reports whether the given attempt count has consumed the cap.
func (p *RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts()
}

// Backoff returns the requeue delay after the given attempt number (1-based).
// The delay doubles per attempt and is capped at the configured maximum.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if p == nil {
		return DefaultBaseBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.baseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.maxBackoff {
			return p.maxBackoff
		}
	}
	if delay > p.maxBackoff {
		return p.maxBackoff
	}
	return delay
}
