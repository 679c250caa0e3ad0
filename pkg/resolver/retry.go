package resolver

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy drives retries around transient failures (embedding calls,
// retryable backend writes). It is injected rather than hard-coded so hosts
// can tune or disable it; the zero value means a single attempt.
type RetryPolicy struct {
	// MaxAttempts including the first try. <=1 disables retries.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// RetryIf filters which errors are worth retrying; nil retries all.
	RetryIf func(error) bool
}

// DefaultRetryPolicy mirrors what production configs settle on.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
	}
}

// Do runs op under the policy, honoring ctx cancellation between attempts.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if p.RetryIf != nil && !p.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if p.MaxAttempts <= 1 {
		return op()
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0 // bounded by attempts, not wall clock

	return backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx))
}
