package chain

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

const maxBackoff = 30 * time.Second

// newBackOff returns an exponential policy starting at initial with no elapsed-time limit.
func newBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// WithRetry runs fn until it succeeds, backing off exponentially between attempts.
// It gives up after maxRetries retries or when ctx is done.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func(context.Context) error) error {
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	if maxRetries <= 0 {
		// WithMaxRetries treats zero as unlimited.
		return fn(ctx)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackOff(baseDelay), uint64(maxRetries)),
		ctx,
	)
	err := backoff.Retry(func() error { return fn(ctx) }, policy)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
