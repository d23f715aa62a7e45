package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewBackoff builds the retry schedule used across the codebase: exponential
// with factor 2, ±10% jitter, capped at max. MaxElapsedTime is disabled so
// the caller controls the attempt budget.
func NewBackoff(base, max time.Duration) *backoff.ExponentialBackOff {
	return NewBackoffJitter(base, max, 0.1)
}

// NewBackoffJitter is NewBackoff with a caller-chosen randomization factor.
func NewBackoffJitter(base, max time.Duration, jitter float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// SleepContext waits for d or until ctx is canceled, whichever comes first.
// Returns ctx.Err() when canceled.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
