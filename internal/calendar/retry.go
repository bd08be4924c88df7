package calendar

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff configures Retry.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultBackoff is used by the provider clients.
var DefaultBackoff = Backoff{Attempts: 4, Initial: 500 * time.Millisecond, Max: 8 * time.Second}

func (b Backoff) policy(ctx context.Context) backoff.BackOff {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	if b.Max > 0 {
		eb.MaxInterval = b.Max
	}
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Retry runs fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. Delays grow exponentially from Initial up to Max
// with jitter. The error returned is always fn's last error.
func Retry(ctx context.Context, b Backoff, fn func() error) error {
	var last error
	err := backoff.Retry(func() error {
		last = fn()
		if last != nil && !IsRetryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}, b.policy(ctx))
	if err != nil && last != nil {
		return last
	}
	return err
}
