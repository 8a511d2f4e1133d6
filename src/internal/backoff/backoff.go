// Package backoff provides retry-with-backoff helpers over
// github.com/cenkalti/backoff.
package backoff

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethyca/fides-engine/src/internal/errors"
)

// BackOff determines how long to wait between retries.
type BackOff = backoff.BackOff

// Stop indicates that no more retries should be made.
const Stop = backoff.Stop

// NewConstantBackOff returns a BackOff that always waits d.
func NewConstantBackOff(d time.Duration) BackOff {
	return backoff.NewConstantBackOff(d)
}

// NewExponentialBackOff returns a BackOff that starts at 100ms and doubles up
// to a 30s ceiling, retrying indefinitely until canceled.
func NewExponentialBackOff() BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// NotifyFunc is called after a failed attempt with the error and the upcoming
// wait.  Returning an error aborts the retry loop with that error.
type NotifyFunc func(err error, d time.Duration) error

// RetryUntilCancel runs operation until it succeeds, the BackOff is exhausted,
// notify aborts, or ctx is canceled.  A nil notify retries on every error.
func RetryUntilCancel(ctx context.Context, operation func() error, b BackOff, notify NotifyFunc) error {
	for {
		err := operation()
		if err == nil {
			return nil
		}
		d := b.NextBackOff()
		if d == Stop {
			return err
		}
		if notify != nil {
			if nerr := notify(err, d); nerr != nil {
				return nerr
			}
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return errors.EnsureStack(ctx.Err())
		}
	}
}
