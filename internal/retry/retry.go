// Package retry provides a bounded retry utility for conditional writes.
//
// Stock and escrow mutations go through optimistic-concurrency write paths:
// read the current row version, write conditioned on it being unchanged. On
// a version conflict the entry is reloaded and the write retried a bounded
// number of times with a linearly increasing delay. Business-rule failures
// are wrapped with Permanent so they stop the loop immediately.
package retry

import (
	"context"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times with a linearly increasing backoff:
// the delay before attempt n+1 is baseDelay × n. It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// Callers apply a request-level timeout via ctx, separate from the retry
// budget, so a contended record cannot stall a request indefinitely.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Don't retry permanent errors.
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay * time.Duration(attempt)):
		}
	}

	return err
}
