// Package retry applies a bounded retry policy around a fallible call.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Policy controls how many times an operation is attempted and how long to
// wait between attempts. A Multiplier of 1 gives a fixed delay.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration

	// OnRetry is called after a failed attempt that will be retried
	OnRetry func(attempt int, err error)
}

// Fixed returns a policy with a constant delay between attempts
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay, Multiplier: 1}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.Delay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		if attempt == attempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return errors.Wrapf(err, "retry aborted after attempt %d: %v", attempt, sleepErr)
		}
		delay = p.next(delay)
	}

	return errors.Wrapf(err, "gave up after %d attempts", attempts)
}

func (p Policy) next(delay time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return delay
	}
	next := time.Duration(float64(delay) * p.Multiplier)
	if p.MaxDelay > 0 && next > p.MaxDelay {
		return p.MaxDelay
	}
	return next
}

// sleep waits for d unless ctx is done first
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
