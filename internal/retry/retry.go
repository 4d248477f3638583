// Package retry runs an operation under a bounded exponential backoff.
//
// The engagement core never retries on its own. Only callers that own a
// retry policy use this package, such as the startup database connect.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop. Delays double from BaseDelay up to MaxDelay
// (0 means uncapped), each with ±25% jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used for connecting to the durable store at startup.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Backoff is the un-jittered wait after the given zero-based failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for range attempt {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do calls fn with the zero-based attempt number until it succeeds, returns
// a Permanent error, runs out of attempts or ctx ends. A policy with no
// attempts still calls fn once. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := max(p.MaxAttempts, 1)

	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt+1 >= attempts {
			return err
		}

		wait := time.NewTimer(jittered(p.Backoff(attempt)))
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C:
		}
	}
}

func jittered(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(2*spread+1)-spread)
}
