package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted marks an error returned after every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// Policy is a bounded exponential backoff: Base, 2*Base, 4*Base ... capped at Max.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// Sleep waits between attempts; nil uses a timer bound to ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type delayedError struct {
	err  error
	wait time.Duration
}

func (d delayedError) Error() string { return d.err.Error() }
func (d delayedError) Unwrap() error { return d.err }

// After wraps err so the next attempt waits d instead of the backoff, e.g.
// for a server's Retry-After.
func After(err error, d time.Duration) error {
	if err == nil || d <= 0 {
		return err
	}
	return delayedError{err: err, wait: d}
}

// Backoff returns the wait before attempt n (0-based) under p.
func (p Policy) Backoff(n int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	limit := p.Max
	if limit <= 0 {
		limit = 8 * time.Second
	}
	wait := base
	for i := 0; i < n && wait < limit; i++ {
		wait *= 2
	}
	if wait > limit {
		wait = limit
	}
	return wait
}

// Do calls fn until it succeeds, returns a permanent error, the context ends,
// or Attempts calls have failed.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: %w", err, lastErr)
			}
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if i == attempts-1 {
			break
		}
		wait := p.Backoff(i)
		var delayed delayedError
		if errors.As(lastErr, &delayed) {
			wait = delayed.wait
			lastErr = delayed.err
		}
		if err := p.sleep(ctx, wait); err != nil {
			return fmt.Errorf("%w: %w", err, lastErr)
		}
	}
	var delayed delayedError
	if errors.As(lastErr, &delayed) {
		lastErr = delayed.err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
