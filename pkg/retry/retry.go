// Package retry implements a bounded exponential backoff policy. It is only
// applied to idempotent read operations; financial mutations are never
// retried automatically.
package retry

import (
	"context"
	"time"
)

// Policy bounds retry behaviour: a fixed number of attempts, a base delay
// doubled per attempt, and a hard cap on any single delay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used where callers do not configure their own.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// Permanent wraps an error that must not be retried.
type Permanent struct {
	Err error
}

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// Do runs fn until it succeeds, returns a Permanent error, the attempts are
// exhausted, or the context is cancelled. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultPolicy.MaxAttempts
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultPolicy.BaseDelay
	}
	cap := p.MaxDelay
	if cap <= 0 {
		cap = DefaultPolicy.MaxDelay
	}

	var err error
	delay := base
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if perm, ok := err.(Permanent); ok {
			return perm.Err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cap {
			delay = cap
		}
	}
	return err
}
