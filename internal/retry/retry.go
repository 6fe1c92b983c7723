// Package retry runs an operation under a bounded attempt budget with backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cesargomez89/hymnsync/internal/constants"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// DelayFunc returns how long to wait after the given failed attempt (1-based).
type DelayFunc func(attempt int) time.Duration

// Linear waits base*attempt, so the second attempt waits base and the third 2*base.
func Linear(base time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * base
	}
}

// Policy describes how many times to try and how long to wait between tries.
type Policy struct {
	MaxAttempts int
	Delay       DelayFunc

	// Retryable reports whether err is worth another attempt. Nil retries everything.
	Retryable func(err error) bool

	// BeforeRetry runs after the backoff sleep and before the next attempt.
	// An error from it aborts the loop.
	BeforeRetry func(ctx context.Context, attempt int) error

	// OnFailure observes every failed attempt.
	OnFailure func(attempt int, err error)

	// Sleep is swapped in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default is the ingestion policy: 3 attempts, linear backoff.
func Default() Policy {
	return Policy{
		MaxAttempts: constants.DefaultRetryCount,
		Delay:       Linear(constants.DefaultRetryBase),
	}
}

// Error carries the number of attempts made and the last failure.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrExhausted, e.Err} }

// Do calls fn until it succeeds, the budget is spent, or a non-retryable error occurs.
// Non-retryable errors and context errors are returned as is.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.OnFailure != nil {
			p.OnFailure(attempt, err)
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		var wait time.Duration
		if p.Delay != nil {
			wait = p.Delay(attempt)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		if p.BeforeRetry != nil {
			if err := p.BeforeRetry(ctx, attempt+1); err != nil {
				return err
			}
		}
	}

	return &Error{Attempts: maxAttempts, Err: lastErr}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
