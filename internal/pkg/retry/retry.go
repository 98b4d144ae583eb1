// Package retry provides the with_retry combinator: callers wrap an
// operation in a retry Policy explicitly. Nothing in the core retries
// silently — rate limiting and circuit breaking compose with retry but
// never retry on their own.
package retry

import (
	"context"
	"time"

	apperrors "relay-agent.dev/core/internal/pkg/errors"
)

// Operation is the unit of work a Policy retries.
type Operation func(ctx context.Context) error

// Policy configures with_retry. Attempts counts the first try, so
// Attempts=3 means up to two retries after the initial call.
type Policy struct {
	Attempts int
	Delay    time.Duration
	// Backoff multiplies Delay after each failed attempt. A value <= 1
	// keeps the delay constant.
	Backoff float64
	// Kinds restricts retries to errors carrying one of these kinds. An
	// empty slice retries on any non-nil error.
	Kinds []apperrors.Kind
}

// Do runs op under policy, sleeping between attempts (honoring ctx
// cancellation) and stopping early on an error whose kind policy does
// not cover. It returns the final error, or nil on the first success.
func Do(ctx context.Context, policy Policy, op Operation) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	delay := policy.Delay
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !policy.shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		if policy.Backoff > 1 {
			delay = time.Duration(float64(delay) * policy.Backoff)
		}
	}

	return lastErr
}

// DoValue is Do for operations that produce a value alongside an error.
func DoValue[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, policy, func(ctx context.Context) error {
		v, opErr := op(ctx)
		if opErr == nil {
			result = v
		}
		return opErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (p Policy) shouldRetry(err error) bool {
	if len(p.Kinds) == 0 {
		return true
	}
	appErr, ok := apperrors.IsAppError(err)
	if !ok {
		return false
	}
	for _, k := range p.Kinds {
		if appErr.Kind == k {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
