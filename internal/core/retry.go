package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy applies bounded exponential backoff to a single remote call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error deserves another attempt. Defaults to IsRetryable.
	Retryable func(error) bool
	// Budget, when set, is extended by any Retry-After carried on the error.
	Budget *Budget
	// Sleep waits between attempts. Defaults to SleepContext.
	Sleep   func(ctx context.Context, d time.Duration) error
	Logger  *zap.Logger
	OnRetry func(op string)
}

// Delay returns the wait before the given retry (1-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if p.BaseDelay <= 0 || retry < 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-retryable error, or runs out of attempts.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry is Do for calls that return a value.
func Retry[T any](ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: %w", op, ctx.Err())
		}

		wait := p.Delay(attempt)
		if retryAfter := retryAfterOf(err); retryAfter > 0 {
			p.Budget.Defer(retryAfter)
			if retryAfter > wait {
				wait = retryAfter
			}
		}

		logger.Warn("Remote call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if p.OnRetry != nil {
			p.OnRetry(op)
		}

		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			return zero, fmt.Errorf("%s: %w", op, sleepErr)
		}
	}

	return zero, fmt.Errorf("%s: giving up after %d attempts: %w", op, attempts, lastErr)
}
