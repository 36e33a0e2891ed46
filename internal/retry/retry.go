// Package retry implements the exponential-backoff retry policy used by the
// external-service adapters. Only errors classified retryable by the shared
// taxonomy are retried; validation and integrity failures surface at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sakuga/internal/services"
)

const (
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 60 * time.Second
	defaultMaxRetries = 3
)

// Policy describes backoff behavior for one adapter.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Sleeper overrides how delays are waited out (tests inject a fake).
	Sleeper func(context.Context, time.Duration) error
}

// DefaultPolicy returns the repository default backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
	}
}

// Do invokes fn until it succeeds, exhausts the retry budget, or returns a
// non-retryable error. The operation name is included in the terminal error.
func (p Policy) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := p.wait(ctx, p.Delay(attempt-1)); err != nil {
				return err
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if !services.Retryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", operation, retries+1, lastErr)
}

// Delay computes the backoff before retry number attempt (0-based):
// min(base * 2^attempt, max).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if delay > maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (p Policy) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	if p.Sleeper != nil {
		return p.Sleeper(ctx, delay)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
