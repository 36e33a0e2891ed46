// Package breaker guards each external-service adapter with a three-state
// circuit breaker. Calls rejected while the circuit is open surface as
// resource-exhaustion errors so callers treat them as transient pressure
// rather than hard failures.
package breaker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"sakuga/internal/services"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// Settings configures a breaker instance.
type Settings struct {
	Name             string
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
}

// Breaker wraps gobreaker with the shared error taxonomy.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New constructs a breaker. Zero-valued settings fall back to the defaults
// (5 consecutive failures to open, 60s recovery timeout).
func New(settings Settings) *Breaker {
	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = defaultFailureThreshold
	}
	timeout := settings.RecoveryTimeout
	if timeout <= 0 {
		timeout = defaultRecoveryTimeout
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	return &Breaker{cb: cb}
}

// Do executes fn under the breaker. Context cancellation does not count as a
// service failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if b == nil || b.cb == nil {
		return fn(ctx)
	}
	_, err := b.cb.Execute(func() (any, error) {
		callErr := fn(ctx)
		if errors.Is(callErr, context.Canceled) {
			return nil, nil
		}
		return nil, callErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return services.Wrap(services.ErrResourceExhausted, b.cb.Name(), "call", "circuit open", err)
	}
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// State reports the breaker state as closed, half_open, or open.
func (b *Breaker) State() string {
	if b == nil || b.cb == nil {
		return "closed"
	}
	return strings.ReplaceAll(b.cb.State().String(), "-", "_")
}

// Counts exposes failure counters for status reporting.
func (b *Breaker) Counts() gobreaker.Counts {
	if b == nil || b.cb == nil {
		return gobreaker.Counts{}
	}
	return b.cb.Counts()
}
