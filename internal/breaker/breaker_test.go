package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"sakuga/internal/breaker"
	"sakuga/internal/services"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := breaker.New(breaker.Settings{Name: "comfy", FailureThreshold: 5, RecoveryTimeout: time.Minute})
	boom := errors.New("backend down")

	for i := 0; i < 4; i++ {
		if err := b.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected passthrough error, got %v", i, err)
		}
		if state := b.State(); state != "closed" {
			t.Fatalf("call %d: expected closed, got %s", i, state)
		}
	}

	// Fifth consecutive failure trips the circuit.
	if err := b.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected passthrough error, got %v", err)
	}
	if state := b.State(); state != "open" {
		t.Fatalf("expected open after threshold, got %s", state)
	}

	err := b.Do(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, services.ErrResourceExhausted) {
		t.Fatalf("open circuit should fail fast as resource exhaustion, got %v", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := breaker.New(breaker.Settings{Name: "comfy", FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})
	boom := errors.New("backend down")

	if err := b.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected failure, got %v", err)
	}
	if state := b.State(); state != "open" {
		t.Fatalf("expected open, got %s", state)
	}

	time.Sleep(80 * time.Millisecond)
	if state := b.State(); state != "half_open" {
		t.Fatalf("expected half_open after recovery timeout, got %s", state)
	}

	if err := b.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("half-open probe should succeed: %v", err)
	}
	if state := b.State(); state != "closed" {
		t.Fatalf("expected closed after probe success, got %s", state)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := breaker.New(breaker.Settings{Name: "vision", FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})
	boom := errors.New("still down")

	_ = b.Do(context.Background(), func(context.Context) error { return boom })
	time.Sleep(80 * time.Millisecond)

	_ = b.Do(context.Background(), func(context.Context) error { return boom })
	if state := b.State(); state != "open" {
		t.Fatalf("expected open after half-open failure, got %s", state)
	}
}
