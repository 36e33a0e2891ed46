package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"sakuga/internal/retry"
	"sakuga/internal/services"
)

func instantPolicy(maxRetries int) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = maxRetries
	p.Sleeper = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestDoRetriesTransientFailures(t *testing.T) {
	calls := 0
	err := instantPolicy(3).Do(context.Background(), "submit", func(context.Context) error {
		calls++
		if calls < 3 {
			return services.Wrap(services.ErrTransient, "comfy", "submit", "http 503", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnValidationError(t *testing.T) {
	calls := 0
	wantErr := services.Wrap(services.ErrValidation, "comfy", "submit", "bad workflow", nil)
	err := instantPolicy(3).Do(context.Background(), "submit", func(context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("validation errors must not retry, got %d calls", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := instantPolicy(2).Do(context.Background(), "poll", func(context.Context) error {
		calls++
		return services.Wrap(services.ErrTransient, "comfy", "poll", "timeout", nil)
	})
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if calls != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d calls", calls)
	}
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("terminal error should wrap the last failure, got %v", err)
	}
}

func TestDelayDoublesAndCaps(t *testing.T) {
	p := retry.Policy{BaseDelay: time.Second, MaxDelay: 60 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Fatalf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
