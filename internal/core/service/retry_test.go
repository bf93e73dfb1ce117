package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryStopsAfterAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("still broken")
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, Multiplier: 1}, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the last error back, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryReturnsNilOnEventualSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, Multiplier: 1}, func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestBackoffForAttemptGrowsAndCaps(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, InitialBackoff: time.Second, MaxBackoff: 4 * time.Second, Multiplier: 2}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 4 * time.Second}, // capped
		{0, 0},
	}
	for _, tc := range cases {
		if got := BackoffForAttempt(policy, tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestClampLimit(t *testing.T) {
	if got := ClampLimit(0, 10, 100); got != 10 {
		t.Fatalf("expected default for non-positive, got %d", got)
	}
	if got := ClampLimit(5000, 10, 100); got != 100 {
		t.Fatalf("expected clamp to max, got %d", got)
	}
	if got := ClampLimit(42, 10, 100); got != 42 {
		t.Fatalf("expected pass-through, got %d", got)
	}
	if got := ClampLimit(0, 0, 0); got != DefaultListLimit {
		t.Fatalf("expected package default, got %d", got)
	}
}
