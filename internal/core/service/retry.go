package service

import (
	"context"
	"time"
)

// RetryPolicy governs exponential-backoff retry behavior. It backs both the
// Execution Ledger's execution-level retries and the Workflow Runner's
// per-step retries.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy is a single attempt with no backoff.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:       1,
	InitialBackoff: 0,
	MaxBackoff:     0,
	Multiplier:     1,
}

// Retry executes fn up to policy.Attempts times, waiting an exponentially
// growing backoff (capped at MaxBackoff) between attempts. It returns the
// last error, or nil on first success. A cancelled context aborts the wait
// and returns ctx.Err().
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	backoff := policy.InitialBackoff
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err := fn(); err != nil {
			if attempt == policy.Attempts {
				return err
			}
			if backoff > 0 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
				next := time.Duration(float64(backoff) * policy.Multiplier)
				if policy.MaxBackoff > 0 && next > policy.MaxBackoff {
					next = policy.MaxBackoff
				}
				backoff = next
			}
			continue
		}
		return nil
	}
	return nil
}

// BackoffForAttempt computes the delay before the given retry attempt
// (1-indexed) without sleeping, for callers (e.g. the ledger) that need to
// persist a next_retry_at timestamp rather than block in-process.
func BackoffForAttempt(policy RetryPolicy, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	backoff := policy.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * policy.Multiplier)
		if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
			break
		}
	}
	return backoff
}
