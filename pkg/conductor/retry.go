package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/appforge/conductor/pkg/schema"
)

// IsRetryableError classifies whether an error should be retried.
// Retryable: rate-limit signals, 5xx-class server errors, connection resets,
// timeouts (including context.DeadlineExceeded), DNS failures, and typed
// ConductorErrors with retryable codes. Everything else is fatal.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is a per-attempt timeout, retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// ConductorError checks its own code.
	var cErr *schema.ConductorError
	if errors.As(err, &cErr) {
		return cErr.IsRetryable()
	}

	// DNS failures and network timeouts are retryable.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// String heuristics for common transient patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"rate limit",
		"temporarily unavailable",
		"too many requests",
		"connection reset",
		"no such host",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ComputeBackoff calculates the delay preceding attempt number attempt+1,
// given that attempt attempts have already failed. The first attempt is
// immediate; thereafter delay = Delay * Multiplier^(attempt-1).
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" || attempt < 1 {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	return time.Duration(float64(base) * math.Pow(multiplier, float64(attempt-1)))
}

// SleepFunc waits for the given duration or returns early with the context's
// error if it is cancelled. Injectable so tests can run with a fake clock.
type SleepFunc func(ctx context.Context, d time.Duration) error

// WaitForBackoff is the default SleepFunc.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunWithRetry invokes fn with bounded exponential-backoff retry.
//
// The first attempt runs immediately. A retryable failure sleeps the computed
// backoff and tries again, up to policy.Max attempts total. A non-retryable
// failure propagates as-is. Exhausting the budget returns a RETRY_EXHAUSTED
// error naming the context label and the attempt count.
// fn receives the 1-based attempt number so callers can log each attempt.
func RunWithRetry(ctx context.Context, label string, policy *schema.RetryPolicy, sleep SleepFunc, fn func(ctx context.Context, attempt int) (json.RawMessage, error)) (json.RawMessage, error) {
	if sleep == nil {
		sleep = WaitForBackoff
	}

	maxAttempts := 1
	if policy != nil && policy.Max > 1 {
		maxAttempts = policy.Max
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := fn(ctx, attempt)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, ComputeBackoff(policy, attempt)); err != nil {
			return nil, err
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"%s: retries exhausted after %d attempts: %s", label, maxAttempts, lastErr.Error()).
		WithCause(lastErr)
}
