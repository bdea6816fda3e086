package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/lockflow/pkg/schema"
)

// RetryPolicy bounds redelivery of messages whose handling failed
// transiently, and the local re-read loop on version conflicts.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay       time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay        time.Duration `json:"max_delay" yaml:"max_delay"`
	ConflictRetries int           `json:"conflict_retries" yaml:"conflict_retries"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		BaseDelay:       2 * time.Second,
		MaxDelay:        5 * time.Minute,
		ConflictRetries: 5,
	}
}

// IsRetryableError classifies whether an error should be retried.
// Structured errors decide by code; unknown errors are treated as transient
// so the attempt bound, not the handler, decides when to give up.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A collaborator call that ran out of time may succeed later.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Shutdown in progress. The message will come back after its lease.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var lfErr *schema.LockflowError
	if errors.As(err, &lfErr) {
		return lfErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"service unavailable",
		"gateway timeout",
		"too many requests",
		"database is locked",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return true
}

// ComputeBackoff returns the delay before redelivery attempt+1, where
// attempt is the number of deliveries made so far (1-based). The delay is
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt has used up the policy's bound.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// WaitForBackoff sleeps for delay or returns early if ctx is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
