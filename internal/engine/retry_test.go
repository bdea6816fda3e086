package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/lockflow/pkg/schema"
)

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestIsRetryableError_ContextCanceled(t *testing.T) {
	assert.False(t, IsRetryableError(context.Canceled))
}

func TestIsRetryableError_ContextDeadlineExceeded(t *testing.T) {
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
}

func TestIsRetryableError_ByCode(t *testing.T) {
	retryable := []string{
		schema.ErrCodeConflict,
		schema.ErrCodeIntegration,
		schema.ErrCodeTimeout,
		schema.ErrCodeCircuitOpen,
		schema.ErrCodeStore,
	}
	for _, code := range retryable {
		assert.True(t, IsRetryableError(schema.NewError(code, "x")), "expected %s to be retryable", code)
	}

	nonRetryable := []string{
		schema.ErrCodeValidation,
		schema.ErrCodeNotFound,
		schema.ErrCodeDuplicate,
		schema.ErrCodeInvalidTransition,
		schema.ErrCodeComplianceFailed,
		schema.ErrCodeRetryExhausted,
	}
	for _, code := range nonRetryable {
		assert.False(t, IsRetryableError(schema.NewError(code, "x")), "expected %s to be non-retryable", code)
	}
}

func TestIsRetryableError_WrappedStructured(t *testing.T) {
	inner := schema.NewError(schema.ErrCodeValidation, "bad input")
	assert.False(t, IsRetryableError(errors.Join(errors.New("context"), inner)))
}

func TestIsRetryableError_PlainErrorDefaultsRetryable(t *testing.T) {
	assert.True(t, IsRetryableError(errors.New("something went wrong")))
	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))
}

func TestComputeBackoff_Exponential(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute}

	assert.Equal(t, time.Second, ComputeBackoff(p, 1))
	assert.Equal(t, 2*time.Second, ComputeBackoff(p, 2))
	assert.Equal(t, 4*time.Second, ComputeBackoff(p, 3))
	assert.Equal(t, 8*time.Second, ComputeBackoff(p, 4))
}

func TestComputeBackoff_Capped(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, ComputeBackoff(p, 4))
	assert.Equal(t, 5*time.Second, ComputeBackoff(p, 60))
}

func TestComputeBackoff_ZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeBackoff(RetryPolicy{}, 3))
}

func TestComputeBackoff_AttemptBelowOne(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second}
	assert.Equal(t, time.Second, ComputeBackoff(p, 0))
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.False(t, RetryPolicy{}.Exhausted(100))
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForBackoff_Zero(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}
