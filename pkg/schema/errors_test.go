package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockflowError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeConflict, "version %d is stale", 3)
	assert.Equal(t, "[CONFLICT] version 3 is stale", err.Error())

	err = err.WithStage(StageLock)
	assert.Equal(t, "[CONFLICT] stage lock_execution: version 3 is stale", err.Error())
}

func TestLockflowError_UnwrapAndCode(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := NewError(ErrCodeIntegration, "pricing engine unreachable").WithCause(cause)
	wrapped := fmt.Errorf("rate quoting: %w", err)

	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, ErrCodeIntegration, CodeOf(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeIntegration))
	assert.False(t, HasCode(nil, ErrCodeIntegration))
	assert.Equal(t, "", CodeOf(cause))
}

func TestLockflowError_IsRetryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeConflict, "").IsRetryable())
	assert.True(t, NewError(ErrCodeIntegration, "").IsRetryable())
	assert.True(t, NewError(ErrCodeCircuitOpen, "").IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "").IsRetryable())
	assert.False(t, NewError(ErrCodeInvalidTransition, "").IsRetryable())
	assert.False(t, NewError(ErrCodeComplianceFailed, "").IsRetryable())
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		err      error
		class    ErrorClass
		blocking bool
	}{
		{NewError(ErrCodeValidation, ""), ClassValidation, true},
		{NewError(ErrCodeNotFound, ""), ClassValidation, true},
		{NewError(ErrCodeDuplicate, ""), ClassValidation, true},
		{NewError(ErrCodeConflict, ""), ClassConflict, false},
		{NewError(ErrCodeIntegration, ""), ClassTransient, false},
		{errors.New("unclassified"), ClassTransient, false},
		{NewError(ErrCodeInvalidTransition, ""), ClassInvalidTransition, true},
		{NewError(ErrCodeComplianceFailed, ""), ClassCompliance, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.class, ClassOf(tt.err), tt.err.Error())
		assert.Equal(t, tt.blocking, ClassOf(tt.err).IsBlocking(), tt.err.Error())
	}
}

func TestPriority_RaiseAndLevel(t *testing.T) {
	assert.Equal(t, PriorityMedium, PriorityLow.Raise())
	assert.Equal(t, PriorityHigh, PriorityMedium.Raise())
	assert.Equal(t, PriorityHigh, PriorityHigh.Raise())
	assert.Less(t, PriorityLow.Level(), PriorityMedium.Level())
	assert.Less(t, PriorityMedium.Level(), PriorityHigh.Level())
}

func TestDestination_Tier(t *testing.T) {
	assert.Less(t, DestinationLoanOfficer.Tier(), DestinationSupervisor.Tier())
	assert.Less(t, DestinationSupervisor.Tier(), DestinationSpecialist.Tier())
}
