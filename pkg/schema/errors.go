package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeIntegration       = "INTEGRATION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeComplianceFailed  = "COMPLIANCE_FAILED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeDuplicate         = "DUPLICATE"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeDeadLettered      = "DEAD_LETTERED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
)

// ErrorClass buckets errors into the categories the retry and exception
// policies act on.
type ErrorClass string

const (
	ClassValidation        ErrorClass = "validation"
	ClassConflict          ErrorClass = "conflict"
	ClassTransient         ErrorClass = "transient"
	ClassInvalidTransition ErrorClass = "invalid_transition"
	ClassCompliance        ErrorClass = "compliance"
)

// LockflowError is the structured error type for all lockflow operations.
type LockflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LockflowError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LockflowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure may succeed on a later attempt.
func (e *LockflowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConflict, ErrCodeIntegration, ErrCodeTimeout, ErrCodeCircuitOpen, ErrCodeStore:
		return true
	}
	return false
}

// NewError creates a new LockflowError.
func NewError(code, message string) *LockflowError {
	return &LockflowError{Code: code, Message: message}
}

// NewErrorf creates a new LockflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *LockflowError {
	return &LockflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches the failing stage.
func (e *LockflowError) WithStage(stage string) *LockflowError {
	e.Stage = stage
	return e
}

// WithCause attaches an underlying cause.
func (e *LockflowError) WithCause(err error) *LockflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LockflowError) WithDetails(details map[string]any) *LockflowError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first LockflowError in err's chain, or "".
func CodeOf(err error) string {
	var le *LockflowError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// ClassOf maps an error onto its handling class. Unstructured errors are
// treated as transient so they get retried and eventually dead-lettered
// instead of being dropped.
func ClassOf(err error) ErrorClass {
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeDuplicate:
		return ClassValidation
	case ErrCodeConflict:
		return ClassConflict
	case ErrCodeInvalidTransition:
		return ClassInvalidTransition
	case ErrCodeComplianceFailed:
		return ClassCompliance
	default:
		return ClassTransient
	}
}

// IsBlocking reports whether a failure of this class halts the record until
// a human resolves it.
func (c ErrorClass) IsBlocking() bool {
	switch c {
	case ClassValidation, ClassInvalidTransition, ClassCompliance:
		return true
	}
	return false
}
