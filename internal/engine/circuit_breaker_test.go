package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lockflow/pkg/schema"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	reg := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}, nil)
	boom := func() (any, error) { return nil, errors.New("service unavailable") }

	_, err := reg.Execute("pricing", boom)
	require.Error(t, err)
	_, err = reg.Execute("pricing", boom)
	require.Error(t, err)

	called := false
	_, err = reg.Execute("pricing", func() (any, error) { called = true; return nil, nil })
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
	assert.True(t, IsRetryableError(err))
	assert.Equal(t, "open", reg.State("pricing"))
}

func TestCircuitBreaker_IsolatedPerCollaborator(t *testing.T) {
	reg := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}, nil)
	_, _ = reg.Execute("pricing", func() (any, error) { return nil, errors.New("timeout") })

	out, err := reg.Execute("loan_context", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "closed", reg.State("loan_context"))
}

func TestCircuitBreaker_BusinessErrorsDoNotTrip(t *testing.T) {
	reg := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}, nil)
	notFound := func() (any, error) { return nil, schema.NewError(schema.ErrCodeNotFound, "no such loan") }

	for i := 0; i < 3; i++ {
		_, err := reg.Execute("loan_context", notFound)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	}
	assert.Equal(t, "closed", reg.State("loan_context"))
}
