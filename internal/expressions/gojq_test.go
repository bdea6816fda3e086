package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lockflow/pkg/schema"
)

func TestGoJQEngine_Name(t *testing.T) {
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}

func TestGoJQ_ExtractRequestFields(t *testing.T) {
	e := NewGoJQEngine()
	raw := map[string]any{
		"application": map[string]any{"id": "LA-100", "term": 45},
		"contact":     map[string]any{"email": "b@example.com", "phone": nil},
	}
	ctx := context.Background()

	out, err := e.Evaluate(ctx, ".application.id", raw)
	require.NoError(t, err)
	assert.Equal(t, "LA-100", out)

	// Integers are normalized to float64.
	out, err = e.Evaluate(ctx, ".application.term", raw)
	require.NoError(t, err)
	assert.Equal(t, 45.0, out)

	out, err = e.Evaluate(ctx, `.contact.phone // "unknown"`, raw)
	require.NoError(t, err)
	assert.Equal(t, "unknown", out)

	out, err = e.Evaluate(ctx, ".missing", raw)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"terms": []any{30, 45, 60}}

	out, err := e.Evaluate(context.Background(), ".terms[]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{30.0, 45.0, 60.0}, out)

	all, err := e.EvaluateAll(context.Background(), ".terms[0]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{30.0}, all)

	none, err := e.EvaluateAll(context.Background(), "empty", data)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGoJQ_Sandbox(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "$ENV | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, ".[", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `error("boom")`, map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
