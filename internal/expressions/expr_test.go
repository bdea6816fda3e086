package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lockflow/pkg/schema"
)

func TestExprEngine_Name(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExpr_EligibilityRules(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"loan":     map[string]any{"amount": 350000.0, "type": "Conventional", "status": "Active"},
		"property": map[string]any{"state": "CA", "value": 500000.0},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"amount positive", `loan.amount > 0`, true},
		{"ltv under 80", `loan.amount / property.value <= 0.8`, true},
		{"type allowed", `loan.type in ["Conventional", "FHA", "VA"]`, true},
		{"status blocked", `loan.status != "Active"`, false},
		{"nil coalescing", `(borrower?.credit_score ?? 0) >= 620`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateBool(context.Background(), e, tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpr_CachedProgramServesDifferentShapes(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	got, err := EvaluateBool(ctx, e, `loan.amount > 100`, map[string]any{"loan": map[string]any{"amount": 200.0}})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvaluateBool(ctx, e, `loan.amount > 100`, map[string]any{"loan": map[string]any{"amount": 50}})
	require.NoError(t, err)
	assert.False(t, got)
	assert.Equal(t, 1, e.programs.Len())
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, "loan.amount >", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = EvaluateBool(ctx, e, `loan.amount`, map[string]any{"loan": map[string]any{"amount": 1.0}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Evaluate(cancelled, "true", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
