package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lockflow/pkg/schema"
)

type lockView struct {
	ConfirmationNumber string  `json:"confirmation_number"`
	Rate               float64 `json:"rate"`
}

func TestRender(t *testing.T) {
	scope := TemplateScope{
		"borrower": map[string]any{"first_name": "Ana"},
		"lock":     lockView{ConfirmationNumber: "RL-42", Rate: 6.375},
		"terms":    []int{30, 45},
	}

	out, err := Render("Hi ${{borrower.first_name}}, lock ${{ lock.confirmation_number }} at ${{lock.rate}}% (${{terms}})", scope)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ana, lock RL-42 at 6.375% ([30,45])", out)

	plain, err := Render("no references", scope)
	require.NoError(t, err)
	assert.Equal(t, "no references", plain)
	assert.False(t, HasReferences(plain))
	assert.True(t, HasReferences("${{lock}}"))
}

func TestRender_Errors(t *testing.T) {
	scope := TemplateScope{"lock": map[string]any{"rate": 6.5}}

	for name, tmpl := range map[string]string{
		"unclosed":          "${{lock.rate",
		"empty":             "${{ }}",
		"unknown namespace": "${{case.id}}",
		"missing field":     "${{lock.fee}}",
		"scalar traversal":  "${{lock.rate.value}}",
		"empty segment":     "${{lock..rate}}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Render(tmpl, scope)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), err)
		})
	}
}
