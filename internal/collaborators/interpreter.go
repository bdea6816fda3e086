package collaborators

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rendis/lockflow/internal/expressions"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// Intake field names.
const (
	FieldLoanApplicationID = "loan_application_id"
	FieldBorrowerName      = "borrower_name"
	FieldBorrowerEmail     = "borrower_email"
	FieldRequestedTermDays = "requested_term_days"
	FieldLoanAmount        = "loan_amount"
	FieldLoanType          = "loan_type"
	FieldPropertyAddress   = "property_address"
	FieldSource            = "source"
)

// DefaultIntakeFields maps each intake field to the jq expression that
// extracts it. Structured keys win; free-text email bodies are scanned as
// a fallback.
var DefaultIntakeFields = map[string]string{
	FieldLoanApplicationID: `.loan_application_id // .application_id // .loan_id // ((.body // "") | capture("loan (application )?(id|number|#):? *(?<id>[A-Za-z0-9-]+)"; "i") | .id)`,
	FieldBorrowerName:      `.borrower_name // .borrower.name // .from_name`,
	FieldBorrowerEmail:     `.borrower_email // .borrower.email // .from`,
	FieldRequestedTermDays: `.requested_term_days // .lock_term_days // ((.body // "") | capture("(?<d>[0-9]+)[- ]?day"; "i") | .d | tonumber)`,
	FieldLoanAmount:        `.loan_amount // .loan.amount`,
	FieldLoanType:          `.loan_type // .loan.type`,
	FieldPropertyAddress:   `.property_address // .property.address`,
	FieldSource:            `.source // "api"`,
}

// JQInterpreter extracts intake fields from a raw JSON request with jq.
type JQInterpreter struct {
	engine *expressions.GoJQEngine
	fields map[string]string
	now    func() time.Time
}

// NewJQInterpreter creates an interpreter. fields overrides entries of
// DefaultIntakeFields.
func NewJQInterpreter(engine *expressions.GoJQEngine, fields map[string]string) *JQInterpreter {
	merged := make(map[string]string, len(DefaultIntakeFields))
	for k, v := range DefaultIntakeFields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	if engine == nil {
		engine = expressions.NewGoJQEngine()
	}
	return &JQInterpreter{engine: engine, fields: merged, now: func() time.Time { return time.Now().UTC() }}
}

// Parse runs every field expression. Missing fields are left zero; the
// intake stage decides which ones are required.
func (i *JQInterpreter) Parse(ctx context.Context, raw json.RawMessage) (*ParsedRequest, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "request is not a JSON object: %s", err.Error()).WithCause(err)
	}

	values := make(map[string]any, len(i.fields))
	for name, expr := range i.fields {
		v, err := i.engine.Evaluate(ctx, expr, doc)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "extract %s: %s", name, err.Error()).WithCause(err)
		}
		values[name] = v
	}

	req := &store.LockRequest{
		BorrowerName:      asString(values[FieldBorrowerName]),
		BorrowerEmail:     asString(values[FieldBorrowerEmail]),
		RequestedTermDays: int(math.Round(asFloat(values[FieldRequestedTermDays]))),
		LoanAmount:        asFloat(values[FieldLoanAmount]),
		LoanType:          asString(values[FieldLoanType]),
		PropertyAddress:   asString(values[FieldPropertyAddress]),
		Source:            asString(values[FieldSource]),
		Fields:            doc,
		ReceivedAt:        i.now(),
	}
	return &ParsedRequest{
		LoanApplicationID: asString(values[FieldLoanApplicationID]),
		Request:           req,
	}, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f
		}
	}
	return 0
}
