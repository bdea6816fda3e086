package collaborators

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/lockflow/internal/expressions"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// ComplianceRule is one CEL check. The expression must evaluate to true for
// the check to pass; otherwise the check takes the rule's severity.
type ComplianceRule struct {
	Name       string             `json:"name" yaml:"name"`
	Expression string             `json:"expression" yaml:"expression"`
	Severity   schema.CheckStatus `json:"severity" yaml:"severity"`
	Detail     string             `json:"detail" yaml:"detail"`
}

// DefaultComplianceRules covers lock timing, disclosures, TRID, state
// requirements, lock fees and loan status eligibility.
var DefaultComplianceRules = []ComplianceRule{
	{
		Name:       "lock_timing",
		Expression: `has(loan.estimated_closing_date) && timestamp(loan.estimated_closing_date) - now >= duration("360h") && timestamp(loan.estimated_closing_date) - now <= duration("2160h")`,
		Severity:   schema.CheckWarning,
		Detail:     "estimated closing date missing or outside 15 to 90 days",
	},
	{
		Name:       "disclosures_present",
		Expression: `loan.disclosures_provided`,
		Severity:   schema.CheckFail,
		Detail:     "required disclosures missing",
	},
	{
		Name:       "disclosures_current",
		Expression: `!loan.disclosures_provided || loan.disclosures_current`,
		Severity:   schema.CheckWarning,
		Detail:     "disclosures are outdated",
	},
	{
		Name:       "trid",
		Expression: `loan.amount < 100000.0 || loan.trid_compliant`,
		Severity:   schema.CheckFail,
		Detail:     "TRID requirements not met",
	},
	{
		Name:       "state_requirements",
		Expression: `loan.state_requirements_met`,
		Severity:   schema.CheckWarning,
		Detail:     "state-specific lock requirements pending",
	},
	{
		Name:       "lock_fees",
		Expression: `!has(lock.rate_options) || lock.rate_options.all(o, o.lock_fee <= 1000.0)`,
		Severity:   schema.CheckWarning,
		Detail:     "lock fee above 1000",
	},
	{
		Name:       "loan_status",
		Expression: `loan.status.lowerAscii() in ["pre-approved", "underwritten", "conditionally_approved", "clear_to_close"]`,
		Severity:   schema.CheckFail,
		Detail:     "loan status not eligible for rate lock",
	},
}

// CELComplianceEvaluator evaluates ComplianceRules with CEL.
type CELComplianceEvaluator struct {
	engine *expressions.CELEngine
	rules  []ComplianceRule
	now    func() time.Time
}

// NewCELComplianceEvaluator compiles every rule up front. A nil rules slice
// uses DefaultComplianceRules.
func NewCELComplianceEvaluator(engine *expressions.CELEngine, rules []ComplianceRule) (*CELComplianceEvaluator, error) {
	if rules == nil {
		rules = DefaultComplianceRules
	}
	for _, r := range rules {
		if r.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "compliance rule name is required")
		}
		if r.Severity != schema.CheckWarning && r.Severity != schema.CheckFail {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"compliance rule %s: severity must be WARNING or FAIL, got %q", r.Name, r.Severity)
		}
		if err := engine.Compile(r.Expression); err != nil {
			return nil, fmt.Errorf("compliance rule %s: %w", r.Name, err)
		}
	}
	return &CELComplianceEvaluator{engine: engine, rules: rules, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SetClock overrides the time bound to `now` in rules.
func (e *CELComplianceEvaluator) SetClock(now func() time.Time) { e.now = now }

// Evaluate returns one result per rule. A rule that errors counts as FAIL.
func (e *CELComplianceEvaluator) Evaluate(ctx context.Context, rec *store.RateLockRecord) ([]schema.CheckResult, error) {
	facts, err := Facts(rec, e.now())
	if err != nil {
		return nil, err
	}

	results := make([]schema.CheckResult, 0, len(e.rules))
	for _, r := range e.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := expressions.EvaluateBool(ctx, e.engine, r.Expression, facts)
		switch {
		case err != nil:
			results = append(results, schema.CheckResult{Name: r.Name, Status: schema.CheckFail, Detail: "rule error: " + err.Error()})
		case ok:
			results = append(results, schema.CheckResult{Name: r.Name, Status: schema.CheckPass})
		default:
			results = append(results, schema.CheckResult{Name: r.Name, Status: r.Severity, Detail: r.Detail})
		}
	}
	return results, nil
}

// Facts flattens a record into the generic maps rules evaluate against:
// request, borrower, property, loan, lock, record and now.
func Facts(rec *store.RateLockRecord, now time.Time) (map[string]any, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record facts: %w", err)
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("unmarshal record facts: %w", err)
	}

	section := func(key string) map[string]any {
		if m, ok := record[key].(map[string]any); ok {
			return m
		}
		return map[string]any{}
	}
	return map[string]any{
		"request":  section("request"),
		"borrower": section("borrower"),
		"property": section("property"),
		"loan":     section("loan"),
		"lock":     section("lock_details"),
		"record":   record,
		"now":      now,
	}, nil
}

var _ ComplianceEvaluator = (*CELComplianceEvaluator)(nil)
