package engine

import "github.com/rendis/lockflow/pkg/schema"

// ComplianceOutcome is the aggregated verdict over a compliance report.
type ComplianceOutcome struct {
	Status   schema.CheckStatus
	Warnings []schema.CheckResult
	Failures []schema.CheckResult
}

// Proceed reports whether the lock stage may run.
func (o ComplianceOutcome) Proceed() bool { return o.Status != schema.CheckFail }

// AggregateCompliance applies the gate policy: any FAIL dominates, WARNING
// is advisory, and an empty report passes. A check with an unrecognised
// status counts as a failure.
func AggregateCompliance(checks []schema.CheckResult) ComplianceOutcome {
	out := ComplianceOutcome{Status: schema.CheckPass}
	for _, c := range checks {
		switch c.Status {
		case schema.CheckPass:
		case schema.CheckWarning:
			out.Warnings = append(out.Warnings, c)
		default:
			out.Failures = append(out.Failures, c)
		}
	}
	switch {
	case len(out.Failures) > 0:
		out.Status = schema.CheckFail
	case len(out.Warnings) > 0:
		out.Status = schema.CheckWarning
	}
	return out
}
