package stages

import (
	"context"

	"github.com/rendis/lockflow/internal/engine"
	"github.com/rendis/lockflow/internal/exceptions"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// ComplianceStage reviews the quoted record. It writes the report without
// moving the record; the follow-on is compliance_passed when no check
// failed and compliance_failed otherwise.
type ComplianceStage struct {
	deps *Deps
}

// NewComplianceHandler creates the compliance-review handler.
func NewComplianceHandler(d *Deps) Handler {
	return newTransitionHandler(d, &ComplianceStage{deps: d})
}

func (s *ComplianceStage) Name() string { return StageCompliance }

func (s *ComplianceStage) Apply(ctx context.Context, rec *store.RateLockRecord, _ *schema.Message) (schema.LockStatus, error) {
	// A failed review may be re-run once the deficiency is cured. A passed
	// one is final.
	if rec.Compliance != nil && rec.Compliance.Status != schema.CheckFail {
		return "", engine.ErrAlreadyApplied
	}
	checks, err := s.deps.Collaborators.Compliance.Evaluate(ctx, rec)
	if err != nil {
		return "", stageErr(err, StageCompliance)
	}
	outcome := engine.AggregateCompliance(checks)
	rec.Compliance = &store.ComplianceSection{
		Status:      outcome.Status,
		Checks:      checks,
		Exceptions:  outcome.Warnings,
		EvaluatedAt: s.deps.now(),
	}
	return rec.Status, nil
}

func (s *ComplianceStage) FollowOn(rec *store.RateLockRecord, msg *schema.Message) ([]*schema.Message, error) {
	outcome := engine.AggregateCompliance(rec.Compliance.Checks)
	if outcome.Proceed() {
		next, err := msg.Follow(schema.MsgCompliancePassed, rec.ID, rec.LoanApplicationID, schema.LockStatusRateOptionsPresented,
			map[string]any{"status": string(outcome.Status), "warnings": len(outcome.Warnings)})
		if err != nil {
			return nil, err
		}
		return []*schema.Message{next}, nil
	}

	entered := rec.StateEnteredAt
	failures := make([]map[string]any, 0, len(outcome.Failures))
	for _, f := range outcome.Failures {
		failures = append(failures, map[string]any{"name": f.Name, "detail": f.Detail})
	}
	next, err := msg.Follow(schema.MsgComplianceFailed, rec.ID, rec.LoanApplicationID, "", schema.ExceptionPayload{
		Stage:           StageCompliance,
		Reason:          "compliance checks failed: " + joinChecks(outcome.Failures),
		Code:            schema.ErrCodeComplianceFailed,
		Type:            exceptions.TypeComplianceFailure,
		Blocking:        true,
		Attempt:         msg.Attempt,
		CurrentStatus:   rec.Status,
		StateEnteredAt:  &entered,
		OriginalMessage: msg,
		Details:         map[string]any{"failures": failures},
	})
	if err != nil {
		return nil, err
	}
	return []*schema.Message{next}, nil
}
