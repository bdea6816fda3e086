package exceptions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lockflow/internal/channel"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestClassify_ComplianceFailureIsBlockingHighSpecialist(t *testing.T) {
	c := Classify(Input{Stage: StageComplianceReview, Code: schema.ErrCodeComplianceFailed, Now: t0}, DefaultSLA())

	assert.Equal(t, TypeComplianceFailure, c.Type)
	assert.Equal(t, CategoryCompliance, c.Category)
	assert.True(t, c.Blocking)
	assert.Equal(t, schema.PriorityHigh, c.Priority)
	assert.Equal(t, schema.ComplexitySpecialist, c.Complexity)
	assert.Equal(t, schema.DestinationSpecialist, c.Destination)
	assert.Equal(t, 24*time.Hour, c.EstimatedResolution)
}

func TestClassify_Priority(t *testing.T) {
	sla := DefaultSLA()
	tests := []struct {
		name    string
		in      Input
		want    schema.Priority
		entered time.Duration
	}{
		{"advisory early stage", Input{Stage: "rate_quoting", Code: schema.ErrCodeIntegration}, schema.PriorityLow, 0},
		{"compliance stage floor", Input{Stage: StageComplianceReview, Code: schema.ErrCodeIntegration}, schema.PriorityMedium, 0},
		{"lock stage floor", Input{Stage: StageLockExecution, Code: schema.ErrCodeIntegration}, schema.PriorityMedium, 0},
		{"blocking", Input{Stage: "intake", Code: schema.ErrCodeValidation, Blocking: true}, schema.PriorityHigh, 0},
		{"blocking type", Input{Stage: "context_validation", Type: TypeBorrowerEligibility}, schema.PriorityHigh, 0},
		{"stale past medium sla", Input{Stage: "rate_quoting", Code: schema.ErrCodeIntegration}, schema.PriorityMedium, 5 * time.Hour},
		{"stale lock stage", Input{Stage: StageLockExecution, Code: schema.ErrCodeIntegration}, schema.PriorityHigh, 5 * time.Hour},
		{"stale past low sla raises one level", Input{Stage: "rate_quoting", Code: schema.ErrCodeIntegration}, schema.PriorityMedium, 25 * time.Hour},
		{"system error", Input{Stage: "audit", Code: "SOMETHING"}, schema.PriorityHigh, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.Now = t0
			if tt.entered > 0 {
				entered := t0.Add(-tt.entered)
				in.StateEnteredAt = &entered
			}
			assert.Equal(t, tt.want, Classify(in, sla).Priority)
		})
	}
}

func TestComplexityOf(t *testing.T) {
	assert.Equal(t, schema.ComplexitySpecialist, ComplexityOf(TypeRegulatoryInterpretation))
	assert.Equal(t, schema.ComplexitySpecialist, ComplexityOf(TypeComplianceFailure))
	assert.Equal(t, schema.ComplexityComplex, ComplexityOf(TypePricingAnomaly))
	assert.Equal(t, schema.ComplexityComplex, ComplexityOf(TypeInvalidTransition))
	assert.Equal(t, schema.ComplexityComplex, ComplexityOf(TypeComplexLoanScenario))
	assert.Equal(t, schema.ComplexityStandard, ComplexityOf(TypeValidationFailure))
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategoryPricing, CategoryOf(TypePricingAnomaly))
	assert.Equal(t, CategoryUnderwriting, CategoryOf(TypeBorrowerEligibility))
	assert.Equal(t, CategoryTechnical, CategoryOf(TypeSystemError))
	assert.Equal(t, CategoryTechnical, CategoryOf(TypeInvalidTransition))
	assert.Equal(t, CategoryGeneral, CategoryOf(TypeDuplicateRequest))
}

func TestRoute_EveryTriple(t *testing.T) {
	want := map[schema.Complexity]map[schema.Priority][2]schema.Destination{
		// [not blocking, blocking]
		schema.ComplexityStandard: {
			schema.PriorityLow:    {schema.DestinationLoanOfficer, schema.DestinationLoanOfficer},
			schema.PriorityMedium: {schema.DestinationLoanOfficer, schema.DestinationLoanOfficer},
			schema.PriorityHigh:   {schema.DestinationLoanOfficer, schema.DestinationSupervisor},
		},
		schema.ComplexityComplex: {
			schema.PriorityLow:    {schema.DestinationSpecialist, schema.DestinationSpecialist},
			schema.PriorityMedium: {schema.DestinationSpecialist, schema.DestinationSpecialist},
			schema.PriorityHigh:   {schema.DestinationSupervisor, schema.DestinationSupervisor},
		},
		schema.ComplexitySpecialist: {
			schema.PriorityLow:    {schema.DestinationSpecialist, schema.DestinationSpecialist},
			schema.PriorityMedium: {schema.DestinationSpecialist, schema.DestinationSpecialist},
			schema.PriorityHigh:   {schema.DestinationSpecialist, schema.DestinationSpecialist},
		},
	}
	for complexity, byPriority := range want {
		for priority, dest := range byPriority {
			for i, blocking := range []bool{false, true} {
				got := Route(priority, complexity, blocking)
				assert.Equal(t, dest[i], got, "%s/%s/blocking=%v", priority, complexity, blocking)
				assert.Equal(t, got, Route(priority, complexity, blocking))
			}
		}
	}
}

func TestEscalate_RaisesOneLevelPerBreachCappedAtHigh(t *testing.T) {
	sla := DefaultSLA()
	c := &store.ExceptionCase{
		Status:      schema.CaseStatusOpen,
		Priority:    schema.PriorityLow,
		Complexity:  schema.ComplexityStandard,
		Destination: schema.DestinationLoanOfficer,
		CreatedAt:   t0,
	}

	assert.False(t, Escalate(c, t0.Add(23*time.Hour), sla))
	assert.Equal(t, schema.PriorityLow, c.Priority)

	now := t0.Add(25 * time.Hour)
	require.True(t, Escalate(c, now, sla))
	assert.Equal(t, schema.PriorityMedium, c.Priority)
	assert.Equal(t, 1, c.EscalationLevel)
	assert.Equal(t, schema.DestinationSupervisor, c.Destination)
	assert.Contains(t, c.EscalationReason, "Low priority SLA")

	// Measured from the last escalation, not creation.
	assert.False(t, Escalate(c, now.Add(3*time.Hour), sla))

	now = now.Add(5 * time.Hour)
	require.True(t, Escalate(c, now, sla))
	assert.Equal(t, schema.PriorityHigh, c.Priority)
	assert.Equal(t, 2, c.EscalationLevel)
	assert.Equal(t, schema.DestinationSpecialist, c.Destination)

	now = now.Add(3 * time.Hour)
	require.True(t, Escalate(c, now, sla))
	assert.Equal(t, schema.PriorityHigh, c.Priority)
	assert.Equal(t, 3, c.EscalationLevel)
	assert.Equal(t, schema.DestinationSpecialist, c.Destination)
}

func TestEscalate_ResolvedCaseNeverEscalates(t *testing.T) {
	c := &store.ExceptionCase{Status: schema.CaseStatusResolved, Priority: schema.PriorityLow, CreatedAt: t0}
	assert.False(t, Escalate(c, t0.Add(100*time.Hour), DefaultSLA()))
}

func TestSLA_Validate(t *testing.T) {
	require.NoError(t, DefaultSLA().Validate())
	err := SLA{High: time.Hour}.Validate()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestEscalationReasonAndActions(t *testing.T) {
	assert.Equal(t, "Pricing returned no usable options for this loan. Specific issue: no options",
		EscalationReason(TypePricingAnomaly, "no options"))
	assert.Contains(t, EscalationReason("ODD_THING", ""), "ODD_THING")
	assert.NotEmpty(t, RecommendedActions(TypeComplianceFailure))
	assert.Len(t, RecommendedActions("ODD_THING"), 1)
}

func newService(t *testing.T) (*Service, *store.MemoryStore, *time.Time) {
	t.Helper()
	s := store.NewMemoryStore()
	now := t0
	svc := NewService(s, DefaultSLA(), nil)
	svc.SetClock(func() time.Time { return now })
	return svc, s, &now
}

func exceptionMsg(t *testing.T, p schema.ExceptionPayload) *schema.Message {
	t.Helper()
	msg, err := schema.NewMessage(schema.MsgExceptionOccurred, "lock-1", "app-1", "", p)
	require.NoError(t, err)
	return msg
}

func TestService_OpenIsIdempotentBySourceMessage(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	p := schema.ExceptionPayload{
		Stage:    StageComplianceReview,
		Reason:   "disclosures missing",
		Code:     schema.ErrCodeComplianceFailed,
		Blocking: true,
		Attempt:  1,
	}
	msg := exceptionMsg(t, p)

	first, created, err := svc.Open(ctx, msg, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, schema.CaseStatusOpen, first.Status)
	assert.Equal(t, schema.PriorityHigh, first.Priority)
	assert.True(t, first.Blocking)
	assert.Equal(t, "lock-1", first.LoanLockID)
	assert.Equal(t, msg.ID, first.SourceMessageID)
	assert.NotEmpty(t, first.RecommendedActions)

	second, created, err := svc.Open(ctx, msg, p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestService_ConcurrentOpenCreatesOneCase(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()
	p := schema.ExceptionPayload{Stage: "rate_quoting", Code: schema.ErrCodeValidation, Blocking: true}
	msg := exceptionMsg(t, p)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, err := svc.Open(ctx, msg, p)
			if assert.NoError(t, err) {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	cases, err := s.ListCases(ctx, store.CaseFilter{})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	for _, id := range ids {
		assert.Equal(t, cases[0].ID, id)
	}
}

func TestService_OpenFromDeadLetter(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	msg, err := schema.NewMessage(schema.MsgContextRequested, "lock-9", "app-9", schema.LockStatusPendingRequest, nil)
	require.NoError(t, err)
	dl := channel.DeadLetter{Message: msg, Subscription: channel.SubContext, DeliveryCount: 5, Reason: "los down", At: t0}

	c, created, err := svc.OpenFromDeadLetter(ctx, dl)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StageDeadLetter, c.Stage)
	assert.Equal(t, schema.ErrCodeDeadLettered, c.Code)
	assert.Equal(t, TypeSystemError, c.Type)
	assert.Equal(t, schema.PriorityHigh, c.Priority)
	assert.Equal(t, 5, c.Attempt)
	assert.Equal(t, msg.ID, c.OriginalMessage.ID)

	again, created, err := svc.OpenFromDeadLetter(ctx, dl)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ID, again.ID)
}

func TestService_AssignResolveLifecycle(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	p := schema.ExceptionPayload{Stage: "intake", Code: schema.ErrCodeValidation, Blocking: true}
	c, _, err := svc.Open(ctx, exceptionMsg(t, p), p)
	require.NoError(t, err)

	assigned, err := svc.Assign(ctx, c.ID, "ana")
	require.NoError(t, err)
	assert.Equal(t, schema.CaseStatusAssigned, assigned.Status)
	assert.Equal(t, "ana", assigned.Assignee)
	assert.Equal(t, int64(2), assigned.Version)

	reassigned, err := svc.Assign(ctx, c.ID, "ben")
	require.NoError(t, err)
	assert.Equal(t, "ben", reassigned.Assignee)

	resolved, err := svc.Resolve(ctx, c.ID, "corrected email and resubmitted", "ben")
	require.NoError(t, err)
	assert.Equal(t, schema.CaseStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = svc.Assign(ctx, c.ID, "carl")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	_, err = svc.Resolve(ctx, c.ID, "again", "carl")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
}

func TestService_ResolveOpenCaseAssignsResolver(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	p := schema.ExceptionPayload{Stage: "intake", Code: schema.ErrCodeValidation}
	c, _, err := svc.Open(ctx, exceptionMsg(t, p), p)
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, c.ID, "done", "ana")
	require.NoError(t, err)
	assert.Equal(t, "ana", resolved.Assignee)
	assert.Equal(t, schema.CaseStatusResolved, resolved.Status)

	_, err = svc.Resolve(ctx, "missing", "done", "ana")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	_, err = svc.Assign(ctx, c.ID, " ")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestService_EscalateOverdue(t *testing.T) {
	svc, s, now := newService(t)
	ctx := context.Background()

	low := schema.ExceptionPayload{Stage: "rate_quoting", Code: schema.ErrCodeIntegration}
	lowCase, _, err := svc.Open(ctx, exceptionMsg(t, low), low)
	require.NoError(t, err)
	require.Equal(t, schema.PriorityLow, lowCase.Priority)

	high := schema.ExceptionPayload{Stage: "intake", Code: schema.ErrCodeValidation, Blocking: true}
	highCase, _, err := svc.Open(ctx, exceptionMsg(t, high), high)
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, highCase.ID, "fixed", "ana")
	require.NoError(t, err)

	*now = t0.Add(3 * time.Hour)
	escalated, err := svc.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, escalated)

	*now = t0.Add(25 * time.Hour)
	escalated, err = svc.EscalateOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, lowCase.ID, escalated[0].ID)

	stored, err := s.GetCase(ctx, lowCase.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.PriorityMedium, stored.Priority)
	assert.Equal(t, 1, stored.EscalationLevel)
	assert.Equal(t, schema.CaseStatusOpen, stored.Status)

	escalated, err = svc.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, escalated)
}
