package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lockflow/internal/channel"
	"github.com/rendis/lockflow/internal/collaborators"
	"github.com/rendis/lockflow/internal/engine"
	"github.com/rendis/lockflow/internal/exceptions"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

func TestFlow_HappyPathLocks(t *testing.T) {
	h := newHarness(t)
	rec := h.lockApplication("APP-1", 45)

	assert.Equal(t, schema.LockStatusLocked, rec.Status)
	assert.Equal(t, []schema.LockStatus{
		schema.LockStatusPendingRequest,
		schema.LockStatusUnderReview,
		schema.LockStatusRateOptionsPresented,
		schema.LockStatusLocked,
	}, statuses(rec))
	assert.True(t, engine.IsValidWalk(statuses(rec)))
	assert.Equal(t, int64(5), rec.Version)

	require.NotNil(t, rec.LockDetails)
	require.NotNil(t, rec.LockDetails.LockedOption)
	assert.Equal(t, 45, rec.LockDetails.LockedOption.TermDays)
	assert.Equal(t, t0.AddDate(0, 0, 45), *rec.LockDetails.LockExpirationDate)
	assert.True(t, strings.HasPrefix(rec.LockDetails.ConfirmationNumber, "CNF20260302-"))
	assert.Equal(t, schema.CheckWarning, rec.Compliance.Status)
	assert.Equal(t, "ana@example.com", rec.Borrower.Email)

	assert.Equal(t, map[string]int{
		ActionCreated:                      1,
		string(schema.MsgContextRequested): 1,
		string(schema.MsgContextRetrieved): 1,
		string(schema.MsgRatesPresented):   1,
		string(schema.MsgCompliancePassed): 1,
		string(schema.MsgLockConfirmed):    1,
	}, h.auditActions(rec.ID))
	assert.Empty(t, h.cases(rec.ID))
	assert.Equal(t, map[string]int{collaborators.TemplateLockConfirmed: 2}, h.sentTemplates())

	for _, sub := range []string{channel.SubIntake, channel.SubContext, channel.SubRates,
		channel.SubCompliance, channel.SubLock, channel.SubExceptions, channel.SubAudit} {
		assert.Zero(t, h.ch.Pending(sub), sub)
	}
}

func TestFlow_ComplianceFailureHoldsAndOpensBlockingCase(t *testing.T) {
	h := newHarness(t)
	h.compliance.set(failingChecks()...)

	rec := h.lockApplication("APP-1", 45)
	assert.Equal(t, schema.LockStatusRateOptionsPresented, rec.Status)
	assert.Equal(t, schema.CheckFail, rec.Compliance.Status)

	cases := h.cases(rec.ID)
	require.Len(t, cases, 1)
	c := cases[0]
	assert.Equal(t, exceptions.TypeComplianceFailure, c.Type)
	assert.Equal(t, exceptions.StageComplianceReview, c.Stage)
	assert.True(t, c.Blocking)
	assert.Equal(t, schema.PriorityHigh, c.Priority)
	assert.Equal(t, schema.DestinationSpecialist, c.Destination)
	assert.Equal(t, schema.CaseStatusOpen, c.Status)
	assert.Equal(t, 1, h.auditActions(rec.ID)[string(schema.MsgComplianceFailed)])

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, collaborators.TemplateCaseOpened, sent[0].Template)
	assert.Equal(t, string(schema.DestinationSpecialist), sent[0].Recipient)

	// Once cured, a fresh review moves the record on.
	h.compliance.set(passingChecks()...)
	review, err := schema.NewMessage(schema.MsgRatesPresented, rec.ID, rec.LoanApplicationID, schema.LockStatusRateOptionsPresented, nil)
	require.NoError(t, err)
	h.publish(review)
	h.drain()

	assert.Equal(t, schema.LockStatusLocked, h.record(rec.ID).Status)
	assert.Equal(t, 2, h.compliance.calls)
}

func TestFlow_PassedReviewIsFinal(t *testing.T) {
	h := newHarness(t)
	// No lock handler, so the record waits in RateOptionsPresented with a
	// passing review.
	disp := NewDispatcher()
	disp.Register(channel.SubIntake, NewIntakeHandler(h.deps), schema.MsgNewRequest)
	disp.Register(channel.SubContext, NewContextHandler(h.deps), schema.MsgContextRequested)
	disp.Register(channel.SubRates, NewRatesHandler(h.deps), schema.MsgContextRetrieved)
	disp.Register(channel.SubCompliance, NewComplianceHandler(h.deps), schema.MsgRatesPresented)
	disp.Register(channel.SubAudit, NewAuditHandler(h.deps), schema.MsgAuditEvent)
	h.useDispatcher(disp)

	rec := h.lockApplication("APP-1", 45)
	require.Equal(t, schema.LockStatusRateOptionsPresented, rec.Status)
	require.Equal(t, schema.CheckWarning, rec.Compliance.Status)

	again, err := schema.NewMessage(schema.MsgRatesPresented, rec.ID, rec.LoanApplicationID, schema.LockStatusRateOptionsPresented, nil)
	require.NoError(t, err)
	h.publish(again)
	h.drain()

	assert.Equal(t, 1, h.compliance.calls)
	assert.Equal(t, rec.Version, h.record(rec.ID).Version)
	assert.Equal(t, 1, h.auditActions(rec.ID)[ActionDuplicateDropped])
}

func TestFlow_StaleMessageAfterLockIsDropped(t *testing.T) {
	h := newHarness(t)
	rec := h.lockApplication("APP-1", 45)

	stale, err := schema.NewMessage(schema.MsgCompliancePassed, rec.ID, rec.LoanApplicationID, schema.LockStatusRateOptionsPresented, nil)
	require.NoError(t, err)
	h.publish(stale)
	h.drain()

	after := h.record(rec.ID)
	assert.Equal(t, schema.LockStatusLocked, after.Status)
	assert.Equal(t, rec.Version, after.Version)
	assert.Equal(t, 1, h.auditActions(rec.ID)[ActionDuplicateDropped])
	assert.Empty(t, h.cases(rec.ID))
	assert.Equal(t, 2, h.sentTemplates()[collaborators.TemplateLockConfirmed])
}

func TestFlow_ReplayReemitsSameFollowOns(t *testing.T) {
	h := newHarness(t)
	rec := h.lockApplication("APP-1", 45)

	redelivered := &schema.Message{
		ID:                  rec.LastMessageID,
		Type:                schema.MsgCompliancePassed,
		LoanLockID:          rec.ID,
		LoanApplicationID:   rec.LoanApplicationID,
		ExpectedSourceState: schema.LockStatusRateOptionsPresented,
		Attempt:             2,
		CorrelationID:       correlationOf(rec),
		CreatedAt:           t0,
	}
	out, err := NewLockHandler(h.deps).Handle(h.ctx, redelivered)
	require.NoError(t, err)

	assert.Equal(t, engine.DecisionReplay, out.Decision)
	assert.Equal(t, rec.Version, h.record(rec.ID).Version)
	require.Len(t, out.Publish, 2)
	assert.Equal(t, schema.MsgLockConfirmed, out.Publish[0].Type)
	assert.Equal(t, schema.DeriveID(redelivered.ID, string(schema.MsgLockConfirmed)), out.Publish[0].ID)
	assert.Equal(t, schema.MsgAuditEvent, out.Publish[1].Type)
	assert.Len(t, out.Notify, 2)

	// The channel already saw these IDs, so nothing new is delivered.
	for _, m := range out.Publish {
		h.publish(m)
	}
	assert.Zero(t, h.drain())
}

func TestFlow_StaleCancellationIsRejected(t *testing.T) {
	h := newHarness(t)
	rec := h.lockApplication("APP-1", 45)

	msg, err := schema.NewMessage(schema.MsgCancellationRequested, rec.ID, rec.LoanApplicationID, schema.LockStatusUnderReview,
		CancellationPayload{Reason: "borrower withdrew"})
	require.NoError(t, err)
	h.publish(msg)
	h.drain()

	after := h.record(rec.ID)
	assert.Equal(t, schema.LockStatusLocked, after.Status)
	assert.Equal(t, rec.Version, after.Version)

	cases := h.cases(rec.ID)
	require.Len(t, cases, 1)
	assert.Equal(t, exceptions.TypeInvalidTransition, cases[0].Type)
	assert.Equal(t, schema.ErrCodeInvalidTransition, cases[0].Code)
	assert.True(t, cases[0].Blocking)
	assert.Equal(t, schema.DestinationSupervisor, cases[0].Destination)
	assert.Equal(t, 1, h.auditActions(rec.ID)[ActionInvalidTransition])
}

func TestFlow_CancelFromLocked(t *testing.T) {
	h := newHarness(t)
	rec := h.lockApplication("APP-1", 45)

	_, err := h.ops.Cancel(h.ctx, rec.ID, "borrower withdrew", "officer@example.com")
	require.NoError(t, err)
	h.drain()

	after := h.record(rec.ID)
	assert.Equal(t, schema.LockStatusCancelled, after.Status)
	require.NotNil(t, after.Closure)
	assert.Equal(t, "borrower withdrew", after.Closure.Reason)
	assert.Equal(t, "officer@example.com", after.Closure.RequestedBy)
	assert.Equal(t, schema.ErrCodeCancelled, after.Closure.Code)
	assert.Equal(t, 1, h.sentTemplates()[collaborators.TemplateCancelled])

	_, err = h.ops.Cancel(h.ctx, rec.ID, "again", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	// The application is free for a new lock cycle.
	next := h.lockApplication("APP-1", 30)
	assert.NotEqual(t, rec.ID, next.ID)
	assert.Equal(t, schema.LockStatusLocked, next.Status)
}

func TestFlow_SweepExpiresLocks(t *testing.T) {
	h := newHarness(t)
	rec := h.lockApplication("APP-1", 30)

	msgs, err := h.ops.SweepExpired(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	h.clock.Advance(30 * 24 * time.Hour)
	msgs, err = h.ops.SweepExpired(h.ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, rec.ID, msgs[0].LoanLockID)
	h.drain()

	after := h.record(rec.ID)
	assert.Equal(t, schema.LockStatusExpired, after.Status)
	assert.Equal(t, schema.LockStatusExpired, after.Closure.Status)
	assert.Equal(t, 2, h.sentTemplates()[collaborators.TemplateLockExpired])

	msgs, err = h.ops.SweepExpired(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFlow_ConcurrentSweepsExpireOnce(t *testing.T) {
	h := newHarness(t)
	rec := h.lockApplication("APP-1", 30)
	casesBefore := len(h.cases(rec.ID))
	dropsBefore := h.auditActions(rec.ID)[ActionDuplicateDropped]
	h.clock.Advance(30 * 24 * time.Hour)

	var (
		wg    sync.WaitGroup
		swept atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := h.ops.SweepExpired(h.ctx)
			assert.NoError(t, err)
			swept.Add(int32(len(msgs)))
		}()
	}
	wg.Wait()
	require.Equal(t, int32(2), swept.Load(), "both sweeps see the record still locked")
	h.drain()

	after := h.record(rec.ID)
	assert.Equal(t, schema.LockStatusExpired, after.Status)
	assert.Equal(t, rec.Version+1, after.Version)
	expired := 0
	for _, a := range after.Audit {
		if a.ToState == schema.LockStatusExpired {
			expired++
		}
	}
	assert.Equal(t, 1, expired)
	assert.Equal(t, dropsBefore+1, h.auditActions(rec.ID)[ActionDuplicateDropped])
	assert.Len(t, h.cases(rec.ID), casesBefore, "a dropped duplicate opens no case")
	assert.Equal(t, 2, h.sentTemplates()[collaborators.TemplateLockExpired])
}

func TestFlow_PrematureExpiryRaisesException(t *testing.T) {
	h := newHarness(t)
	rec := h.lockApplication("APP-1", 45)

	msg, err := schema.NewMessage(schema.MsgLockExpired, rec.ID, rec.LoanApplicationID, schema.LockStatusLocked, nil)
	require.NoError(t, err)
	h.publish(msg)
	h.drain()

	assert.Equal(t, schema.LockStatusLocked, h.record(rec.ID).Status)
	cases := h.cases(rec.ID)
	require.Len(t, cases, 1)
	assert.Equal(t, schema.ErrCodeValidation, cases[0].Code)
	assert.Equal(t, StageMonitor, cases[0].Stage)
	assert.Equal(t, exceptions.TypeValidationFailure, cases[0].Type)
}

func TestFlow_UnknownApplicationIsCancelled(t *testing.T) {
	h := newHarness(t)
	rec := h.lockApplication("APP-404", 45)

	assert.Equal(t, schema.LockStatusCancelled, rec.Status)
	require.NotNil(t, rec.Closure)
	assert.Equal(t, schema.ErrCodeNotFound, rec.Closure.Code)
	assert.Equal(t, exceptions.TypeValidationFailure, rec.Closure.Type)
	assert.Equal(t, StageContext, rec.Closure.Stage)

	cases := h.cases(rec.ID)
	require.Len(t, cases, 1)
	assert.Equal(t, exceptions.TypeValidationFailure, cases[0].Type)
	assert.Equal(t, StageContext, cases[0].Stage)
	assert.Equal(t, schema.DestinationSupervisor, cases[0].Destination)

	sent := h.sentTemplates()
	assert.Equal(t, 1, sent[collaborators.TemplateCancelled])
	assert.Equal(t, 1, sent[collaborators.TemplateCaseOpened])
}

func TestFlow_IneligibleCreditIsCancelled(t *testing.T) {
	h := newHarness(t)
	lc := loanContext("APP-2")
	lc.Borrower.CreditScore = 550
	h.los.Put(lc)

	rec := h.lockApplication("APP-2", 45)
	assert.Equal(t, schema.LockStatusCancelled, rec.Status)
	assert.Equal(t, exceptions.TypeCreditIssue, rec.Closure.Type)

	cases := h.cases(rec.ID)
	require.Len(t, cases, 1)
	assert.Equal(t, exceptions.TypeCreditIssue, cases[0].Type)
}

func TestFlow_NoRateOptionsCancels(t *testing.T) {
	h := newHarness(t)
	h.pricing.options = nil

	rec := h.lockApplication("APP-1", 45)
	assert.Equal(t, schema.LockStatusCancelled, rec.Status)
	assert.Equal(t, exceptions.TypePricingAnomaly, rec.Closure.Type)
	assert.Equal(t, StageRates, rec.Closure.Stage)
	require.Len(t, h.cases(rec.ID), 1)
}

func TestFlow_PricingOutageIsRetried(t *testing.T) {
	h := newHarness(t)
	h.pricing.err = schema.NewError(schema.ErrCodeIntegration, "pricing engine unavailable")

	rec := h.lockApplication("APP-1", 45)
	assert.Equal(t, schema.LockStatusUnderReview, rec.Status)
	assert.Empty(t, h.cases(rec.ID))

	h.pricing.mu.Lock()
	h.pricing.err = nil
	h.pricing.mu.Unlock()
	h.clock.Advance(2 * time.Second)
	h.drain()

	assert.Equal(t, schema.LockStatusLocked, h.record(rec.ID).Status)
	assert.Equal(t, 2, h.pricing.calls)
}

func TestFlow_DuplicateSubmissionIsDropped(t *testing.T) {
	h := newHarness(t)
	first := h.submit("APP-1", 45)
	h.submit("APP-1", 45)
	h.drain()

	recs, err := h.store.QueryRecords(h.ctx, store.RecordFilter{LoanApplicationID: "APP-1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, LockIDFor(first), recs[0].ID)
	assert.Equal(t, schema.LockStatusLocked, recs[0].Status)
	assert.Equal(t, 1, h.auditActions(recs[0].ID)[ActionDuplicateDropped])
}

func TestFlow_ConflictingSubmissionOpensDuplicateCase(t *testing.T) {
	h := newHarness(t)
	rec := h.lockApplication("APP-1", 45)
	h.submit("APP-1", 60)
	h.drain()

	recs, err := h.store.QueryRecords(h.ctx, store.RecordFilter{LoanApplicationID: "APP-1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)

	cases, err := h.store.ListCases(h.ctx, store.CaseFilter{})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, exceptions.TypeDuplicateRequest, cases[0].Type)
	assert.Equal(t, StageIntake, cases[0].Stage)
	assert.Equal(t, "APP-1", cases[0].LoanApplicationID)
}

func TestRunner_NotificationFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.notifier.FailWith(errors.New("smtp unavailable"))

	rec := h.lockApplication("APP-1", 45)
	assert.Equal(t, schema.LockStatusLocked, rec.Status)
	assert.Empty(t, h.notifier.Sent())
	assert.Equal(t, 1, h.ch.Pending(channel.SubLock))

	h.notifier.FailWith(nil)
	h.clock.Advance(2 * time.Second)
	h.drain()

	assert.Equal(t, map[string]int{collaborators.TemplateLockConfirmed: 2}, h.sentTemplates())
	assert.Equal(t, rec.Version, h.record(rec.ID).Version)
	assert.Zero(t, h.ch.Pending(channel.SubLock))
}

type failingSink struct {
	calls atomic.Int32
}

func (f *failingSink) Name() string { return StageAudit }
func (f *failingSink) sink()        {}

func (f *failingSink) Handle(context.Context, *schema.Message) (*Outcome, error) {
	f.calls.Add(1)
	return nil, errors.New("audit log unavailable")
}

func TestRunner_DeadLetterOpensOneCase(t *testing.T) {
	h := newHarness(t)
	fs := &failingSink{}
	disp := NewDispatcher()
	disp.Register(channel.SubAudit, fs, schema.MsgAuditEvent)
	h.useDispatcher(disp)

	msg, err := schema.NewMessage(schema.MsgAuditEvent, "L-1", "APP-1", "", schema.AuditPayload{Action: "note", Actor: "operator"})
	require.NoError(t, err)
	h.publish(msg)

	for i := 0; i < h.policy.MaxAttempts; i++ {
		h.drain()
		h.clock.Advance(time.Minute)
	}
	assert.Equal(t, int32(h.policy.MaxAttempts), fs.calls.Load())

	dls, err := h.ch.DeadLetters(h.ctx, channel.SubAudit)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, h.policy.MaxAttempts, dls[0].DeliveryCount)

	cases, err := h.store.ListCases(h.ctx, store.CaseFilter{})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, schema.ErrCodeDeadLettered, cases[0].Code)
	assert.Equal(t, exceptions.StageDeadLetter, cases[0].Stage)
	assert.Equal(t, msg.ID, cases[0].OriginalMessage.ID)
	assert.Equal(t, 1, h.sentTemplates()[collaborators.TemplateCaseOpened])

	DeadLetterHook(h.deps)(h.ctx, dls[0])
	cases, err = h.store.ListCases(h.ctx, store.CaseFilter{})
	require.NoError(t, err)
	assert.Len(t, cases, 1)
	assert.Equal(t, 1, h.sentTemplates()[collaborators.TemplateCaseOpened])
	assert.Zero(t, h.drain())
}

func TestRunner_UnroutedMessageIsRetriedNotRaised(t *testing.T) {
	h := newHarness(t)
	disp := NewDispatcher()
	disp.Register(channel.SubAudit, NewAuditHandler(h.deps), schema.MsgLockConfirmed)
	h.useDispatcher(disp)

	msg, err := schema.NewMessage(schema.MsgAuditEvent, "L-1", "APP-1", "", schema.AuditPayload{Action: "note", Actor: "operator"})
	require.NoError(t, err)
	h.publish(msg)
	h.drain()

	assert.Zero(t, h.ch.Pending(channel.SubExceptions))
	cases, err := h.store.ListCases(h.ctx, store.CaseFilter{})
	require.NoError(t, err)
	assert.Empty(t, cases)
}

func TestRunner_RunLocksConcurrently(t *testing.T) {
	h := newHarness(t)
	apps := make([]string, 8)
	for i := range apps {
		apps[i] = fmt.Sprintf("APP-%d", 100+i)
		h.los.Put(loanContext(apps[i]))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.runner.Run(ctx)
	}()

	// Every application is submitted twice; only one lock cycle may start.
	for _, app := range apps {
		h.submit(app, 45)
		h.submit(app, 45)
	}

	require.Eventually(t, func() bool {
		for _, app := range apps {
			rec, err := h.store.FindActiveByApplication(context.Background(), app)
			if err != nil || rec.Status != schema.LockStatusLocked {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	for _, app := range apps {
		recs, err := h.store.QueryRecords(context.Background(), store.RecordFilter{LoanApplicationID: app})
		require.NoError(t, err)
		assert.Len(t, recs, 1, app)
	}
	assert.Equal(t, len(apps)*2, h.sentTemplates()[collaborators.TemplateLockConfirmed])
}
