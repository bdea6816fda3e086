package stages

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/lockflow/internal/channel"
	"github.com/rendis/lockflow/internal/collaborators"
	"github.com/rendis/lockflow/internal/engine"
	"github.com/rendis/lockflow/internal/exceptions"
	"github.com/rendis/lockflow/internal/expressions"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/internal/validation"
	"github.com/rendis/lockflow/pkg/schema"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakePricing struct {
	mu      sync.Mutex
	options []store.RateOption
	err     error
	calls   int
	now     func() time.Time
}

func (p *fakePricing) GetQuotes(_ context.Context, rec *store.RateLockRecord) (*collaborators.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	now := p.now()
	opts := make([]store.RateOption, len(p.options))
	copy(opts, p.options)
	return &collaborators.Quote{
		QuoteID:   "Q-" + rec.ID[:8],
		QuotedAt:  now,
		ExpiresAt: now.Add(4 * time.Hour),
		Options:   opts,
	}, nil
}

type fakeCompliance struct {
	mu      sync.Mutex
	results []schema.CheckResult
	err     error
	calls   int
}

func (c *fakeCompliance) set(results ...schema.CheckResult) {
	c.mu.Lock()
	c.results = results
	c.mu.Unlock()
}

func (c *fakeCompliance) Evaluate(context.Context, *store.RateLockRecord) ([]schema.CheckResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	out := make([]schema.CheckResult, len(c.results))
	copy(out, c.results)
	return out, nil
}

func passingChecks() []schema.CheckResult {
	return []schema.CheckResult{
		{Name: "disclosures_present", Status: schema.CheckPass},
		{Name: "trid", Status: schema.CheckPass},
		{Name: "state_requirements", Status: schema.CheckWarning, Detail: "state-specific lock requirements pending"},
	}
}

func failingChecks() []schema.CheckResult {
	return []schema.CheckResult{
		{Name: "disclosures_present", Status: schema.CheckFail, Detail: "required disclosures missing"},
		{Name: "trid", Status: schema.CheckPass},
	}
}

func testOptions() []store.RateOption {
	return []store.RateOption{
		{ProductCode: "30YR_FIXED", TermDays: 30, Rate: 6.25, APR: 6.375, MonthlyPayment: 2155.01},
		{ProductCode: "30YR_FIXED", TermDays: 45, Rate: 6.375, APR: 6.5, MonthlyPayment: 2183.54, LockFee: 125},
		{ProductCode: "30YR_FIXED", TermDays: 60, Rate: 6.5, APR: 6.625, MonthlyPayment: 2212.24, LockFee: 250},
	}
}

func loanContext(appID string) *store.LoanContext {
	closing := t0.AddDate(0, 0, 40)
	return &store.LoanContext{
		LoanApplicationID: appID,
		Borrower:          &store.BorrowerInfo{Name: "Ana Diaz", Email: "ana@example.com", CreditScore: 720},
		Property: &store.PropertyInfo{
			Address: "12 Harbor Way", State: "CA", Type: "single_family", Occupancy: "primary", AppraisedValue: 500000,
		},
		Loan: &store.LoanInfo{
			Amount: 350000, Type: "conventional", Status: "underwritten",
			LoanOfficerName: "Sam Reyes", LoanOfficerEmail: "officer@example.com",
			EstimatedClosingDate: &closing,
			DisclosuresProvided:  true, DisclosuresCurrent: true, TRIDCompliant: true, StateRequirementsMet: true,
		},
	}
}

func requestJSON(appID string, termDays int) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"loan_application_id": appID,
		"borrower_name":       "Ana Diaz",
		"borrower_email":      "ana@example.com",
		"requested_term_days": termDays,
		"loan_amount":         350000,
		"loan_type":           "conventional",
	})
	return raw
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	clock      *testClock
	store      *store.MemoryStore
	ch         *channel.MemoryChannel
	deps       *Deps
	runner     *Runner
	ops        *Operations
	notifier   *collaborators.RecordingNotifier
	los        *collaborators.StaticLOS
	pricing    *fakePricing
	compliance *fakeCompliance
	policy     engine.RetryPolicy
	validator  *validation.ContractValidator
	logger     *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &testClock{now: t0}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemoryStore()
	policy := engine.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, ConflictRetries: 5}

	coord := engine.NewCoordinator(s, nil, policy, logger)
	coord.SetClock(clk.Now)
	cases := exceptions.NewService(s, exceptions.DefaultSLA(), logger)
	cases.SetClock(clk.Now)

	h := &harness{
		t:          t,
		ctx:        context.Background(),
		clock:      clk,
		store:      s,
		notifier:   collaborators.NewRecordingNotifier(),
		los:        collaborators.NewStaticLOS(loanContext("APP-1")),
		pricing:    &fakePricing{options: testOptions(), now: clk.Now},
		compliance: &fakeCompliance{results: passingChecks()},
		policy:     policy,
		logger:     logger,
	}
	h.deps = &Deps{
		Coordinator: coord,
		Collaborators: collaborators.Set{
			Interpreter: collaborators.NewJQInterpreter(nil, nil),
			LOS:         h.los,
			Pricing:     h.pricing,
			Compliance:  h.compliance,
			Notifier:    h.notifier,
		},
		Cases:       cases,
		Rules:       expressions.NewExprEngine(),
		Eligibility: DefaultEligibilityRules,
		Logger:      logger,
		Now:         clk.Now,
	}

	ch, err := channel.NewMemoryChannel(channel.DefaultTopology(policy.MaxAttempts, time.Minute),
		channel.WithDeadLetterHook(DeadLetterHook(h.deps)),
		channel.WithClock(clk.Now))
	require.NoError(t, err)
	h.ch = ch

	v, err := validation.NewContractValidator(nil)
	require.NoError(t, err)
	h.validator = v

	h.useDispatcher(NewStandardDispatcher(h.deps))
	h.ops = NewOperations(h.deps, ch, v)
	return h
}

func (h *harness) useDispatcher(disp *Dispatcher) {
	h.runner = NewRunner(h.ch, disp, h.validator, h.notifier, h.store, RunnerConfig{
		Workers:      4,
		BatchSize:    8,
		PollInterval: 5 * time.Millisecond,
		Policy:       h.policy,
	}, h.logger)
	h.runner.SetClock(h.clock.Now)
}

func (h *harness) drain() int {
	h.t.Helper()
	n, err := h.runner.Drain(h.ctx)
	require.NoError(h.t, err)
	return n
}

func (h *harness) submit(appID string, termDays int) *schema.Message {
	h.t.Helper()
	msg, err := h.ops.Submit(h.ctx, requestJSON(appID, termDays), "")
	require.NoError(h.t, err)
	return msg
}

// lockApplication submits and drains one request and returns the record.
func (h *harness) lockApplication(appID string, termDays int) *store.RateLockRecord {
	h.t.Helper()
	msg := h.submit(appID, termDays)
	h.drain()
	return h.record(LockIDFor(msg))
}

func (h *harness) record(id string) *store.RateLockRecord {
	h.t.Helper()
	rec, err := h.store.GetRecord(h.ctx, id)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) cases(lockID string) []*store.ExceptionCase {
	h.t.Helper()
	cases, err := h.store.ListCases(h.ctx, store.CaseFilter{LoanLockID: lockID})
	require.NoError(h.t, err)
	return cases
}

func (h *harness) auditActions(lockID string) map[string]int {
	h.t.Helper()
	entries, err := h.store.ListAudit(h.ctx, store.AuditFilter{LoanLockID: lockID})
	require.NoError(h.t, err)
	out := make(map[string]int)
	for _, e := range entries {
		out[e.Action]++
	}
	return out
}

func (h *harness) sentTemplates() map[string]int {
	out := make(map[string]int)
	for _, n := range h.notifier.Sent() {
		out[n.Template]++
	}
	return out
}

func (h *harness) publish(msg *schema.Message) {
	h.t.Helper()
	require.NoError(h.t, h.ch.Publish(h.ctx, msg))
}

func statuses(rec *store.RateLockRecord) []schema.LockStatus {
	var out []schema.LockStatus
	for _, a := range rec.Audit {
		if a.FromState == a.ToState && a.FromState != "" {
			continue
		}
		out = append(out, a.ToState)
	}
	return out
}
