package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// stubStage moves the record to target and emits one follow-on message
// whose ID is derived from the cause.
type stubStage struct {
	target  schema.LockStatus
	applies atomic.Int32
	before  func(n int32)
}

func (s *stubStage) Name() string { return "stub" }

func (s *stubStage) Apply(_ context.Context, rec *store.RateLockRecord, _ *schema.Message) (schema.LockStatus, error) {
	n := s.applies.Add(1)
	if s.before != nil {
		s.before(n)
	}
	return s.target, nil
}

func (s *stubStage) FollowOn(rec *store.RateLockRecord, msg *schema.Message) ([]*schema.Message, error) {
	next, err := msg.Follow(schema.MsgAuditEvent, rec.ID, rec.LoanApplicationID, rec.Status, nil)
	if err != nil {
		return nil, err
	}
	return []*schema.Message{next}, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	policy := DefaultRetryPolicy()
	return NewCoordinator(s, nil, policy, nil), s
}

func seed(t *testing.T, c *Coordinator, appID string) *store.RateLockRecord {
	t.Helper()
	rec := &store.RateLockRecord{ID: uuid.NewString(), LoanApplicationID: appID}
	msg, err := schema.NewMessage(schema.MsgNewRequest, "", appID, "", nil)
	require.NoError(t, err)
	require.NoError(t, c.Create(context.Background(), rec, msg, "intake"))
	return rec
}

func msgFor(t *testing.T, typ schema.MessageType, rec *store.RateLockRecord, expected schema.LockStatus) *schema.Message {
	t.Helper()
	m, err := schema.NewMessage(typ, rec.ID, rec.LoanApplicationID, expected, nil)
	require.NoError(t, err)
	return m
}

func TestCoordinator_CreateStartsPending(t *testing.T) {
	c, s := newTestCoordinator(t)
	rec := seed(t, c, "LA-001")

	got, err := s.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.LockStatusPendingRequest, got.Status)
	assert.Equal(t, int64(1), got.Version)
	require.Len(t, got.Audit, 1)
	assert.Equal(t, "created", got.Audit[0].Action)
}

func TestCoordinator_ProceedAdvancesOnce(t *testing.T) {
	c, s := newTestCoordinator(t)
	rec := seed(t, c, "LA-001")
	stage := &stubStage{target: schema.LockStatusUnderReview}
	msg := msgFor(t, schema.MsgContextRequested, rec, schema.LockStatusPendingRequest)

	res, err := c.Apply(context.Background(), msg, stage)
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, res.Decision)
	assert.True(t, res.Transitioned())
	assert.Equal(t, schema.LockStatusPendingRequest, res.From)
	assert.Equal(t, schema.LockStatusUnderReview, res.To)
	require.Len(t, res.FollowOn, 1)

	got, _ := s.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, msg.ID, got.LastMessageID)
	require.Len(t, got.Audit, 2)
	assert.Equal(t, schema.LockStatusPendingRequest, got.Audit[1].FromState)
	assert.Equal(t, schema.LockStatusUnderReview, got.Audit[1].ToState)
}

func TestCoordinator_RedeliveryReplaysWithoutWriting(t *testing.T) {
	c, s := newTestCoordinator(t)
	rec := seed(t, c, "LA-001")
	stage := &stubStage{target: schema.LockStatusUnderReview}
	msg := msgFor(t, schema.MsgContextRequested, rec, schema.LockStatusPendingRequest)

	first, err := c.Apply(context.Background(), msg, stage)
	require.NoError(t, err)

	redelivered := *msg
	redelivered.Attempt = 2
	second, err := c.Apply(context.Background(), &redelivered, stage)
	require.NoError(t, err)

	assert.Equal(t, DecisionReplay, second.Decision)
	assert.False(t, second.Transitioned())
	assert.Equal(t, int32(1), stage.applies.Load(), "stage work must not run twice")
	require.Len(t, second.FollowOn, 1)
	assert.Equal(t, first.FollowOn[0].Type, second.FollowOn[0].Type)

	got, _ := s.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, int64(2), got.Version)
}

func TestCoordinator_StaleMessageDropped(t *testing.T) {
	c, s := newTestCoordinator(t)
	rec := seed(t, c, "LA-001")
	ctx := context.Background()

	for _, step := range []struct {
		typ  schema.MessageType
		from schema.LockStatus
		to   schema.LockStatus
	}{
		{schema.MsgContextRequested, schema.LockStatusPendingRequest, schema.LockStatusUnderReview},
		{schema.MsgContextRetrieved, schema.LockStatusUnderReview, schema.LockStatusRateOptionsPresented},
		{schema.MsgCompliancePassed, schema.LockStatusRateOptionsPresented, schema.LockStatusLocked},
	} {
		_, err := c.Apply(ctx, msgFor(t, step.typ, rec, step.from), &stubStage{target: step.to})
		require.NoError(t, err)
	}

	stage := &stubStage{target: schema.LockStatusRateOptionsPresented}
	stale := msgFor(t, schema.MsgContextRetrieved, rec, schema.LockStatusUnderReview)
	res, err := c.Apply(ctx, stale, stage)
	require.NoError(t, err)
	assert.Equal(t, DecisionDrop, res.Decision)
	assert.Nil(t, res.Violation)
	assert.Empty(t, res.FollowOn)
	assert.Zero(t, stage.applies.Load())

	got, _ := s.GetRecord(ctx, rec.ID)
	assert.Equal(t, schema.LockStatusLocked, got.Status)
	assert.Equal(t, int64(4), got.Version)
}

func TestCoordinator_OutOfOrderRejected(t *testing.T) {
	c, s := newTestCoordinator(t)
	rec := seed(t, c, "LA-001")

	stage := &stubStage{target: schema.LockStatusLocked}
	early := msgFor(t, schema.MsgCompliancePassed, rec, schema.LockStatusRateOptionsPresented)
	res, err := c.Apply(context.Background(), early, stage)
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, res.Decision)
	require.Error(t, res.Violation)
	assert.True(t, schema.HasCode(res.Violation, schema.ErrCodeInvalidTransition))
	assert.Zero(t, stage.applies.Load())

	got, _ := s.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, int64(1), got.Version)
}

func TestCoordinator_StageChoosingIllegalEdgeFails(t *testing.T) {
	c, s := newTestCoordinator(t)
	rec := seed(t, c, "LA-001")

	_, err := c.Apply(context.Background(),
		msgFor(t, schema.MsgContextRequested, rec, schema.LockStatusPendingRequest),
		&stubStage{target: schema.LockStatusLocked})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	got, _ := s.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, schema.LockStatusPendingRequest, got.Status)
}

func TestCoordinator_ConflictRereadTurnsIntoDrop(t *testing.T) {
	c, s := newTestCoordinator(t)
	rec := seed(t, c, "LA-001")
	ctx := context.Background()

	stage := &stubStage{target: schema.LockStatusUnderReview}
	stage.before = func(n int32) {
		if n != 1 {
			return
		}
		// A competing worker wins the race for the same transition.
		winner, err := s.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		winner.Status = schema.LockStatusUnderReview
		require.NoError(t, s.PutIfVersion(ctx, winner, winner.Version))
	}

	res, err := c.Apply(ctx, msgFor(t, schema.MsgContextRequested, rec, schema.LockStatusPendingRequest), stage)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, DecisionDrop, res.Decision)

	got, _ := s.GetRecord(ctx, rec.ID)
	assert.Equal(t, int64(2), got.Version)
}

func TestCoordinator_ConcurrentWritersOneTransition(t *testing.T) {
	c, s := newTestCoordinator(t)
	rec := seed(t, c, "LA-001")
	ctx := context.Background()

	const workers = 10
	var proceeded, dropped atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, _ := schema.NewMessage(schema.MsgContextRequested, rec.ID, rec.LoanApplicationID, schema.LockStatusPendingRequest, nil)
			res, err := c.Apply(ctx, m, &stubStage{target: schema.LockStatusUnderReview})
			if err != nil {
				return
			}
			switch res.Decision {
			case DecisionProceed:
				proceeded.Add(1)
			case DecisionDrop:
				dropped.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), proceeded.Load())
	assert.Equal(t, int32(workers-1), dropped.Load())

	got, _ := s.GetRecord(ctx, rec.ID)
	assert.Equal(t, int64(2), got.Version)
	statuses := []schema.LockStatus{}
	for _, a := range got.Audit {
		statuses = append(statuses, a.ToState)
	}
	assert.True(t, IsValidWalk(statuses))
}

func TestCoordinator_AfterHookSeesCommittedRecord(t *testing.T) {
	s := store.NewMemoryStore()
	fsm := NewLockFSM()
	var seen []int64
	fsm.OnAfter(schema.LockStatusPendingRequest, schema.LockStatusUnderReview,
		func(_ context.Context, rec *store.RateLockRecord, _, _ schema.LockStatus) error {
			seen = append(seen, rec.Version)
			return nil
		})
	c := NewCoordinator(s, fsm, DefaultRetryPolicy(), nil)
	rec := seed(t, c, "LA-001")

	_, err := c.Apply(context.Background(),
		msgFor(t, schema.MsgContextRequested, rec, schema.LockStatusPendingRequest),
		&stubStage{target: schema.LockStatusUnderReview})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, seen)
}

func TestClaimFor(t *testing.T) {
	rec := &store.RateLockRecord{ID: "lock-1", LoanApplicationID: "LA-1"}

	claim, err := ClaimFor(msgFor(t, schema.MsgRatesPresented, rec, schema.LockStatusRateOptionsPresented))
	require.NoError(t, err)
	assert.True(t, claim.SelfWrite())

	_, err = ClaimFor(msgFor(t, schema.MsgAuditEvent, rec, schema.LockStatusLocked))
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	_, err = ClaimFor(msgFor(t, schema.MsgContextRequested, rec, ""))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = ClaimFor(msgFor(t, schema.MsgLockExpired, rec, schema.LockStatusUnderReview))
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	claim, err = ClaimFor(msgFor(t, schema.MsgCancellationRequested, rec, schema.LockStatusLocked))
	require.NoError(t, err)
	assert.Equal(t, schema.LockStatusCancelled, claim.To)
}
