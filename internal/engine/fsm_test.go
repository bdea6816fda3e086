package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

func TestValidateLockTransition_AllEdges(t *testing.T) {
	valid := []struct{ from, to schema.LockStatus }{
		{schema.LockStatusPendingRequest, schema.LockStatusUnderReview},
		{schema.LockStatusPendingRequest, schema.LockStatusCancelled},
		{schema.LockStatusUnderReview, schema.LockStatusRateOptionsPresented},
		{schema.LockStatusUnderReview, schema.LockStatusCancelled},
		{schema.LockStatusRateOptionsPresented, schema.LockStatusLocked},
		{schema.LockStatusRateOptionsPresented, schema.LockStatusCancelled},
		{schema.LockStatusLocked, schema.LockStatusExpired},
		{schema.LockStatusLocked, schema.LockStatusCancelled},
	}
	validSet := map[[2]schema.LockStatus]bool{}
	for _, e := range valid {
		require.NoError(t, ValidateLockTransition(e.from, e.to), "%s -> %s", e.from, e.to)
		validSet[[2]schema.LockStatus{e.from, e.to}] = true
	}

	// Every other pair is rejected.
	for _, from := range schema.AllLockStatuses {
		for _, to := range schema.AllLockStatuses {
			if validSet[[2]schema.LockStatus{from, to}] {
				continue
			}
			err := ValidateLockTransition(from, to)
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
		}
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(schema.LockStatusExpired))
	assert.True(t, IsTerminal(schema.LockStatusCancelled))
	assert.False(t, IsTerminal(schema.LockStatusLocked))
	assert.False(t, IsTerminal(schema.LockStatusPendingRequest))
}

func TestAtOrPast(t *testing.T) {
	tests := []struct {
		current, target schema.LockStatus
		want            bool
	}{
		{schema.LockStatusLocked, schema.LockStatusRateOptionsPresented, true},
		{schema.LockStatusUnderReview, schema.LockStatusUnderReview, true},
		{schema.LockStatusUnderReview, schema.LockStatusRateOptionsPresented, false},
		{schema.LockStatusCancelled, schema.LockStatusUnderReview, true},
		{schema.LockStatusExpired, schema.LockStatusCancelled, true},
		{schema.LockStatusLocked, schema.LockStatusExpired, false},
		{schema.LockStatusPendingRequest, schema.LockStatusCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AtOrPast(tt.current, tt.target), "%s vs %s", tt.current, tt.target)
	}
}

func TestIsValidWalk(t *testing.T) {
	assert.True(t, IsValidWalk([]schema.LockStatus{
		schema.LockStatusPendingRequest, schema.LockStatusUnderReview,
		schema.LockStatusRateOptionsPresented, schema.LockStatusLocked, schema.LockStatusExpired,
	}))
	assert.False(t, IsValidWalk([]schema.LockStatus{
		schema.LockStatusPendingRequest, schema.LockStatusLocked,
	}))
	assert.False(t, IsValidWalk([]schema.LockStatus{schema.LockStatusUnderReview}))
	assert.True(t, IsValidWalk(nil))
}

func TestValidateCaseTransition(t *testing.T) {
	require.NoError(t, ValidateCaseTransition(schema.CaseStatusOpen, schema.CaseStatusAssigned))
	require.NoError(t, ValidateCaseTransition(schema.CaseStatusAssigned, schema.CaseStatusResolved))

	err := ValidateCaseTransition(schema.CaseStatusResolved, schema.CaseStatusOpen)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	err = ValidateCaseTransition(schema.CaseStatusOpen, schema.CaseStatusResolved)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestLockFSM_CommittedRunsMatchingHooks(t *testing.T) {
	fsm := NewLockFSM()
	var mu sync.Mutex
	var calls []string
	record := func(name string) TransitionHook {
		return func(_ context.Context, _ *store.RateLockRecord, from, to schema.LockStatus) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
			return nil
		}
	}
	fsm.OnAfter(schema.LockStatusRateOptionsPresented, schema.LockStatusLocked, record("exact"))
	fsm.OnAfter("", schema.LockStatusLocked, record("any-to-locked"))
	fsm.OnAfter("", "", record("all"))
	fsm.OnAfter(schema.LockStatusLocked, schema.LockStatusExpired, record("never"))

	err := fsm.Committed(context.Background(), &store.RateLockRecord{},
		schema.LockStatusRateOptionsPresented, schema.LockStatusLocked)
	require.NoError(t, err)
	assert.Equal(t, []string{"exact", "any-to-locked", "all"}, calls)
}

func TestLockFSM_CommittedReturnsFirstError(t *testing.T) {
	fsm := NewLockFSM()
	ran := 0
	fsm.OnAfter("", "", func(context.Context, *store.RateLockRecord, schema.LockStatus, schema.LockStatus) error {
		ran++
		return errors.New("hub closed")
	})
	fsm.OnAfter("", "", func(context.Context, *store.RateLockRecord, schema.LockStatus, schema.LockStatus) error {
		ran++
		return nil
	})

	err := fsm.Committed(context.Background(), &store.RateLockRecord{}, schema.LockStatusLocked, schema.LockStatusExpired)
	assert.EqualError(t, err, "hub closed")
	assert.Equal(t, 2, ran)
}

func TestTriggerFor(t *testing.T) {
	assert.Equal(t, schema.MsgContextRequested, TriggerFor(schema.LockStatusUnderReview))
	assert.Equal(t, schema.MsgContextRetrieved, TriggerFor(schema.LockStatusRateOptionsPresented))
	assert.Equal(t, schema.MsgCompliancePassed, TriggerFor(schema.LockStatusLocked))
	assert.Equal(t, schema.MsgLockExpired, TriggerFor(schema.LockStatusExpired))
	assert.Equal(t, schema.MsgCancellationRequested, TriggerFor(schema.LockStatusCancelled))
	assert.Empty(t, TriggerFor(schema.LockStatusPendingRequest))
}
