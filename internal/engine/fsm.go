package engine

import (
	"context"
	"sync"

	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// LockTransitions is the rate-lock state graph. No other edge is legal.
var LockTransitions = map[schema.LockStatus][]schema.LockStatus{
	schema.LockStatusPendingRequest:       {schema.LockStatusUnderReview, schema.LockStatusCancelled},
	schema.LockStatusUnderReview:          {schema.LockStatusRateOptionsPresented, schema.LockStatusCancelled},
	schema.LockStatusRateOptionsPresented: {schema.LockStatusLocked, schema.LockStatusCancelled},
	schema.LockStatusLocked:               {schema.LockStatusExpired, schema.LockStatusCancelled},
}

// CaseTransitions is the exception-case state graph.
var CaseTransitions = map[schema.CaseStatus][]schema.CaseStatus{
	schema.CaseStatusOpen:     {schema.CaseStatusAssigned},
	schema.CaseStatusAssigned: {schema.CaseStatusResolved},
}

// progress orders lock states along the happy path. Terminal states sit
// past everything.
var progress = map[schema.LockStatus]int{
	schema.LockStatusPendingRequest:       0,
	schema.LockStatusUnderReview:          1,
	schema.LockStatusRateOptionsPresented: 2,
	schema.LockStatusLocked:               3,
	schema.LockStatusExpired:              4,
	schema.LockStatusCancelled:            4,
}

// IsTerminal reports whether no edge leaves s.
func IsTerminal(s schema.LockStatus) bool {
	return s == schema.LockStatusExpired || s == schema.LockStatusCancelled
}

// AtOrPast reports whether a record in current has already reached or moved
// beyond target. A terminal record is past every state. A non-terminal
// record is never past a terminal target.
func AtOrPast(current, target schema.LockStatus) bool {
	if current == target || IsTerminal(current) {
		return true
	}
	if IsTerminal(target) {
		return false
	}
	return progress[current] >= progress[target]
}

// ValidateLockTransition returns an INVALID_TRANSITION error unless from->to
// is an edge of LockTransitions.
func ValidateLockTransition(from, to schema.LockStatus) error {
	if isValidLockTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid rate lock transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// ValidateCaseTransition returns an INVALID_TRANSITION error unless from->to
// is an edge of CaseTransitions.
func ValidateCaseTransition(from, to schema.CaseStatus) error {
	for _, a := range CaseTransitions[from] {
		if a == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid exception case transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

func isValidLockTransition(from, to schema.LockStatus) bool {
	for _, a := range LockTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// IsValidWalk reports whether statuses is a walk of the lock graph starting
// at PendingRequest.
func IsValidWalk(statuses []schema.LockStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	if statuses[0] != schema.LockStatusPendingRequest {
		return false
	}
	for i := 1; i < len(statuses); i++ {
		if !isValidLockTransition(statuses[i-1], statuses[i]) {
			return false
		}
	}
	return true
}

// TransitionHook is called after a transition has been committed.
type TransitionHook func(ctx context.Context, rec *store.RateLockRecord, from, to schema.LockStatus) error

type lockHookKey struct {
	from, to schema.LockStatus
}

// LockFSM validates lock transitions and fans committed ones out to hooks.
// An empty status in a hook key matches any state.
type LockFSM struct {
	mu    sync.RWMutex
	after map[lockHookKey][]TransitionHook
}

// NewLockFSM creates a LockFSM with no hooks.
func NewLockFSM() *LockFSM {
	return &LockFSM{after: make(map[lockHookKey][]TransitionHook)}
}

// OnAfter registers a hook for committed from->to transitions.
func (f *LockFSM) OnAfter(from, to schema.LockStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := lockHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Validate checks the edge without side effects.
func (f *LockFSM) Validate(from, to schema.LockStatus) error {
	return ValidateLockTransition(from, to)
}

// Committed runs every hook matching from->to. All hooks run; the first
// error is returned.
func (f *LockFSM) Committed(ctx context.Context, rec *store.RateLockRecord, from, to schema.LockStatus) error {
	f.mu.RLock()
	var hooks []TransitionHook
	for _, key := range []lockHookKey{{from, to}, {"", to}, {from, ""}, {"", ""}} {
		hooks = append(hooks, f.after[key]...)
	}
	f.mu.RUnlock()

	var first error
	for _, hook := range hooks {
		if err := hook(ctx, rec, from, to); err != nil && first == nil {
			first = err
		}
	}
	return first
}
