package streaming

import (
	"context"
	"time"

	"github.com/rendis/lockflow/pkg/schema"
)

// TransitionEvent is a committed rate-lock status change.
type TransitionEvent struct {
	LoanLockID        string            `json:"loan_lock_id"`
	LoanApplicationID string            `json:"loan_application_id"`
	From              schema.LockStatus `json:"from,omitempty"`
	To                schema.LockStatus `json:"to"`
	Version           int64             `json:"version"`
	At                time.Time         `json:"at"`
}

// EventFilter specifies which transitions a subscriber wants to receive.
type EventFilter struct {
	LoanLockID string              `json:"loan_lock_id,omitempty"`
	ToStates   []schema.LockStatus `json:"to_states,omitempty"`
}

// EventHub provides live pub/sub of committed transitions. It is a watch
// feed only; the record store stays the source of truth.
type EventHub interface {
	Publish(ctx context.Context, event TransitionEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan TransitionEvent, func(), error)
}
