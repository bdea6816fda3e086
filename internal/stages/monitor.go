package stages

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/lockflow/internal/collaborators"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// CancellationPayload is carried by cancellation_requested.
type CancellationPayload struct {
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// MonitorStage closes records: lock_expired moves Locked -> Expired once
// the lock has run out, cancellation_requested moves any active record to
// Cancelled along a legal edge.
type MonitorStage struct {
	deps *Deps
}

// NewMonitorHandler creates the lifecycle-monitor handler.
func NewMonitorHandler(d *Deps) Handler {
	return newTransitionHandler(d, &MonitorStage{deps: d})
}

func (s *MonitorStage) Name() string { return StageMonitor }

func (s *MonitorStage) Apply(_ context.Context, rec *store.RateLockRecord, msg *schema.Message) (schema.LockStatus, error) {
	now := s.deps.now()
	switch msg.Type {
	case schema.MsgLockExpired:
		d := rec.LockDetails
		if d == nil || d.LockExpirationDate == nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "rate lock %s has no expiration date", rec.ID).
				WithStage(StageMonitor)
		}
		if now.Before(*d.LockExpirationDate) {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "rate lock %s does not expire until %s",
				rec.ID, d.LockExpirationDate.Format(time.RFC3339)).WithStage(StageMonitor)
		}
		rec.Closure = &store.Closure{
			Status: schema.LockStatusExpired,
			Reason: "lock period ended",
			Stage:  StageMonitor,
			At:     now,
		}
		queueNotification(rec, msg, borrowerEmail(rec), collaborators.TemplateLockExpired, now)
		queueNotification(rec, msg, loanOfficerEmail(rec), collaborators.TemplateLockExpired, now)
		return schema.LockStatusExpired, nil

	case schema.MsgCancellationRequested:
		var p CancellationPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return "", schema.NewErrorf(schema.ErrCodeValidation, "decode cancellation: %s", err.Error()).
					WithStage(StageMonitor).WithCause(err)
			}
		}
		if p.Reason == "" {
			p.Reason = "cancelled on request"
		}
		rec.Closure = &store.Closure{
			Status:      schema.LockStatusCancelled,
			Reason:      p.Reason,
			Code:        schema.ErrCodeCancelled,
			Stage:       StageMonitor,
			RequestedBy: p.RequestedBy,
			At:          now,
		}
		queueNotification(rec, msg, borrowerEmail(rec), collaborators.TemplateCancelled, now)
		return schema.LockStatusCancelled, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "monitor does not handle %s", msg.Type).WithStage(StageMonitor)
}

func (s *MonitorStage) FollowOn(*store.RateLockRecord, *schema.Message) ([]*schema.Message, error) {
	return nil, nil
}
