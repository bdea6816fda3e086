// Package stages holds the stage handlers that move a rate lock through its
// lifecycle, the dispatcher that routes channel messages to them, and the
// runner that consumes the channel.
package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/lockflow/internal/collaborators"
	"github.com/rendis/lockflow/internal/engine"
	"github.com/rendis/lockflow/internal/exceptions"
	"github.com/rendis/lockflow/internal/expressions"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// Stage names. They appear as audit actors, exception stages and log
// attributes.
const (
	StageIntake     = schema.StageIntake
	StageContext    = schema.StageContext
	StageRates      = schema.StageRates
	StageCompliance = schema.StageCompliance
	StageLock       = schema.StageLock
	StageMonitor    = schema.StageMonitor
	StageAudit      = schema.StageAudit
	StageException  = schema.StageException
)

// Audit actions that are not message types.
const (
	ActionCreated           = "created"
	ActionDuplicateDropped  = "duplicate_dropped"
	ActionInvalidTransition = "invalid_transition"
	ActionOptionSelected    = "option_selected"
	ActionStageFailed       = "stage_failed"
)

// Handler processes one message. It returns what to publish and notify
// once the message is acknowledged, or an error the runner classifies.
type Handler interface {
	Name() string
	Handle(ctx context.Context, msg *schema.Message) (*Outcome, error)
}

// sink marks handlers that consume side events. A failing sink is always
// retried and finally dead-lettered; it never raises exception messages of
// its own.
type sink interface {
	sink()
}

// Outcome is a handler's result.
type Outcome struct {
	// Decision is set by handlers that drive record transitions.
	Decision engine.Decision
	Record   *store.RateLockRecord
	Publish  []*schema.Message
	Notify   []store.NotificationRecord
}

// Deps are the shared dependencies of the stage handlers.
type Deps struct {
	Coordinator   *engine.Coordinator
	Collaborators collaborators.Set
	Cases         *exceptions.Service
	// Rules is the Expr engine used for eligibility rules.
	Rules       expressions.Engine
	Eligibility []EligibilityRule
	Logger      *slog.Logger
	Now         func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now()
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) store() store.Store {
	return d.Coordinator.Store()
}

// auditMessage builds the audit event for the write msg caused, from the
// record's own audit entry so a replay rebuilds the same payload.
func auditMessage(rec *store.RateLockRecord, msg *schema.Message) (*schema.Message, error) {
	var entry *store.AuditEntry
	for i := len(rec.Audit) - 1; i >= 0; i-- {
		if rec.Audit[i].MessageID == msg.ID {
			entry = &rec.Audit[i]
			break
		}
	}
	if entry == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"record %s has no audit entry for message %s", rec.ID, msg.ID)
	}
	return msg.Follow(schema.MsgAuditEvent, rec.ID, rec.LoanApplicationID, "", schema.AuditPayload{
		Action:        entry.Action,
		Actor:         entry.Actor,
		FromState:     entry.FromState,
		ToState:       entry.ToState,
		Version:       entry.Version,
		Detail:        transitionDetail(entry.FromState, entry.ToState),
		CorrelationID: entry.CorrelationID,
		Timestamp:     entry.Timestamp,
	}, "audit")
}

func transitionDetail(from, to schema.LockStatus) string {
	switch {
	case from == "":
		return fmt.Sprintf("entered %s", to)
	case from == to:
		return fmt.Sprintf("updated in %s", to)
	default:
		return fmt.Sprintf("%s -> %s", from, to)
	}
}

// dropNotice is the only trace a duplicate leaves: one audit event.
func dropNotice(msg *schema.Message, rec *store.RateLockRecord, stage string, now time.Time) (*schema.Message, error) {
	lockID, appID, current := msg.LoanLockID, msg.LoanApplicationID, schema.LockStatus("")
	if rec != nil {
		lockID, appID, current = rec.ID, rec.LoanApplicationID, rec.Status
	}
	return msg.Follow(schema.MsgAuditEvent, lockID, appID, "", schema.AuditPayload{
		Action:        ActionDuplicateDropped,
		Actor:         stage,
		FromState:     msg.ExpectedSourceState,
		ToState:       current,
		Detail:        fmt.Sprintf("%s %s dropped, record already %s", msg.Type, msg.ID, current),
		CorrelationID: msg.CorrelationID,
		Timestamp:     now,
	}, ActionDuplicateDropped)
}

// exceptionPayload describes a failure of stage on msg.
func exceptionPayload(msg *schema.Message, rec *store.RateLockRecord, stage string, err error) schema.ExceptionPayload {
	class := schema.ClassOf(err)
	p := schema.ExceptionPayload{
		Stage:           stage,
		Reason:          err.Error(),
		Code:            schema.CodeOf(err),
		Blocking:        class.IsBlocking(),
		Attempt:         msg.Attempt,
		OriginalMessage: msg,
	}
	if p.Code == "" {
		p.Code = schema.ErrCodeIntegration
	}
	var le *schema.LockflowError
	if errors.As(err, &le) {
		p.Reason = le.Message
		if le.Stage != "" {
			p.Stage = le.Stage
		}
		if typ, ok := le.Details["exception_type"].(string); ok {
			p.Type = typ
		}
		p.Details = le.Details
	}
	if rec != nil {
		p.CurrentStatus = rec.Status
		entered := rec.StateEnteredAt
		p.StateEnteredAt = &entered
	}
	return p
}

// failureMessages are published instead of follow-ons when stage cannot
// handle msg: one exception event, plus an audit entry for invalid
// transitions.
func failureMessages(msg *schema.Message, rec *store.RateLockRecord, stage string, err error, now time.Time) ([]*schema.Message, error) {
	p := exceptionPayload(msg, rec, stage, err)
	lockID, appID := msg.LoanLockID, msg.LoanApplicationID
	if rec != nil {
		lockID, appID = rec.ID, rec.LoanApplicationID
	}

	exc, ferr := msg.Follow(schema.MsgExceptionOccurred, lockID, appID, "", p, "failure")
	if ferr != nil {
		return nil, ferr
	}
	out := []*schema.Message{exc}
	if p.Code == schema.ErrCodeInvalidTransition {
		audit, ferr := msg.Follow(schema.MsgAuditEvent, lockID, appID, "", schema.AuditPayload{
			Action:        ActionInvalidTransition,
			Actor:         stage,
			FromState:     msg.ExpectedSourceState,
			ToState:       p.CurrentStatus,
			Detail:        p.Reason,
			CorrelationID: msg.CorrelationID,
			Timestamp:     now,
		}, ActionInvalidTransition)
		if ferr != nil {
			return nil, ferr
		}
		out = append(out, audit)
	}
	return out, nil
}

// cancel closes rec with a reason. The caller returns Cancelled from Apply.
func cancel(rec *store.RateLockRecord, stage string, err *schema.LockflowError, now time.Time) {
	rec.Closure = &store.Closure{
		Status: schema.LockStatusCancelled,
		Reason: err.Message,
		Code:   err.Code,
		Stage:  stage,
		At:     now,
	}
	if typ, ok := err.Details["exception_type"].(string); ok {
		rec.Closure.Type = typ
	}
}

// closureError rebuilds the error a stage recorded when it closed rec.
func closureError(rec *store.RateLockRecord) *schema.LockflowError {
	c := rec.Closure
	err := schema.NewError(c.Code, c.Reason).WithStage(c.Stage)
	if c.Type != "" {
		err = err.WithDetails(map[string]any{"exception_type": c.Type})
	}
	return err
}

// queueNotification schedules a notification on rec, to be sent after the
// write commits. An empty recipient is skipped.
func queueNotification(rec *store.RateLockRecord, msg *schema.Message, recipient, template string, now time.Time) {
	if recipient == "" {
		return
	}
	rec.Notifications = append(rec.Notifications, store.NotificationRecord{
		Recipient: recipient,
		Template:  template,
		Data:      map[string]any{"lock": lockData(rec)},
		MessageID: schema.DeriveID(msg.ID, "notification", template, recipient),
		CausedBy:  msg.ID,
		QueuedAt:  now,
	})
}

// notificationsFor returns the notifications msg scheduled on rec.
func notificationsFor(rec *store.RateLockRecord, msgID string) []store.NotificationRecord {
	var out []store.NotificationRecord
	for _, n := range rec.Notifications {
		if n.CausedBy == msgID {
			out = append(out, n)
		}
	}
	return out
}

func lockData(rec *store.RateLockRecord) map[string]any {
	data := map[string]any{
		"loan_lock_id":        rec.ID,
		"loan_application_id": rec.LoanApplicationID,
		"status":              string(rec.Status),
	}
	if rec.Borrower != nil {
		data["borrower_name"] = rec.Borrower.Name
	}
	if d := rec.LockDetails; d != nil {
		data["confirmation_number"] = d.ConfirmationNumber
		if o := d.LockedOption; o != nil {
			data["rate"] = o.Rate
			data["apr"] = o.APR
			data["term_days"] = o.TermDays
			data["monthly_payment"] = o.MonthlyPayment
		}
		if d.LockExpirationDate != nil {
			data["expires_at"] = d.LockExpirationDate.Format(time.RFC3339)
		}
	}
	if rec.Closure != nil {
		data["reason"] = rec.Closure.Reason
	}
	return data
}

func borrowerEmail(rec *store.RateLockRecord) string {
	if rec.Borrower != nil && rec.Borrower.Email != "" {
		return rec.Borrower.Email
	}
	if rec.Request != nil {
		return rec.Request.BorrowerEmail
	}
	return ""
}

func loanOfficerEmail(rec *store.RateLockRecord) string {
	if rec.Loan != nil {
		return rec.Loan.LoanOfficerEmail
	}
	return ""
}

func withExceptionType(err *schema.LockflowError, typ string) *schema.LockflowError {
	details := map[string]any{"exception_type": typ}
	for k, v := range err.Details {
		details[k] = v
	}
	return err.WithDetails(details)
}

func joinChecks(checks []schema.CheckResult) string {
	parts := make([]string, 0, len(checks))
	for _, c := range checks {
		if c.Detail != "" {
			parts = append(parts, c.Name+": "+c.Detail)
		} else {
			parts = append(parts, c.Name)
		}
	}
	return strings.Join(parts, "; ")
}
