package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rendis/lockflow/internal/channel"
	"github.com/rendis/lockflow/internal/collaborators"
	"github.com/rendis/lockflow/internal/engine"
	"github.com/rendis/lockflow/internal/logging"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/internal/validation"
	"github.com/rendis/lockflow/pkg/schema"
)

// Operations is the operator-facing API shared by the CLI and the MCP
// server. Everything that moves a record goes through the channel; only
// option selection writes the record directly, as a self-write.
type Operations struct {
	deps      *Deps
	ch        channel.Channel
	validator validation.Validator
}

// NewOperations creates the operator API. A nil validator skips contract
// checks on published messages.
func NewOperations(d *Deps, ch channel.Channel, v validation.Validator) *Operations {
	return &Operations{deps: d, ch: ch, validator: v}
}

func (o *Operations) publish(ctx context.Context, msg *schema.Message) error {
	if o.validator != nil {
		if err := o.validator.ValidateMessage(msg); err != nil {
			return err
		}
	}
	return o.ch.Publish(ctx, msg)
}

// Submit publishes a new_request carrying raw. When appID is empty the
// interpreter extracts it from raw.
func (o *Operations) Submit(ctx context.Context, raw json.RawMessage, appID string) (*schema.Message, error) {
	if !json.Valid(raw) {
		return nil, schema.NewError(schema.ErrCodeValidation, "request is not valid JSON")
	}
	if appID == "" {
		parsed, err := o.deps.Collaborators.Interpreter.Parse(ctx, raw)
		if err != nil {
			return nil, err
		}
		appID = parsed.LoanApplicationID
	}
	if appID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "loan application id is required")
	}

	msg, err := schema.NewMessage(schema.MsgNewRequest, "", appID, "", nil)
	if err != nil {
		return nil, err
	}
	msg.Payload = raw
	msg.CorrelationID = msg.ID
	msg.CreatedAt = o.deps.now()
	if err := o.publish(ctx, msg); err != nil {
		return nil, err
	}
	logging.LogWith(logging.WithIDs(ctx, LockIDFor(msg), msg.CorrelationID, StageIntake), o.deps.logger()).
		Info("lock request submitted", slog.String("loan_application_id", appID))
	return msg, nil
}

// Status returns the current record.
func (o *Operations) Status(ctx context.Context, lockID string) (*store.RateLockRecord, error) {
	return o.deps.store().GetRecord(ctx, lockID)
}

// Cancel publishes a cancellation_requested for the record's current
// state. A record that is already closed cannot be cancelled.
func (o *Operations) Cancel(ctx context.Context, lockID, reason, requestedBy string) (*schema.Message, error) {
	rec, err := o.deps.store().GetRecord(ctx, lockID)
	if err != nil {
		return nil, err
	}
	if engine.IsTerminal(rec.Status) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "rate lock %s is already %s", rec.ID, rec.Status).
			WithStage(StageMonitor)
	}
	msg, err := schema.NewMessage(schema.MsgCancellationRequested, rec.ID, rec.LoanApplicationID, rec.Status,
		CancellationPayload{Reason: reason, RequestedBy: requestedBy})
	if err != nil {
		return nil, err
	}
	msg.CorrelationID = correlationOf(rec)
	msg.CreatedAt = o.deps.now()
	if err := o.publish(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SelectOption records the borrower's choice of term on a record that is
// presenting rate options.
func (o *Operations) SelectOption(ctx context.Context, lockID string, termDays int, selectedBy string) (*store.RateLockRecord, error) {
	if selectedBy == "" {
		selectedBy = "operator"
	}
	s := o.deps.store()
	var out *store.RateLockRecord
	op := func() error {
		rec, err := s.GetRecord(ctx, lockID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if rec.Status != schema.LockStatusRateOptionsPresented {
			return backoff.Permanent(schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"rate lock %s is %s, options can only be selected in %s",
				rec.ID, rec.Status, schema.LockStatusRateOptionsPresented))
		}
		if rec.LockDetails == nil || !hasTerm(rec.LockDetails.RateOptions, termDays) {
			return backoff.Permanent(schema.NewErrorf(schema.ErrCodeValidation,
				"rate lock %s has no %d-day option", rec.ID, termDays))
		}
		work := rec.Clone()
		work.LockDetails.SelectedTermDays = termDays
		work.Audit = append(work.Audit, store.AuditEntry{
			Action:        ActionOptionSelected,
			Actor:         selectedBy,
			Timestamp:     o.deps.now(),
			FromState:     rec.Status,
			ToState:       rec.Status,
			CorrelationID: correlationOf(rec),
			Version:       rec.Version + 1,
		})
		if err := s.PutIfVersion(ctx, work, rec.Version); err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = work
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 5), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}

	entry := out.Audit[len(out.Audit)-1]
	msg, err := schema.NewMessage(schema.MsgAuditEvent, out.ID, out.LoanApplicationID, "", schema.AuditPayload{
		Action:        entry.Action,
		Actor:         entry.Actor,
		FromState:     entry.FromState,
		ToState:       entry.ToState,
		Version:       entry.Version,
		Detail:        fmt.Sprintf("selected %d-day option", termDays),
		CorrelationID: entry.CorrelationID,
		Timestamp:     entry.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	msg.ID = schema.DeriveID(out.ID, ActionOptionSelected, strconv.Itoa(out.Version))
	msg.CorrelationID = entry.CorrelationID
	msg.CreatedAt = entry.Timestamp
	if err := o.publish(ctx, msg); err != nil {
		return out, fmt.Errorf("publish audit event: %w", err)
	}
	return out, nil
}

func hasTerm(options []store.RateOption, termDays int) bool {
	for _, o := range options {
		if o.TermDays == termDays {
			return true
		}
	}
	return false
}

// Cases lists exception cases.
func (o *Operations) Cases(ctx context.Context, filter store.CaseFilter) ([]*store.ExceptionCase, error) {
	return o.deps.Cases.List(ctx, filter)
}

// AssignCase hands a case to assignee.
func (o *Operations) AssignCase(ctx context.Context, id, assignee string) (*store.ExceptionCase, error) {
	return o.deps.Cases.Assign(ctx, id, assignee)
}

// ResolveCase closes a case.
func (o *Operations) ResolveCase(ctx context.Context, id, resolution, resolvedBy string) (*store.ExceptionCase, error) {
	return o.deps.Cases.Resolve(ctx, id, resolution, resolvedBy)
}

// Audit builds the audit report for lockID.
func (o *Operations) Audit(ctx context.Context, lockID string) (*AuditReport, error) {
	return BuildAuditReport(ctx, o.deps.store(), lockID, o.deps.now())
}

// SweepExpired publishes lock_expired for every locked record whose lock
// period has ended. Each sweep mints fresh message IDs; a record that has
// already expired drops the duplicate.
func (o *Operations) SweepExpired(ctx context.Context) ([]*schema.Message, error) {
	now := o.deps.now()
	cutoff := now.Add(time.Nanosecond)
	recs, err := o.deps.store().QueryRecords(ctx, store.RecordFilter{
		Statuses:       []schema.LockStatus{schema.LockStatusLocked},
		ExpiringBefore: &cutoff,
	})
	if err != nil {
		return nil, err
	}
	var out []*schema.Message
	for _, rec := range recs {
		msg, err := schema.NewMessage(schema.MsgLockExpired, rec.ID, rec.LoanApplicationID, schema.LockStatusLocked, nil)
		if err != nil {
			return out, err
		}
		msg.CorrelationID = correlationOf(rec)
		msg.CreatedAt = now
		if err := o.publish(ctx, msg); err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	if len(out) > 0 {
		o.deps.logger().Info("expired locks swept", slog.Int("count", len(out)))
	}
	return out, nil
}

// EscalateCases escalates overdue cases and notifies their new
// destinations.
func (o *Operations) EscalateCases(ctx context.Context) ([]*store.ExceptionCase, error) {
	cases, err := o.deps.Cases.EscalateOverdue(ctx)
	if err != nil {
		return cases, err
	}
	now := o.deps.now()
	for _, c := range cases {
		n := CaseNotification(c, collaborators.TemplateCaseEscalated, now)
		if err := o.deps.Collaborators.Notifier.Send(ctx, n); err != nil {
			o.deps.logger().Warn("escalation notification failed",
				slog.String("case_id", c.ID),
				slog.String("error", err.Error()))
		}
	}
	return cases, nil
}

func correlationOf(rec *store.RateLockRecord) string {
	for _, a := range rec.Audit {
		if a.CorrelationID != "" {
			return a.CorrelationID
		}
	}
	return rec.ID
}
