package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// AuditHandler persists audit events and lock outcomes into the
// append-only audit log. Appends are idempotent by message ID.
type AuditHandler struct {
	deps *Deps
}

// NewAuditHandler creates the audit sink.
func NewAuditHandler(d *Deps) *AuditHandler { return &AuditHandler{deps: d} }

func (h *AuditHandler) Name() string { return StageAudit }

func (h *AuditHandler) sink() {}

func (h *AuditHandler) Handle(ctx context.Context, msg *schema.Message) (*Outcome, error) {
	entry, err := h.entryFor(msg)
	if err != nil {
		return nil, err
	}
	if _, err := h.deps.store().AppendAudit(ctx, entry); err != nil {
		return nil, err
	}
	return &Outcome{}, nil
}

func (h *AuditHandler) entryFor(msg *schema.Message) (*store.AuditLogEntry, error) {
	entry := &store.AuditLogEntry{
		MessageID:     msg.ID,
		LoanLockID:    msg.LoanLockID,
		CorrelationID: msg.CorrelationID,
		Timestamp:     msg.CreatedAt,
	}
	switch msg.Type {
	case schema.MsgAuditEvent:
		var p schema.AuditPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}
		entry.Action = p.Action
		entry.Actor = p.Actor
		entry.FromState = p.FromState
		entry.ToState = p.ToState
		entry.Detail = p.Detail
		if !p.Timestamp.IsZero() {
			entry.Timestamp = p.Timestamp
		}
		if p.CorrelationID != "" {
			entry.CorrelationID = p.CorrelationID
		}
	case schema.MsgLockConfirmed:
		var p lockConfirmedPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}
		entry.Action = string(msg.Type)
		entry.Actor = StageLock
		entry.ToState = schema.LockStatusLocked
		entry.Detail = fmt.Sprintf("confirmation %s at %.3f%% for %d days", p.ConfirmationNumber, p.Rate, p.TermDays)
	case schema.MsgComplianceFailed, schema.MsgExceptionOccurred:
		var p schema.ExceptionPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}
		entry.Action = string(msg.Type)
		entry.Actor = p.Stage
		entry.FromState = p.CurrentStatus
		entry.ToState = p.CurrentStatus
		entry.Detail = p.Reason
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "audit does not record %s", msg.Type).WithStage(StageAudit)
	}
	return entry, nil
}

// Transition is one committed status change.
type Transition struct {
	From      schema.LockStatus `json:"from,omitempty"`
	To        schema.LockStatus `json:"to"`
	Actor     string            `json:"actor"`
	MessageID string            `json:"message_id,omitempty"`
	At        time.Time         `json:"at"`
}

// Compliance assessments of an audit report.
const (
	ComplianceNotChecked   = "NO_CHECKS_PERFORMED"
	ComplianceNonCompliant = "NON_COMPLIANT"
	ComplianceWithWarnings = "COMPLIANT_WITH_WARNINGS"
	ComplianceFull         = "FULLY_COMPLIANT"
)

// AuditReport summarizes a rate lock's history.
type AuditReport struct {
	LoanLockID        string                       `json:"loan_lock_id"`
	LoanApplicationID string                       `json:"loan_application_id"`
	Status            schema.LockStatus            `json:"status"`
	Version           int64                        `json:"version"`
	Transitions       []Transition                 `json:"transitions"`
	TimeInState       map[schema.LockStatus]string `json:"time_in_state"`
	Actions           map[string]int               `json:"actions"`
	Actors            map[string]int               `json:"actors"`
	Compliance        string                       `json:"compliance"`
	Exceptions        []*store.ExceptionCase       `json:"exceptions,omitempty"`
	Entries           []*store.AuditLogEntry       `json:"entries"`
	Start             time.Time                    `json:"start"`
	End               time.Time                    `json:"end"`
	Closure           *store.Closure               `json:"closure,omitempty"`

	timeInState map[schema.LockStatus]time.Duration
}

// Duration returns the time the record spent in status.
func (r *AuditReport) Duration(status schema.LockStatus) time.Duration {
	return r.timeInState[status]
}

// BuildAuditReport assembles the report for lockID from the record's own
// history, the system audit log and its exception cases. Time in the
// current state runs until now.
func BuildAuditReport(ctx context.Context, s store.Store, lockID string, now time.Time) (*AuditReport, error) {
	rec, err := s.GetRecord(ctx, lockID)
	if err != nil {
		return nil, err
	}
	entries, err := s.ListAudit(ctx, store.AuditFilter{LoanLockID: lockID})
	if err != nil {
		return nil, err
	}
	cases, err := s.ListCases(ctx, store.CaseFilter{LoanLockID: lockID})
	if err != nil {
		return nil, err
	}

	r := &AuditReport{
		LoanLockID:        rec.ID,
		LoanApplicationID: rec.LoanApplicationID,
		Status:            rec.Status,
		Version:           rec.Version,
		TimeInState:       make(map[schema.LockStatus]string),
		Actions:           make(map[string]int),
		Actors:            make(map[string]int),
		Exceptions:        cases,
		Entries:           entries,
		Start:             rec.CreatedAt,
		End:               now,
		Closure:           rec.Closure,
		timeInState:       make(map[schema.LockStatus]time.Duration),
	}

	var enteredAt time.Time
	current := schema.LockStatus("")
	for _, a := range rec.Audit {
		if a.FromState == a.ToState && a.FromState != "" {
			continue
		}
		if current != "" {
			r.timeInState[current] += a.Timestamp.Sub(enteredAt)
		}
		r.Transitions = append(r.Transitions, Transition{
			From: a.FromState, To: a.ToState, Actor: a.Actor, MessageID: a.MessageID, At: a.Timestamp,
		})
		current, enteredAt = a.ToState, a.Timestamp
	}
	if current != "" {
		end := now
		if rec.Closure != nil && !rec.Closure.At.IsZero() {
			end = rec.Closure.At
			r.End = end
		}
		if current == rec.Status && end.After(enteredAt) {
			r.timeInState[current] += end.Sub(enteredAt)
		}
	}
	for st, d := range r.timeInState {
		r.TimeInState[st] = d.String()
	}

	for _, e := range entries {
		r.Actions[e.Action]++
		r.Actors[e.Actor]++
	}
	r.Compliance = assessCompliance(rec)
	return r, nil
}

func assessCompliance(rec *store.RateLockRecord) string {
	if rec.Compliance == nil || len(rec.Compliance.Checks) == 0 {
		return ComplianceNotChecked
	}
	switch rec.Compliance.Status {
	case schema.CheckFail:
		return ComplianceNonCompliant
	case schema.CheckWarning:
		return ComplianceWithWarnings
	default:
		return ComplianceFull
	}
}

// MarshalIndent renders the report for operators.
func (r *AuditReport) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
