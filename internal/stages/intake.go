package stages

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/rendis/lockflow/internal/engine"
	"github.com/rendis/lockflow/internal/exceptions"
	"github.com/rendis/lockflow/internal/logging"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// IntakeHandler turns new_request messages into PendingRequest records.
type IntakeHandler struct {
	deps *Deps
}

// NewIntakeHandler creates the intake handler.
func NewIntakeHandler(d *Deps) *IntakeHandler { return &IntakeHandler{deps: d} }

func (h *IntakeHandler) Name() string { return StageIntake }

// LockIDFor returns the record ID intake assigns for a new_request message.
// Redeliveries of the message map onto the same record.
func LockIDFor(msg *schema.Message) string {
	return schema.DeriveID("rate_lock", msg.ID)
}

func (h *IntakeHandler) Handle(ctx context.Context, msg *schema.Message) (*Outcome, error) {
	parsed, err := h.deps.Collaborators.Interpreter.Parse(ctx, msg.Payload)
	if err != nil {
		return nil, stageErr(err, StageIntake)
	}
	appID := strings.TrimSpace(parsed.LoanApplicationID)
	if appID == "" {
		appID = msg.LoanApplicationID
	}
	req := parsed.Request
	if req == nil {
		req = &store.LockRequest{}
	}
	if err := validateRequest(appID, req); err != nil {
		return nil, err
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = h.deps.now()
	}

	// A concurrent intake of the same application can win the active slot
	// between our check and our insert; the second pass sees its record.
	for pass := 0; ; pass++ {
		out, err := h.admit(ctx, msg, appID, req)
		if schema.HasCode(err, schema.ErrCodeDuplicate) && pass == 0 {
			continue
		}
		return out, err
	}
}

func (h *IntakeHandler) admit(ctx context.Context, msg *schema.Message, appID string, req *store.LockRequest) (*Outcome, error) {
	s := h.deps.store()
	lockID := LockIDFor(msg)

	if rec, err := s.GetRecord(ctx, lockID); err == nil {
		return h.created(rec, msg, engine.DecisionReplay)
	} else if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}

	active, err := s.FindActiveByApplication(ctx, appID)
	switch {
	case err == nil && active.Request.SameTerms(req):
		notice, err := dropNotice(msg, active, StageIntake, h.deps.now())
		if err != nil {
			return nil, err
		}
		return &Outcome{Decision: engine.DecisionDrop, Record: active, Publish: []*schema.Message{notice}}, nil
	case err == nil:
		return nil, withExceptionType(schema.NewErrorf(schema.ErrCodeDuplicate,
			"application %s already has active rate lock %s (%s) with different terms", appID, active.ID, active.Status).
			WithStage(StageIntake).
			WithDetails(map[string]any{"existing_lock_id": active.ID}), exceptions.TypeDuplicateRequest)
	case !schema.HasCode(err, schema.ErrCodeNotFound):
		return nil, err
	}

	rec := &store.RateLockRecord{
		ID:                lockID,
		LoanApplicationID: appID,
		Request:           req,
	}
	if err := h.deps.Coordinator.Create(ctx, rec, msg, StageIntake); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, h.deps.logger()).Info("rate lock request accepted",
		slog.String("loan_lock_id", rec.ID),
		slog.String("loan_application_id", appID))
	return h.created(rec, msg, engine.DecisionProceed)
}

func (h *IntakeHandler) created(rec *store.RateLockRecord, msg *schema.Message, decision engine.Decision) (*Outcome, error) {
	next, err := msg.Follow(schema.MsgContextRequested, rec.ID, rec.LoanApplicationID, schema.LockStatusPendingRequest, nil)
	if err != nil {
		return nil, err
	}
	audit, err := auditMessage(rec, msg)
	if err != nil {
		return nil, err
	}
	return &Outcome{Decision: decision, Record: rec, Publish: []*schema.Message{next, audit}}, nil
}

func validateRequest(appID string, req *store.LockRequest) error {
	var missing []string
	if appID == "" {
		missing = append(missing, "loan_application_id")
	}
	if strings.TrimSpace(req.BorrowerEmail) == "" {
		missing = append(missing, "borrower_email")
	}
	if len(missing) > 0 {
		return withExceptionType(schema.NewErrorf(schema.ErrCodeValidation,
			"request is missing required fields: %s", strings.Join(missing, ", ")).
			WithStage(StageIntake).
			WithDetails(map[string]any{"missing": missing}), exceptions.TypeMissingDocumentation)
	}
	if _, err := mail.ParseAddress(req.BorrowerEmail); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "borrower email %q is invalid", req.BorrowerEmail).
			WithStage(StageIntake).WithCause(err)
	}
	if req.RequestedTermDays < 0 || req.LoanAmount < 0 {
		return schema.NewError(schema.ErrCodeValidation, "requested term and loan amount must not be negative").
			WithStage(StageIntake)
	}
	return nil
}

// stageErr attaches stage to structured errors that do not name one.
func stageErr(err error, stage string) error {
	if le, ok := err.(*schema.LockflowError); ok && le.Stage == "" {
		return le.WithStage(stage)
	}
	return err
}
