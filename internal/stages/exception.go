package stages

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/rendis/lockflow/internal/channel"
	"github.com/rendis/lockflow/internal/collaborators"
	"github.com/rendis/lockflow/internal/logging"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// ExceptionHandler opens an exception case for every exception_occurred
// and compliance_failed message and notifies the routed destination.
type ExceptionHandler struct {
	deps *Deps
}

// NewExceptionHandler creates the exception-handling sink.
func NewExceptionHandler(d *Deps) *ExceptionHandler { return &ExceptionHandler{deps: d} }

func (h *ExceptionHandler) Name() string { return StageException }

func (h *ExceptionHandler) sink() {}

func (h *ExceptionHandler) Handle(ctx context.Context, msg *schema.Message) (*Outcome, error) {
	var p schema.ExceptionPayload
	if err := msg.DecodePayload(&p); err != nil {
		return nil, err
	}
	c, _, err := h.deps.Cases.Open(ctx, msg, p)
	if err != nil {
		return nil, err
	}
	// The destination is notified on every delivery, including redeliveries
	// of an already opened case.
	return &Outcome{Notify: []store.NotificationRecord{CaseNotification(c, collaborators.TemplateCaseOpened, h.deps.now())}}, nil
}

// CaseNotification addresses a case notification to the case's
// destination. Its ID is stable per case, template and escalation level.
func CaseNotification(c *store.ExceptionCase, template string, now time.Time) store.NotificationRecord {
	return store.NotificationRecord{
		Recipient: string(c.Destination),
		Template:  template,
		Data:      map[string]any{"case": caseData(c)},
		MessageID: schema.DeriveID("case", c.ID, template, strconv.Itoa(c.EscalationLevel)),
		CausedBy:  c.SourceMessageID,
		QueuedAt:  now,
	}
}

func caseData(c *store.ExceptionCase) map[string]any {
	return map[string]any{
		"id":                  c.ID,
		"loan_lock_id":        c.LoanLockID,
		"loan_application_id": c.LoanApplicationID,
		"stage":               c.Stage,
		"type":                c.Type,
		"reason":              c.Reason,
		"priority":            string(c.Priority),
		"complexity":          string(c.Complexity),
		"destination":         string(c.Destination),
		"blocking":            c.Blocking,
		"escalation_level":    c.EscalationLevel,
		"escalation_reason":   c.EscalationReason,
		"recommended_actions": c.RecommendedActions,
	}
}

// DeadLetterHook opens an exception case for each dead-lettered message
// and notifies its destination. Failures are logged; the dead letter
// itself stays queryable on the channel.
func DeadLetterHook(d *Deps) channel.DeadLetterHook {
	return func(ctx context.Context, dl channel.DeadLetter) {
		log := logging.LogWith(logging.WithIDs(ctx, dl.Message.LoanLockID, dl.Message.CorrelationID, StageException), d.logger())
		c, created, err := d.Cases.OpenFromDeadLetter(ctx, dl)
		if err != nil {
			log.Error("open case for dead letter failed",
				slog.String("message_id", dl.Message.ID),
				slog.String("subscription", dl.Subscription),
				slog.String("error", err.Error()))
			return
		}
		if !created {
			return
		}
		if err := d.Collaborators.Notifier.Send(ctx, CaseNotification(c, collaborators.TemplateCaseOpened, d.now())); err != nil {
			log.Warn("dead letter case notification failed",
				slog.String("case_id", c.ID),
				slog.String("error", err.Error()))
		}
	}
}
