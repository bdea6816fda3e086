package collaborators

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/lockflow/internal/expressions"
	"github.com/rendis/lockflow/internal/logging"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// Notification template names.
const (
	TemplateLockConfirmed = "lock_confirmed"
	TemplateLockExpired   = "lock_expired"
	TemplateCancelled     = "lock_cancelled"
	TemplateCaseOpened    = "exception_case_opened"
	TemplateCaseEscalated = "exception_case_escalated"
)

// DefaultTemplates are the notification bodies. References resolve against
// the notification's Data.
var DefaultTemplates = map[string]string{
	TemplateLockConfirmed: "Your rate of ${{lock.rate}}% is locked for ${{lock.term_days}} days until ${{lock.expires_at}}. Confirmation ${{lock.confirmation_number}}.",
	TemplateLockExpired:   "Rate lock ${{lock.confirmation_number}} for application ${{lock.loan_application_id}} has expired.",
	TemplateCancelled:     "Rate lock request for application ${{lock.loan_application_id}} was cancelled: ${{lock.reason}}.",
	TemplateCaseOpened:    "Exception case ${{case.id}} (${{case.priority}}) opened for ${{case.loan_lock_id}}: ${{case.reason}}",
	TemplateCaseEscalated: "Exception case ${{case.id}} escalated to ${{case.destination}} (${{case.priority}}): ${{case.escalation_reason}}",
}

// RenderNotification renders n's template against its data. Unknown
// templates render as the template name.
func RenderNotification(templates map[string]string, n store.NotificationRecord) (string, error) {
	tmpl, ok := templates[n.Template]
	if !ok {
		return n.Template, nil
	}
	return expressions.Render(tmpl, expressions.TemplateScope(n.Data))
}

// LogNotifier renders notifications and writes them to the log.
type LogNotifier struct {
	logger    *slog.Logger
	templates map[string]string
}

// NewLogNotifier creates a LogNotifier. A nil templates map uses
// DefaultTemplates.
func NewLogNotifier(logger *slog.Logger, templates map[string]string) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if templates == nil {
		templates = DefaultTemplates
	}
	return &LogNotifier{logger: logger, templates: templates}
}

func (n *LogNotifier) Send(ctx context.Context, rec store.NotificationRecord) error {
	body, err := RenderNotification(n.templates, rec)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "render %s notification: %s", rec.Template, err.Error()).WithCause(err)
	}
	logging.LogWith(ctx, n.logger).Info("notification sent",
		slog.String("recipient", rec.Recipient),
		slog.String("template", rec.Template),
		slog.String("notification_id", rec.MessageID),
		slog.String("body", body))
	return nil
}

// RecordingNotifier keeps every notification it is asked to send.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []store.NotificationRecord
	err  error
}

// NewRecordingNotifier creates an empty RecordingNotifier.
func NewRecordingNotifier() *RecordingNotifier { return &RecordingNotifier{} }

// FailWith makes subsequent sends return err.
func (n *RecordingNotifier) FailWith(err error) {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
}

func (n *RecordingNotifier) Send(_ context.Context, rec store.NotificationRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, rec)
	return nil
}

// Sent returns a copy of the delivered notifications.
func (n *RecordingNotifier) Sent() []store.NotificationRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]store.NotificationRecord, len(n.sent))
	copy(out, n.sent)
	return out
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*RecordingNotifier)(nil)
)
