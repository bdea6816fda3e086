package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/lockflow/internal/collaborators"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/internal/streaming"
)

const notificationMethod = "notifications/message"

// pusher sends a notification to one MCP client session.
type pusher interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// push sends payload to the operator's session.
// Best-effort: returns nil if the operator is not connected.
func push(p pusher, sessions *SessionRegistry, operator string, payload map[string]any) error {
	sessionID, ok := sessions.SessionFor(operator)
	if !ok {
		return nil // operator not connected, best-effort
	}
	err := p.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send, not an error.
		sessions.Remove(sessionID)
		return nil
	}
	return err
}

// MCPNotifier delivers workflow notifications through next and also pushes
// them to the recipient's MCP session when the recipient is a connected
// operator.
type MCPNotifier struct {
	pusher    pusher
	sessions  *SessionRegistry
	next      collaborators.Notifier
	templates map[string]string
}

// NewMCPNotifier creates a notifier that pushes via MCP. A nil next only
// pushes.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, next collaborators.Notifier) *MCPNotifier {
	return &MCPNotifier{
		pusher:    mcpServer,
		sessions:  sessions,
		next:      next,
		templates: collaborators.DefaultTemplates,
	}
}

// Send delivers rec through next, then pushes it best-effort. Only a
// failure of next fails the send.
func (n *MCPNotifier) Send(ctx context.Context, rec store.NotificationRecord) error {
	if n.next != nil {
		if err := n.next.Send(ctx, rec); err != nil {
			return err
		}
	}
	body, err := collaborators.RenderNotification(n.templates, rec)
	if err != nil {
		body = rec.Template
	}
	_ = push(n.pusher, n.sessions, rec.Recipient, map[string]any{
		"kind":            "notification",
		"template":        rec.Template,
		"notification_id": rec.MessageID,
		"body":            body,
	})
	return nil
}

var _ collaborators.Notifier = (*MCPNotifier)(nil)

// forwardTransitions pushes every committed transition to the operators
// watching that lock until events closes or ctx ends.
func (s *LockflowServer) forwardTransitions(ctx context.Context, events <-chan streaming.TransitionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.pushTransition(ev)
		}
	}
}

func (s *LockflowServer) pushTransition(ev streaming.TransitionEvent) {
	payload := map[string]any{
		"kind":                "transition",
		"loan_lock_id":        ev.LoanLockID,
		"loan_application_id": ev.LoanApplicationID,
		"from":                string(ev.From),
		"to":                  string(ev.To),
		"version":             ev.Version,
		"at":                  ev.At,
	}
	for _, operator := range s.sessions.WatchersOf(ev.LoanLockID) {
		if err := push(s.mcpServer, s.sessions, operator, payload); err != nil {
			s.logger.Warn("transition push failed",
				slog.String("operator", operator),
				slog.String("loan_lock_id", ev.LoanLockID),
				slog.String("error", err.Error()))
		}
	}
}
