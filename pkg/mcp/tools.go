package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/lockflow/internal/diagram"
	"github.com/rendis/lockflow/internal/stages"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// handleSubmit publishes a new lock request.
func (s *LockflowServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	request := mcp.ParseStringMap(req, "request", nil)
	if request == nil {
		return mcp.NewToolResultError("request is required"), nil
	}
	raw, err := json.Marshal(request)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid request: %v", err)), nil
	}

	msg, subErr := s.ops.Submit(ctx, raw, req.GetString("loan_application_id", ""))
	if subErr != nil {
		return toolError("submit failed", subErr), nil
	}

	lockID := stages.LockIDFor(msg)
	s.watch(ctx, req.GetString("operator", ""), lockID)

	return marshalResult(map[string]any{
		"loan_lock_id":        lockID,
		"loan_application_id": msg.LoanApplicationID,
		"message_id":          msg.ID,
		"correlation_id":      msg.CorrelationID,
	})
}

// handleStatus returns the current record.
func (s *LockflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lockID, err := req.RequireString("loan_lock_id")
	if err != nil {
		return mcp.NewToolResultError("loan_lock_id is required"), nil
	}

	rec, statusErr := s.ops.Status(ctx, lockID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	s.watch(ctx, req.GetString("operator", ""), lockID)

	return marshalResult(rec)
}

// handleCancel requests cancellation of a lock.
func (s *LockflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lockID, err := req.RequireString("loan_lock_id")
	if err != nil {
		return mcp.NewToolResultError("loan_lock_id is required"), nil
	}
	reason, err := req.RequireString("reason")
	if err != nil {
		return mcp.NewToolResultError("reason is required"), nil
	}
	operator := req.GetString("operator", "")
	s.captureSession(ctx, operator)

	msg, cancelErr := s.ops.Cancel(ctx, lockID, reason, operator)
	if cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}
	s.watch(ctx, operator, lockID)

	return marshalResult(map[string]any{
		"ok":              true,
		"loan_lock_id":    lockID,
		"message_id":      msg.ID,
		"expected_source": msg.ExpectedSourceState,
	})
}

// handleSelectOption records the borrower's chosen term.
func (s *LockflowServer) handleSelectOption(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lockID, err := req.RequireString("loan_lock_id")
	if err != nil {
		return mcp.NewToolResultError("loan_lock_id is required"), nil
	}
	termDays, err := req.RequireInt("term_days")
	if err != nil || termDays <= 0 {
		return mcp.NewToolResultError("term_days must be a positive number"), nil
	}
	operator := req.GetString("operator", "")
	s.captureSession(ctx, operator)

	rec, selErr := s.ops.SelectOption(ctx, lockID, termDays, operator)
	if selErr != nil {
		return toolError("select option failed", selErr), nil
	}

	return marshalResult(map[string]any{
		"ok":                 true,
		"loan_lock_id":       rec.ID,
		"selected_term_days": rec.LockDetails.SelectedTermDays,
		"version":            rec.Version,
	})
}

// handleCases lists exception cases.
func (s *LockflowServer) handleCases(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.CaseFilter{
		LoanLockID:  req.GetString("loan_lock_id", ""),
		Destination: schema.Destination(req.GetString("destination", "")),
		Limit:       req.GetInt("limit", 50),
	}
	if status := req.GetString("status", ""); status != "" {
		filter.Statuses = []schema.CaseStatus{schema.CaseStatus(status)}
	}

	cases, err := s.ops.Cases(ctx, filter)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if cases == nil {
		cases = []*store.ExceptionCase{}
	}
	return marshalResult(map[string]any{"cases": cases})
}

// handleAssignCase hands a case to an assignee.
func (s *LockflowServer) handleAssignCase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caseID, err := req.RequireString("case_id")
	if err != nil {
		return mcp.NewToolResultError("case_id is required"), nil
	}
	assignee, err := req.RequireString("assignee")
	if err != nil {
		return mcp.NewToolResultError("assignee is required"), nil
	}
	s.captureSession(ctx, assignee)

	c, assignErr := s.ops.AssignCase(ctx, caseID, assignee)
	if assignErr != nil {
		return toolError("assign failed", assignErr), nil
	}
	return marshalResult(c)
}

// handleResolveCase closes a case.
func (s *LockflowServer) handleResolveCase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caseID, err := req.RequireString("case_id")
	if err != nil {
		return mcp.NewToolResultError("case_id is required"), nil
	}
	resolution, err := req.RequireString("resolution")
	if err != nil {
		return mcp.NewToolResultError("resolution is required"), nil
	}
	operator, err := req.RequireString("operator")
	if err != nil {
		return mcp.NewToolResultError("operator is required"), nil
	}
	s.captureSession(ctx, operator)

	c, resolveErr := s.ops.ResolveCase(ctx, caseID, resolution, operator)
	if resolveErr != nil {
		return toolError("resolve failed", resolveErr), nil
	}
	return marshalResult(c)
}

// handleAudit builds a lock's audit report.
func (s *LockflowServer) handleAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lockID, err := req.RequireString("loan_lock_id")
	if err != nil {
		return mcp.NewToolResultError("loan_lock_id is required"), nil
	}

	report, auditErr := s.ops.Audit(ctx, lockID)
	if auditErr != nil {
		return toolError("audit failed", auditErr), nil
	}
	return marshalResult(report)
}

// handleDiagram renders the lock lifecycle, optionally with a record's walk.
func (s *LockflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	var rec *store.RateLockRecord
	if lockID := req.GetString("loan_lock_id", ""); lockID != "" {
		r, statusErr := s.ops.Status(ctx, lockID)
		if statusErr != nil {
			return toolError("rate lock not found", statusErr), nil
		}
		rec = r
	}

	model, buildErr := diagram.Build(rec)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Internal helpers ---

// watch captures the operator's session and subscribes it to lockID.
func (s *LockflowServer) watch(ctx context.Context, operator, lockID string) {
	if operator == "" {
		return
	}
	s.captureSession(ctx, operator)
	s.sessions.Watch(lockID, operator)
}

// captureSession maps the operator ID to its current MCP session for notifications.
func (s *LockflowServer) captureSession(ctx context.Context, operator string) {
	if operator == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(operator, session.SessionID())
	}
}

// toolError formats err with its error code when it has one.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if code := schema.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %v", prefix, code, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
