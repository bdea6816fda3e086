package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/lockflow/internal/stages"
	"github.com/rendis/lockflow/internal/streaming"
)

// LockflowServerDeps holds the dependencies for creating a LockflowServer.
type LockflowServerDeps struct {
	Ops      *stages.Operations
	Hub      streaming.EventHub
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// LockflowServer wraps an MCP server with the rate-lock operator tools.
type LockflowServer struct {
	ops       *stages.Operations
	hub       streaming.EventHub
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewLockflowServer creates a new LockflowServer with every tool registered.
func NewLockflowServer(deps LockflowServerDeps) *LockflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &LockflowServer{
		ops:      deps.Ops,
		hub:      deps.Hub,
		sessions: sessions,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"lockflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Lockflow runs mortgage rate-lock requests through intake, context validation, rate quoting, compliance review and lock execution. Use lockflow.submit to start a request, lockflow.status and lockflow.audit to inspect a lock, lockflow.select_option and lockflow.cancel to act on it, and lockflow.cases, lockflow.assign_case and lockflow.resolve_case to work exception cases."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Committed transitions are pushed to watching operators
// while it runs.
func (s *LockflowServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
		if err != nil {
			return err
		}
		defer cancel()
		go s.forwardTransitions(ctx, events)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LockflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the operator session registry.
func (s *LockflowServer) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *LockflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: selectOptionTool(), Handler: s.handleSelectOption},
		{Tool: casesTool(), Handler: s.handleCases},
		{Tool: assignCaseTool(), Handler: s.handleAssignCase},
		{Tool: resolveCaseTool(), Handler: s.handleResolveCase},
		{Tool: auditTool(), Handler: s.handleAudit},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("lockflow.submit",
		mcp.WithDescription("Submit a rate-lock request for a loan application"),
		mcp.WithObject("request", mcp.Required(), mcp.Description("Raw lock request (loan_application_id, borrower_email, requested_term_days, ...)")),
		mcp.WithString("loan_application_id", mcp.Description("Loan application ID (default: taken from the request)")),
		mcp.WithString("operator", mcp.Description("ID of the submitting operator; receives transition pushes for the new lock")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("lockflow.status",
		mcp.WithDescription("Get the current rate-lock record"),
		mcp.WithString("loan_lock_id", mcp.Required(), mcp.Description("ID of the rate lock")),
		mcp.WithString("operator", mcp.Description("ID of the operator; receives transition pushes for this lock")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("lockflow.cancel",
		mcp.WithDescription("Request cancellation of a rate lock"),
		mcp.WithString("loan_lock_id", mcp.Required(), mcp.Description("ID of the rate lock")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the lock is cancelled")),
		mcp.WithString("operator", mcp.Description("ID of the requesting operator")),
	)
}

func selectOptionTool() mcp.Tool {
	return mcp.NewTool("lockflow.select_option",
		mcp.WithDescription("Select the rate option to lock, by term"),
		mcp.WithString("loan_lock_id", mcp.Required(), mcp.Description("ID of the rate lock")),
		mcp.WithNumber("term_days", mcp.Required(), mcp.Description("Lock term in days of the chosen option")),
		mcp.WithString("operator", mcp.Description("ID of the selecting operator")),
	)
}

func casesTool() mcp.Tool {
	return mcp.NewTool("lockflow.cases",
		mcp.WithDescription("List exception cases"),
		mcp.WithString("status", mcp.Enum("Open", "Assigned", "Resolved"), mcp.Description("Case status")),
		mcp.WithString("loan_lock_id", mcp.Description("Only cases for this rate lock")),
		mcp.WithString("destination", mcp.Enum("loan_officer", "supervisor", "specialist"), mcp.Description("Routed destination")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of cases (default: 50)")),
	)
}

func assignCaseTool() mcp.Tool {
	return mcp.NewTool("lockflow.assign_case",
		mcp.WithDescription("Assign an open exception case"),
		mcp.WithString("case_id", mcp.Required(), mcp.Description("ID of the exception case")),
		mcp.WithString("assignee", mcp.Required(), mcp.Description("Who takes the case")),
	)
}

func resolveCaseTool() mcp.Tool {
	return mcp.NewTool("lockflow.resolve_case",
		mcp.WithDescription("Resolve an exception case"),
		mcp.WithString("case_id", mcp.Required(), mcp.Description("ID of the exception case")),
		mcp.WithString("resolution", mcp.Required(), mcp.Description("How the case was resolved")),
		mcp.WithString("operator", mcp.Required(), mcp.Description("ID of the resolving operator")),
	)
}

func auditTool() mcp.Tool {
	return mcp.NewTool("lockflow.audit",
		mcp.WithDescription("Build the audit report of a rate lock"),
		mcp.WithString("loan_lock_id", mcp.Required(), mcp.Description("ID of the rate lock")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("lockflow.diagram",
		mcp.WithDescription("Generate a diagram of the rate-lock lifecycle. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithString("loan_lock_id", mcp.Description("Overlay this rate lock's history")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}
