package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/lockflow/internal/channel"
	"github.com/rendis/lockflow/internal/collaborators"
	"github.com/rendis/lockflow/internal/engine"
	"github.com/rendis/lockflow/internal/exceptions"
	"github.com/rendis/lockflow/internal/expressions"
	"github.com/rendis/lockflow/internal/logging"
	"github.com/rendis/lockflow/internal/stages"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/internal/streaming"
	"github.com/rendis/lockflow/internal/validation"
	lockflowmcp "github.com/rendis/lockflow/pkg/mcp"
)

// app is the wired process: store, channel, stages and the operator
// surfaces on top of them.
type app struct {
	cfg     Config
	logger  *slog.Logger
	store   store.Store
	channel channel.Channel
	hub     *streaming.MemoryHub
	ops     *stages.Operations
	runner  *stages.Runner
	mcp     *lockflowmcp.LockflowServer
}

// newApp wires every component from cfg. Logs go to logOut so stdout stays
// free for command output and the MCP stdio transport.
func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	logger := logging.NewLogger(logOut, cfg.LogLevel, cfg.LogFormat)

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: s, hub: streaming.NewMemoryHub()}

	fail := func(err error) (*app, error) {
		_ = a.Close()
		return nil, err
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return fail(fmt.Errorf("init cel: %w", err))
	}
	var rules []collaborators.ComplianceRule
	if len(cfg.ComplianceRules) > 0 {
		rules = cfg.ComplianceRules
	}
	compliance, err := collaborators.NewCELComplianceEvaluator(celEngine, rules)
	if err != nil {
		return fail(fmt.Errorf("compile compliance rules: %w", err))
	}
	los := collaborators.NewStaticLOS()
	if cfg.LOSFile != "" {
		if los, err = collaborators.LoadStaticLOS(cfg.LOSFile); err != nil {
			return fail(err)
		}
	}
	eligibility := cfg.EligibilityRules
	if len(eligibility) == 0 {
		eligibility = stages.DefaultEligibilityRules
	}

	fsm := engine.NewLockFSM()
	fsm.OnAfter("", "", a.hub.TransitionHook)

	deps := &stages.Deps{
		Coordinator: engine.NewCoordinator(s, fsm, cfg.Retry, logger),
		Cases:       exceptions.NewService(s, cfg.SLA, logger),
		Rules:       expressions.NewExprEngine(),
		Eligibility: eligibility,
		Logger:      logger,
	}

	ch, err := openChannel(cfg, s, channel.WithDeadLetterHook(stages.DeadLetterHook(deps)))
	if err != nil {
		return fail(fmt.Errorf("open channel: %w", err))
	}
	a.channel = ch

	v, err := validation.NewContractValidator(nil)
	if err != nil {
		return fail(fmt.Errorf("compile message contracts: %w", err))
	}

	a.ops = stages.NewOperations(deps, a.channel, v)
	a.mcp = lockflowmcp.NewLockflowServer(lockflowmcp.LockflowServerDeps{
		Ops:    a.ops,
		Hub:    a.hub,
		Logger: logger,
	})

	notifier := lockflowmcp.NewMCPNotifier(a.mcp.MCPServer(), a.mcp.Sessions(), collaborators.NewLogNotifier(logger, nil))
	deps.Collaborators = collaborators.Guarded(collaborators.Set{
		Interpreter: collaborators.NewJQInterpreter(expressions.NewGoJQEngine(), cfg.IntakeFields),
		LOS:         los,
		Pricing:     collaborators.NewTablePricing(cfg.Pricing),
		Compliance:  compliance,
		Notifier:    notifier,
	}, cfg.Guards, engine.NewCircuitBreakerRegistry(cfg.Breaker, logger))

	a.runner = stages.NewRunner(a.channel, stages.NewStandardDispatcher(deps), v, deps.Collaborators.Notifier, s,
		stages.RunnerConfig{
			Workers:      cfg.Workers,
			BatchSize:    cfg.BatchSize,
			PollInterval: cfg.PollInterval,
			Policy:       cfg.Retry,
		}, logger)
	return a, nil
}

// openStore opens the libSQL store at cfg.DBPath, or an in-memory store
// when no path is configured.
func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.DBPath == "" {
		return store.NewMemoryStore(), nil
	}
	path := strings.TrimPrefix(cfg.DBPath, "file:")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + path)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func openChannel(cfg Config, s store.Store, opts ...channel.Option) (channel.Channel, error) {
	topo := channel.DefaultTopology(cfg.Retry.MaxAttempts, cfg.VisibilityTimeout)
	if cfg.Channel == channelMemory {
		ch, err := channel.NewMemoryChannel(topo, opts...)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	libsql, ok := s.(*store.LibSQLStore)
	if !ok {
		return nil, errors.New("the sql channel needs a libSQL store")
	}
	ch, err := channel.NewSQLChannel(libsql.DB(), topo, opts...)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// drain processes every pending delivery in-process.
func (a *app) drain(ctx context.Context) error {
	n, err := a.runner.Drain(ctx)
	a.logger.Debug("drained channel", slog.Int("deliveries", n))
	return err
}

// Close releases the channel and the store.
func (a *app) Close() error {
	var errs []error
	if a.channel != nil {
		errs = append(errs, a.channel.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
