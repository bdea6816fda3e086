package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/rendis/lockflow/internal/diagram"
	"github.com/rendis/lockflow/internal/scheduler"
	"github.com/rendis/lockflow/internal/stages"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

func (c *cli) serveCmd() *cobra.Command {
	var withMCP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the stage runners and the maintenance sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), withMCP)
		},
	}
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "also serve the operator tools over MCP stdio")
	return cmd
}

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the operator tools over MCP stdio (same as serve --mcp)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), true)
		},
	}
}

func (c *cli) serve(ctx context.Context, withMCP bool) error {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := scheduler.NewMaintenance(a.ops, a.cfg.Schedule, a.logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = a.runner.Run(ctx)
	}()
	a.logger.Info("lockflow started",
		slog.String("channel", a.cfg.Channel),
		slog.String("db_path", a.cfg.DBPath),
		slog.Bool("mcp", withMCP))

	var serveErr error
	if withMCP {
		// Stdio ends when the client closes stdin; an interrupted
		// transport is a normal shutdown.
		if serveErr = a.mcp.Serve(ctx); ctx.Err() != nil {
			serveErr = nil
		}
	} else {
		<-ctx.Done()
	}
	cancel()
	wg.Wait()
	a.logger.Info("lockflow stopped")
	return serveErr
}

// drainFlag registers --drain, which processes the channel in-process
// after the command publishes.
func drainFlag(cmd *cobra.Command) *bool {
	return cmd.Flags().Bool("drain", false, "process pending messages in-process before exiting")
}

func (c *cli) sweepCmd() *cobra.Command {
	var escalate bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Publish lock_expired for every lock past its expiration",
		Args:  cobra.NoArgs,
	}
	drain := drainFlag(cmd)
	cmd.Flags().BoolVar(&escalate, "escalate", false, "also escalate overdue exception cases")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return c.withApp(cmd, func(ctx context.Context, a *app) error {
			msgs, err := a.ops.SweepExpired(ctx)
			if err != nil {
				return err
			}
			out := map[string]any{"expired": len(msgs)}
			if escalate {
				cases, err := a.ops.EscalateCases(ctx)
				if err != nil {
					return err
				}
				out["escalated"] = len(cases)
			}
			if *drain {
				if err := a.drain(ctx); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), out)
		})
	}
	return cmd
}

func (c *cli) submitCmd() *cobra.Command {
	var appID string
	cmd := &cobra.Command{
		Use:   "submit <request.json|->",
		Short: "Submit a rate-lock request read from a JSON file or stdin",
		Args:  cobra.ExactArgs(1),
	}
	drain := drainFlag(cmd)
	cmd.Flags().StringVar(&appID, "app-id", "", "loan application ID (default: taken from the request)")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		return c.withApp(cmd, func(ctx context.Context, a *app) error {
			msg, err := a.ops.Submit(ctx, raw, appID)
			if err != nil {
				return err
			}
			lockID := stages.LockIDFor(msg)
			out := map[string]any{
				"loan_lock_id":        lockID,
				"loan_application_id": msg.LoanApplicationID,
				"message_id":          msg.ID,
			}
			if *drain {
				if err := a.drain(ctx); err != nil {
					return err
				}
				if rec, err := a.ops.Status(ctx, lockID); err == nil {
					out["status"] = rec.Status
				}
			}
			return printJSON(cmd.OutOrStdout(), out)
		})
	}
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <loan-lock-id>",
		Short: "Print the current rate-lock record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.ops.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func (c *cli) cancelCmd() *cobra.Command {
	var reason, by string
	cmd := &cobra.Command{
		Use:   "cancel <loan-lock-id>",
		Short: "Request cancellation of a rate lock",
		Args:  cobra.ExactArgs(1),
	}
	drain := drainFlag(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "why the lock is cancelled")
	cmd.Flags().StringVar(&by, "by", "", "who requests the cancellation")
	_ = cmd.MarkFlagRequired("reason")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return c.withApp(cmd, func(ctx context.Context, a *app) error {
			msg, err := a.ops.Cancel(ctx, args[0], reason, by)
			if err != nil {
				return err
			}
			if *drain {
				if err := a.drain(ctx); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"loan_lock_id":    args[0],
				"message_id":      msg.ID,
				"expected_source": msg.ExpectedSourceState,
			})
		})
	}
	return cmd
}

func (c *cli) selectCmd() *cobra.Command {
	var term int
	var by string
	cmd := &cobra.Command{
		Use:   "select <loan-lock-id>",
		Short: "Select the rate option to lock, by term",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().IntVar(&term, "term", 0, "lock term in days of the chosen option")
	cmd.Flags().StringVar(&by, "by", "", "who selects the option")
	_ = cmd.MarkFlagRequired("term")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return c.withApp(cmd, func(ctx context.Context, a *app) error {
			rec, err := a.ops.SelectOption(ctx, args[0], term, by)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		})
	}
	return cmd
}

func (c *cli) auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <loan-lock-id>",
		Short: "Print the audit report of a rate lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.ops.Audit(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func (c *cli) casesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Work exception cases",
	}

	var status, lockID, destination string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List exception cases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.CaseFilter{
				LoanLockID:  lockID,
				Destination: schema.Destination(destination),
				Limit:       limit,
			}
			if status != "" {
				filter.Statuses = []schema.CaseStatus{schema.CaseStatus(status)}
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				cases, err := a.ops.Cases(ctx, filter)
				if err != nil {
					return err
				}
				if cases == nil {
					cases = []*store.ExceptionCase{}
				}
				return printJSON(cmd.OutOrStdout(), cases)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "Open, Assigned or Resolved")
	list.Flags().StringVar(&lockID, "lock", "", "only cases for this rate lock")
	list.Flags().StringVar(&destination, "destination", "", "loan_officer, supervisor or specialist")
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of cases")

	assign := &cobra.Command{
		Use:   "assign <case-id> <assignee>",
		Short: "Assign an open exception case",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				ec, err := a.ops.AssignCase(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ec)
			})
		},
	}

	var resolution, by string
	resolve := &cobra.Command{
		Use:   "resolve <case-id>",
		Short: "Resolve an exception case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				ec, err := a.ops.ResolveCase(ctx, args[0], resolution, by)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ec)
			})
		},
	}
	resolve.Flags().StringVar(&resolution, "resolution", "", "how the case was resolved")
	resolve.Flags().StringVar(&by, "by", "", "who resolves the case")
	_ = resolve.MarkFlagRequired("resolution")
	_ = resolve.MarkFlagRequired("by")

	cmd.AddCommand(list, assign, resolve)
	return cmd
}

func (c *cli) diagramCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "diagram [loan-lock-id]",
		Short: "Render the rate-lock lifecycle, optionally with a lock's history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "ascii" && format != "mermaid" && format != "image" {
				return errors.New("format must be ascii, mermaid, or image")
			}
			if format == "image" && out == "" {
				return errors.New("--out is required for image output")
			}
			render := func(ctx context.Context, rec *store.RateLockRecord) error {
				model, err := diagram.Build(rec)
				if err != nil {
					return err
				}
				var data []byte
				switch format {
				case "ascii":
					data = []byte(diagram.RenderASCIIAuto(model, binDir()))
				case "mermaid":
					data = []byte(diagram.RenderMermaid(model))
				default:
					if data, err = diagram.RenderImage(ctx, model); err != nil {
						return err
					}
				}
				if out != "" {
					return os.WriteFile(out, data, 0o644)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			if len(args) == 0 {
				return render(cmd.Context(), nil)
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.ops.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return render(ctx, rec)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "ascii", "ascii, mermaid, or image")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lockflow version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// withApp opens the app for one command and closes it afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := fn(ctx, a); err != nil {
		if code := schema.CodeOf(err); code != "" {
			return fmt.Errorf("[%s] %w", code, err)
		}
		return err
	}
	return nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
