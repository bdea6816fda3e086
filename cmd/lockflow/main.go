package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// cli carries the flags shared by every command.
type cli struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "lockflow",
		Short:         "Mortgage rate-lock workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "settings file (default: $LOCKFLOW_CONFIG or ~/.lockflow/settings.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log level: debug, info, warn, error")

	root.AddCommand(
		c.serveCmd(),
		c.mcpCmd(),
		c.sweepCmd(),
		c.submitCmd(),
		c.statusCmd(),
		c.cancelCmd(),
		c.selectCmd(),
		c.auditCmd(),
		c.casesCmd(),
		c.diagramCmd(),
		c.installCmd(),
		versionCmd(),
	)
	return root
}

// config loads the layered configuration and applies flag overrides.
func (c *cli) config() (Config, error) {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return cfg, err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	return cfg, nil
}

// open loads the configuration and wires the app. Callers must Close it.
func (c *cli) open(ctx context.Context) (*app, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, os.Stderr)
}
