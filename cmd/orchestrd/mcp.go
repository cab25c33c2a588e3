package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the orchestrator as MCP tools over stdio",
	Long: `Serve the orchestrator as Model Context Protocol tools over stdio.

Stdout carries the protocol, so logs go to stderr.

Examples:
  # Register with an MCP client
  orchestrd mcp --config ~/.config/orchestrd/config.yaml`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "orchestrd",
		Version: version,
		Logger:  a.logger,
	}, a.engine)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	if a.cfg.Workflow.Watch {
		go func() {
			if err := a.specs.Watch(ctx); err != nil {
				a.logger.Warn("workflow spec watch stopped", zap.Error(err))
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "orchestrd %s MCP server ready on stdio (%d tools)\n", version, srv.Tools().Count())
	return srv.Run(ctx)
}
