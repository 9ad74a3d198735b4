package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools on stdio",
	Long: `Serve knowd as Model Context Protocol tools on stdin/stdout.

Logs go to stderr. Tools accept an optional tenant_id; it may be omitted when
exactly one tenant is configured.

Example Claude Code / MCP client entry:
  {"command": "knowd", "args": ["mcp", "--config", "/home/me/.config/knowd/config.yaml"]}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runMCP(ctx, cfg)
	},
}

func runMCP(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = a.Close(shutdownCtx)
	}()

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "knowd",
		Version: version,
		Logger:  a.logger.Named("mcp").Underlying(),
	}, mcp.Services{
		Engine:   a.engine,
		Ingester: a.pipeline,
		Store:    a.store,
		History:  a.history,
		Tenants:  a.tenants,
		Scrubber: a.scrubber,
	})
	if err != nil {
		return fmt.Errorf("failed to create mcp server: %w", err)
	}

	fmt.Fprintf(os.Stderr, "knowd %s serving MCP tools on stdio\n", version)
	return srv.Run(ctx)
}
