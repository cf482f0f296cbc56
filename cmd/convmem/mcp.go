package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haulwise/convmem/internal/api/mcp"
)

func newMCPCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the conversation tools over MCP (JSON-RPC on stdin/stdout)",
		Long: `Run a Model Context Protocol server on stdin/stdout so an assistant can
record conversations and recall what it knows about a client. Logs go to
stderr. Writes are synchronous, and events are spooled for a running
'convmem serve' to broadcast.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				srv := mcp.NewServer(a.store, mcp.WithLogger(a.logger), mcp.WithVersion(version))
				err := mcp.NewStdioTransport(srv, cmd.InOrStdin(), cmd.OutOrStdout(), a.logger).Serve(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}
