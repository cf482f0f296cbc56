package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haulwise/convmem/internal/notify"
)

// withApp opens the store with synchronous writes, runs fn and closes the
// store, so every change is persisted when the command returns. Engine events
// are spooled for a running server to pick up.
func withApp(cmd *cobra.Command, configPath string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := openApp(ctx, cfg, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	if cfg.Server.EventSpool {
		a.store.SetOnEvent(notify.NewWriter(cfg.Storage.DataPath, a.logger).Publish)
	}
	runErr := fn(ctx, a)
	return errors.Join(runErr, a.close(context.Background()))
}

func newExportCmd(configPath func() string) *cobra.Command {
	var agentID, outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an agent's memory bank as an export document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				data, err := a.store.ExportAgentMemory(agentID)
				if err != nil {
					return err
				}
				if outPath == "" {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
					return err
				}
				if err := os.WriteFile(outPath, data, 0o600); err != nil {
					return fmt.Errorf("write %s: %w", outPath, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %s to %s (%d bytes)\n", agentID, outPath, len(data))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent ID (required)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default: stdout)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newImportCmd(configPath func() string) *cobra.Command {
	var agentID, file string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace an agent's memory bank from an export document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				if err := a.store.ImportAgentMemory(ctx, agentID, data); err != nil {
					return err
				}
				insights, err := a.store.Insights(agentID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported memory bank for %s (%d clients)\n", agentID, insights.TotalClients)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent ID to store the bank under (required)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Export document to import (required)")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newInsightsCmd(configPath func() string) *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Print an agent's global insights as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				insights, err := a.store.Insights(agentID)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(insights)
			})
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent ID (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newCleanupCmd(configPath func() string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove conversation contexts idle for longer than --older-than",
		Long: `Remove conversation contexts that have not been updated within the given
age. Agents keep their memory of each client; only the conversation
records are deleted. Defaults to the configured retention age.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				age := olderThan
				if age == 0 {
					age = a.cfg.Retention.MaxAge
				}
				removed, err := a.store.CleanupExpired(ctx, age)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d conversation(s) idle for more than %s\n", removed, age)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Maximum idle age, e.g. 720h (default: retention max age)")
	return cmd
}
