package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newBackupCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot, list and restore memory bank backups",
	}
	cmd.AddCommand(
		newBackupNowCmd(configPath),
		newBackupListCmd(configPath),
		newBackupRestoreCmd(configPath),
		newBackupHealthCmd(configPath),
	)
	return cmd
}

func newBackupNowCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "now",
		Short: "Perform a single backup and apply retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				svc, err := a.backupService()
				if err != nil {
					return err
				}
				results, err := svc.BackupNow(ctx)
				for _, r := range results {
					name := r.AgentID
					if name == "" {
						name = "(database)"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s  %.2f KB  verified=%v\n", name, r.Path, float64(r.Size)/1024, r.Verified)
				}
				return err
			})
		},
	}
}

func newBackupListCmd(configPath func() string) *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an agent's bank backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				svc, err := a.backupService()
				if err != nil {
					return err
				}
				backups, err := svc.ListBackups(agentID)
				if err != nil {
					return err
				}
				if len(backups) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No backups found")
					return nil
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Found %d backup(s):\n\n", len(backups))
				for i, b := range backups {
					fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, b.Path)
					fmt.Fprintf(cmd.OutOrStdout(), "   Size: %.2f KB\n", float64(b.Size)/1024)
					fmt.Fprintf(cmd.OutOrStdout(), "   Created: %s\n", b.Timestamp.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent ID (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newBackupRestoreCmd(configPath func() string) *cobra.Command {
	var agentID, file string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore an agent's memory bank from a backup (default: newest)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				svc, err := a.backupService()
				if err != nil {
					return err
				}
				if err := svc.Restore(ctx, agentID, file, a.store); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored memory bank for %s\n", agentID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent ID (required)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Backup file (default: newest for the agent)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newBackupHealthCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check backup freshness; exits non-zero unless healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				svc, err := a.backupService()
				if err != nil {
					return err
				}
				health, err := svc.HealthCheck()
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Status: %s\n", health.Status)
				if health.Message != "" {
					fmt.Fprintf(out, "Message: %s\n", health.Message)
				}
				fmt.Fprintf(out, "Total Backups: %d\n", health.TotalBackups)
				fmt.Fprintf(out, "Disk Space Used: %.2f MB\n", float64(health.DiskSpaceUsed)/(1024*1024))
				fmt.Fprintf(out, "Backup Directory: %s\n", health.BackupDir)
				if health.LastBackup.IsZero() {
					fmt.Fprintln(out, "Last Backup: Never")
				} else {
					fmt.Fprintf(out, "Last Backup: %s\n", health.LastBackup.Format(time.RFC3339))
				}

				if health.Status != "healthy" {
					return fmt.Errorf("backups are %s", health.Status)
				}
				return nil
			})
		},
	}
}
