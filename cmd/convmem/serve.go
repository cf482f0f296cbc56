package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haulwise/convmem/internal/notify"
	"github.com/haulwise/convmem/internal/scheduler"
	"github.com/haulwise/convmem/internal/server"
)

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with scheduled retention and backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			return serve(ctx, a)
		},
	}
}

// serve runs until ctx is cancelled, then shuts down in dependency order:
// scheduler and event watcher, HTTP server, context store, storage.
func serve(ctx context.Context, a *app) error {
	sched := scheduler.New(a.logger)
	if a.cfg.Retention.Enabled {
		if err := sched.AddRetention(a.cfg.Retention.Schedule, a.store, a.cfg.Retention.MaxAge); err != nil {
			_ = a.close(context.Background())
			return fmt.Errorf("retention schedule: %w", err)
		}
	}
	if a.cfg.Backup.BackupEnabled {
		svc, err := a.backupService()
		if err != nil {
			_ = a.close(context.Background())
			return err
		}
		if err := sched.AddBackup(a.cfg.Backup.BackupSchedule, svc); err != nil {
			_ = a.close(context.Background())
			return fmt.Errorf("backup schedule: %w", err)
		}
	}

	srv := server.New(a.cfg, server.Deps{
		Engine:   a.store,
		Backend:  a.backend,
		Metrics:  a.metrics,
		Gatherer: a.registry,
		Logger:   a.logger,
	})

	// The server's own shutdown is driven below, not by ctx.
	addr, err := srv.Start(context.Background())
	if err != nil {
		_ = a.close(context.Background())
		return err
	}
	sched.Start()

	// Events from one-shot commands and the MCP server reach WebSocket
	// subscribers through the spool.
	var watcher *notify.Watcher
	if a.cfg.Server.EventSpool {
		watcher = notify.NewWatcher(a.cfg.Storage.DataPath, srv.Hub().BroadcastEvent, a.logger)
		if err := watcher.Start(); err != nil {
			a.logger.Warn().Err(err).Msg("event spool disabled")
			watcher = nil
		}
	}

	a.logger.Info().
		Str("addr", addr).
		Str("storage", a.cfg.Storage.StorageEngine).
		Str("persist_mode", a.cfg.Engine.PersistMode).
		Strs("jobs", sched.Jobs()).
		Msg("convmem running")

	<-ctx.Done()
	a.logger.Info().Msg("shutting down gracefully")

	sched.Stop()
	if watcher != nil {
		watcher.Stop()
	}

	httpCtx, cancel := shutdownContext(a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		a.logger.Error().Err(err).Msg("http shutdown error")
	}

	storeCtx, cancelStore := shutdownContext(a.cfg.Engine.ShutdownTimeout)
	defer cancelStore()
	return a.close(storeCtx)
}

// shutdownContext bounds a shutdown step; a non-positive timeout waits
// indefinitely.
func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}
