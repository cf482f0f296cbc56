package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/haulwise/convmem/internal/backup"
	"github.com/haulwise/convmem/internal/config"
	"github.com/haulwise/convmem/internal/engine"
	"github.com/haulwise/convmem/internal/logging"
	"github.com/haulwise/convmem/internal/memorybank"
	"github.com/haulwise/convmem/internal/metrics"
	"github.com/haulwise/convmem/internal/storage"
	"github.com/haulwise/convmem/internal/storage/memstore"
	"github.com/haulwise/convmem/internal/storage/postgres"
	"github.com/haulwise/convmem/internal/storage/sqlite"
)

// sqliteFile is the database file name inside the data directory.
const sqliteFile = "convmem.db"

// app is everything a command needs: configuration, logger, the opened
// backend and a started context store.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	backend  storage.Backend
	dbPath   string // SQLite file, empty for other engines
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *engine.ContextStore
}

// loadConfig reads the optional YAML file, applies env overrides and
// validates the result.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openApp opens storage and starts the context store. One-shot commands
// pass syncWrites so every change is on disk before the process exits.
func openApp(ctx context.Context, cfg *config.Config, logOut io.Writer, syncWrites bool) (*app, error) {
	logger, err := logging.New(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}

	backend, dbPath, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Persistence.BreakerEnabled {
		bc := storage.DefaultBreakerConfig()
		bc.MaxFailures = cfg.Persistence.MaxFailures
		bc.Timeout = cfg.Persistence.OpenTimeout
		backend = storage.NewResilient(backend, bc, logger)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	ecfg := engineConfig(cfg.Engine)
	if syncWrites {
		ecfg.PersistMode = engine.PersistSync
	}
	store, err := engine.NewContextStore(backend, memorybank.NewRegistry(logger), ecfg, logger, engine.WithMetrics(m))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	if err := store.Start(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		backend:  backend,
		dbPath:   dbPath,
		registry: registry,
		metrics:  m,
		store:    store,
	}, nil
}

// close drains persistence and releases the backend.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.store.Shutdown(ctx); err != nil && !errors.Is(err, engine.ErrNotStarted) {
		errs = append(errs, fmt.Errorf("shutdown context store: %w", err))
	}
	if err := a.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}

// backupService builds the bank backup service. The SQLite file, if any,
// is snapshotted alongside the banks.
func (a *app) backupService() (*backup.Service, error) {
	b := a.cfg.Backup
	return backup.New(backup.Config{
		Dir:    b.BackupPath,
		DBPath: a.dbPath,
		Retention: backup.RetentionPolicy{
			Hourly:  b.BackupRetentionHourly,
			Daily:   b.BackupRetentionDaily,
			Weekly:  b.BackupRetentionWeekly,
			Monthly: b.BackupRetentionMonthly,
		},
	}, a.store.Banks(), a.logger)
}

// openBackend opens the configured storage engine.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Backend, string, error) {
	switch cfg.Storage.StorageEngine {
	case "memory":
		logger.Warn().Msg("using in-memory storage, nothing survives a restart")
		return memstore.New(), "", nil

	case "postgres":
		store, err := postgres.NewStore(ctx, cfg.Storage.PostgresDSN, logger)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open postgres: %w", err)
		}
		return store, "", nil

	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o750); err != nil {
			return nil, "", fmt.Errorf("failed to create data directory: %w", err)
		}
		path := filepath.Join(cfg.Storage.DataPath, sqliteFile)
		store, err := sqlite.NewStore(ctx, path, logger)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open sqlite %s: %w", path, err)
		}
		return store, path, nil
	}
}

func engineConfig(c config.EngineConfig) engine.Config {
	ecfg := engine.DefaultConfig()
	ecfg.PersistMode = engine.PersistMode(c.PersistMode)
	ecfg.NumWorkers = c.NumWorkers
	ecfg.QueueSize = c.QueueSize
	ecfg.MaxRetries = c.MaxRetries
	ecfg.ShutdownTimeout = c.ShutdownTimeout
	if c.WriteTimeout > 0 {
		ecfg.WriteTimeout = c.WriteTimeout
	}
	return ecfg
}
