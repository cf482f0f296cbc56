package backup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haulwise/convmem/internal/memorybank"
)

const (
	bankExt     = ".json"
	dbExt       = ".db"
	databaseDir = "_database"
	stampFormat = "20060102-150405.000000"
)

// BankSource lists agents and exports their memory banks.
type BankSource interface {
	AgentIDs() []string
	Export(agentID string) ([]byte, error)
}

// BankImporter loads an export document back into the engine.
type BankImporter interface {
	ImportAgentMemory(ctx context.Context, agentID string, data []byte) error
}

// Service writes memory bank backups and applies retention.
type Service struct {
	config Config
	source BankSource
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	lastBackup time.Time
}

// New creates a backup service, creating the backup directory if needed.
func New(config Config, source BankSource, logger zerolog.Logger) (*Service, error) {
	if config.Dir == "" {
		return nil, errors.New("backup directory is required")
	}
	if source == nil {
		return nil, errors.New("bank source is required")
	}
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}

	// Set default retention policy if not specified
	if config.Retention.Hourly == 0 {
		config.Retention.Hourly = 24
	}
	if config.Retention.Daily == 0 {
		config.Retention.Daily = 7
	}
	if config.Retention.Weekly == 0 {
		config.Retention.Weekly = 4
	}
	if config.Retention.Monthly == 0 {
		config.Retention.Monthly = 12
	}

	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	return &Service{
		config: config,
		source: source,
		logger: logger.With().Str("component", "backup").Logger(),
		now:    time.Now,
	}, nil
}

// SetClock overrides the time source used for file names and retention.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Run performs one backup. It satisfies the scheduler's job contract.
func (s *Service) Run(ctx context.Context) error {
	_, err := s.BackupNow(ctx)
	return err
}

// BackupNow writes one snapshot per agent bank (and the database when
// configured), verifies each, and applies retention. A failure for one agent
// does not stop the others; the combined error is returned.
func (s *Service) BackupNow(ctx context.Context) ([]Result, error) {
	start := s.now()
	stamp := start.UTC().Format(stampFormat)

	var (
		results []Result
		errs    []error
	)
	for _, agentID := range s.source.AgentIDs() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := s.backupBank(agentID, stamp)
		if err != nil {
			s.logger.Error().Err(err).Str("agent_id", agentID).Msg("memory bank backup failed")
			errs = append(errs, fmt.Errorf("agent %s: %w", agentID, err))
			continue
		}
		results = append(results, res)
	}

	if s.config.DBPath != "" && ctx.Err() == nil {
		res, err := s.backupDatabase(ctx, stamp)
		if err != nil {
			s.logger.Error().Err(err).Str("db_path", s.config.DBPath).Msg("database snapshot failed")
			errs = append(errs, fmt.Errorf("database: %w", err))
		} else {
			results = append(results, res)
		}
	}

	if len(errs) == 0 {
		s.mu.Lock()
		s.lastBackup = s.now()
		s.mu.Unlock()
	}

	s.logger.Info().
		Int("files", len(results)).
		Int("failures", len(errs)).
		Dur("elapsed", s.now().Sub(start)).
		Msg("backup run finished")
	return results, errors.Join(errs...)
}

func (s *Service) backupBank(agentID, stamp string) (Result, error) {
	data, err := s.source.Export(agentID)
	if err != nil {
		return Result{}, err
	}

	dir := s.agentDir(agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create agent backup directory: %w", err)
	}

	path := filepath.Join(dir, "bank-"+stamp+bankExt)
	if err := writeFileAtomic(path, data); err != nil {
		return Result{}, err
	}

	written, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read back backup: %w", err)
	}
	if _, err := memorybank.ParseExport(written); err != nil {
		return Result{}, fmt.Errorf("backup verification failed: %w", err)
	}

	if removed, err := applyRetention(dir, bankExt, s.config.Retention, s.now()); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("failed to apply retention policy")
	} else if removed > 0 {
		s.logger.Debug().Str("agent_id", agentID).Int("removed", removed).Msg("old bank backups removed")
	}

	return Result{AgentID: agentID, Path: path, Size: int64(len(written)), Verified: true}, nil
}

func (s *Service) backupDatabase(ctx context.Context, stamp string) (Result, error) {
	if _, err := os.Stat(s.config.DBPath); err != nil {
		return Result{}, fmt.Errorf("database not found: %w", err)
	}

	dir := filepath.Join(s.config.Dir, databaseDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create database backup directory: %w", err)
	}

	path := filepath.Join(dir, "convmem-"+stamp+dbExt)
	if err := snapshotSQLite(ctx, s.config.DBPath, path); err != nil {
		return Result{}, err
	}
	if err := verifySQLite(ctx, path); err != nil {
		return Result{}, fmt.Errorf("snapshot verification failed: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	if _, err := applyRetention(dir, dbExt, s.config.Retention, s.now()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to apply retention policy to database snapshots")
	}
	return Result{Path: path, Size: info.Size(), Verified: true}, nil
}

// ListBackups lists an agent's bank backups, newest first.
func (s *Service) ListBackups(agentID string) ([]BackupInfo, error) {
	return listBackups(s.agentDir(agentID), bankExt)
}

// Restore imports a bank backup into target. An empty path restores the
// newest backup for agentID.
func (s *Service) Restore(ctx context.Context, agentID, path string, target BankImporter) error {
	if path == "" {
		backups, err := s.ListBackups(agentID)
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			return fmt.Errorf("no backups for agent %s", agentID)
		}
		path = backups[0].Path
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("backup not found: %w", err)
	}
	if err := target.ImportAgentMemory(ctx, agentID, data); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}

	s.logger.Info().Str("agent_id", agentID).Str("path", path).Msg("memory bank restored from backup")
	return nil
}

// HealthCheck returns the current health status of the backup service.
func (s *Service) HealthCheck() (*HealthStatus, error) {
	s.mu.Lock()
	lastBackup := s.lastBackup
	s.mu.Unlock()

	files, bytes, err := diskUsage(s.config.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate disk usage: %w", err)
	}

	status := &HealthStatus{
		Status:        "healthy",
		LastBackup:    lastBackup,
		TotalBackups:  files,
		BackupDir:     s.config.Dir,
		DiskSpaceUsed: bytes,
	}

	since := s.now().Sub(lastBackup)
	switch {
	case lastBackup.IsZero():
		status.Message = "No backups yet"
	case since > s.config.Interval*2:
		status.Status = "warning"
		status.Message = fmt.Sprintf("Backup overdue by %v", (since - s.config.Interval).Round(time.Minute))
	default:
		status.Message = fmt.Sprintf("Last backup: %v ago", since.Round(time.Minute))
	}
	return status, nil
}

// agentDir maps an agent ID to a single path segment under the backup dir.
func (s *Service) agentDir(agentID string) string {
	name := url.PathEscape(agentID)
	if name == "" || name == "." || name == ".." || name == databaseDir {
		name = "_" + name
	}
	return filepath.Join(s.config.Dir, name)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bank-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move backup into place: %w", err)
	}
	return nil
}
