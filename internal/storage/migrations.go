package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// MigrationManager applies numbered SQL migrations from an fs.FS (usually an
// embedded directory) and tracks the applied version in schema_migrations.
// Files are named NNN_name.up.sql; down files are not supported because
// persisted conversation state is never rolled back.
type MigrationManager struct {
	db    *sql.DB
	files fs.FS
}

// migration represents a single up migration.
type migration struct {
	version uint
	name    string
	path    string
}

// NewMigrationManager creates a MigrationManager and ensures the tracking
// table exists.
func NewMigrationManager(ctx context.Context, db *sql.DB, files fs.FS) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}
	if files == nil {
		return nil, fmt.Errorf("migrations: migration files are required")
	}

	mgr := &MigrationManager{db: db, files: files}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}
	return mgr, nil
}

// Up applies all pending migrations in ascending version order.
// Returns the number of migrations applied.
func (mgr *MigrationManager) Up(ctx context.Context) (int, error) {
	migrations, err := mgr.loadMigrations()
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to load migration files: %w", err)
	}

	current, err := mgr.Version(ctx)
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return 0, fmt.Errorf("migrations: failed to get current version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		body, err := fs.ReadFile(mgr.files, m.path)
		if err != nil {
			return applied, fmt.Errorf("migrations: failed to read %s: %w", m.path, err)
		}

		if _, err := mgr.db.ExecContext(ctx, string(body)); err != nil {
			return applied, fmt.Errorf("migrations: failed to apply version %d (%s): %w", m.version, m.name, err)
		}

		// version is a parsed uint, so formatting it inline is safe and avoids
		// placeholder differences between drivers.
		if _, err := mgr.db.ExecContext(ctx, fmt.Sprintf("INSERT INTO schema_migrations (version) VALUES (%d)", m.version)); err != nil {
			return applied, fmt.Errorf("migrations: failed to record version %d: %w", m.version, err)
		}
		applied++
	}
	return applied, nil
}

// Version returns the highest applied migration version, or ErrNoMigration.
func (mgr *MigrationManager) Version(ctx context.Context) (uint, error) {
	var version uint
	err := mgr.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, ErrNoMigration
	}
	return version, nil
}

// loadMigrations reads NNN_name.up.sql files from the root of the FS,
// sorted by version ascending.
func (mgr *MigrationManager) loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(mgr.files, ".")
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read directory: %w", err)
	}

	var migrations []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		underscore := strings.Index(name, "_")
		if underscore < 0 {
			continue
		}
		v, err := strconv.ParseUint(name[:underscore], 10, 64)
		if err != nil {
			continue // Skip non-numeric prefix files
		}

		migrations = append(migrations, migration{
			version: uint(v),
			name:    strings.TrimSuffix(name[underscore+1:], ".up.sql"),
			path:    name,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}
