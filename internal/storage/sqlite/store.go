// Package sqlite provides a SQLite implementation of storage.Backend using the
// CGO-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/haulwise/convmem/internal/storage"
	"github.com/haulwise/convmem/pkg/types"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store implements storage.Backend using SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (or creates) the database at dsn, applies migrations, and
// recovers once from stale WAL files left behind by a crashed process.
func NewStore(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	logger = logger.With().Str("component", "sqlite").Logger()

	store, err := openStore(ctx, dsn, logger)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath, logger)

	store, retryErr := openStore(ctx, dsn, logger)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	logger.Warn().Str("path", dbPath).Msg("recovered from stale WAL files")
	return store, nil
}

// openStore opens a SQLite database, configures WAL mode, and migrates.
func openStore(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serialises writes and avoids SQLITE_BUSY under concurrent flushes.
	// It also keeps ":memory:" databases alive for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	files, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	mgr, err := storage.NewMigrationManager(ctx, db, files)
	if err != nil {
		db.Close()
		return nil, err
	}
	applied, err := mgr.Up(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if applied > 0 {
		logger.Info().Int("applied", applied).Msg("schema migrations applied")
	}

	return &Store{db: db, logger: logger}, nil
}

// GetDB returns the underlying database connection.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// LoadAllContexts implements storage.Persistence. Rows that fail to decode
// are logged and skipped so one bad row cannot block startup.
func (s *Store) LoadAllContexts(ctx context.Context) ([]*types.ConversationContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, kind, schema_version, payload
		FROM conversation_contexts
		ORDER BY created_at, conversation_id
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query contexts: %w", err)
	}
	defer rows.Close()

	var out []*types.ConversationContext
	for rows.Next() {
		var (
			id      string
			rec     storage.Record
			payload string
		)
		if err := rows.Scan(&id, &rec.Kind, &rec.SchemaVersion, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan context: %w", err)
		}
		rec.Payload = []byte(payload)

		c, err := storage.DecodeContext(rec)
		if err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", id).Msg("skipping undecodable context row")
			continue
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate contexts: %w", err)
	}
	return out, nil
}

// LoadAllMemoryBanks implements storage.Persistence.
func (s *Store) LoadAllMemoryBanks(ctx context.Context) ([]*types.AgentMemoryBank, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, kind, schema_version, payload
		FROM agent_memory_banks
		ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query memory banks: %w", err)
	}
	defer rows.Close()

	var out []*types.AgentMemoryBank
	for rows.Next() {
		var (
			id      string
			rec     storage.Record
			payload string
		)
		if err := rows.Scan(&id, &rec.Kind, &rec.SchemaVersion, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan memory bank: %w", err)
		}
		rec.Payload = []byte(payload)

		b, err := storage.DecodeMemoryBank(rec)
		if err != nil {
			s.logger.Warn().Err(err).Str("agent_id", id).Msg("skipping undecodable memory bank row")
			continue
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate memory banks: %w", err)
	}
	return out, nil
}

// SaveContext implements storage.Persistence (upsert).
func (s *Store) SaveContext(ctx context.Context, c *types.ConversationContext) error {
	rec, err := storage.EncodeContext(c)
	if err != nil {
		return err
	}

	createdAt := c.Metadata.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := c.Metadata.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_contexts
			(conversation_id, agent_id, client_id, kind, schema_version, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			kind = excluded.kind,
			schema_version = excluded.schema_version,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, c.ConversationID, c.AgentID, c.ClientID, string(rec.Kind), rec.SchemaVersion, string(rec.Payload),
		createdAt.UnixMilli(), updatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: failed to save context %s: %w", c.ConversationID, err)
	}
	return nil
}

// SaveMemoryBank implements storage.Persistence (upsert).
func (s *Store) SaveMemoryBank(ctx context.Context, b *types.AgentMemoryBank) error {
	rec, err := storage.EncodeMemoryBank(b)
	if err != nil {
		return err
	}

	updatedAt := b.LastUpdated
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_memory_banks (agent_id, kind, schema_version, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			kind = excluded.kind,
			schema_version = excluded.schema_version,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, b.AgentID, string(rec.Kind), rec.SchemaVersion, string(rec.Payload), updatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: failed to save memory bank %s: %w", b.AgentID, err)
	}
	return nil
}

// DeleteContext implements storage.ContextDeleter.
func (s *Store) DeleteContext(ctx context.Context, conversationID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM conversation_contexts WHERE conversation_id = ?", conversationID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete context %s: %w", conversationID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: context %s", storage.ErrNotFound, conversationID)
	}
	return nil
}

// Stats implements storage.StatsProvider.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var (
		stats    storage.Stats
		lastCtx  sql.NullInt64
		lastBank sql.NullInt64
	)
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MAX(updated_at) FROM conversation_contexts").Scan(&stats.Contexts, &lastCtx); err != nil {
		return storage.Stats{}, fmt.Errorf("sqlite: failed to count contexts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MAX(updated_at) FROM agent_memory_banks").Scan(&stats.MemoryBanks, &lastBank); err != nil {
		return storage.Stats{}, fmt.Errorf("sqlite: failed to count memory banks: %w", err)
	}

	last := lastCtx.Int64
	if lastBank.Int64 > last {
		last = lastBank.Int64
	}
	if last > 0 {
		stats.LastWrite = time.UnixMilli(last)
	}
	return stats, nil
}

// Ping implements storage.Backend.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("sqlite: store is closed")
	}
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
