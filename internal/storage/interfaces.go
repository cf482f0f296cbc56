// Package storage defines the persistence collaborator used by the
// conversation engine, the versioned record format rows are stored in, and a
// circuit-breaking wrapper for flaky backends.
//
// The engine treats persistence as a best-effort replica of its in-memory
// state. Backends only need to load everything at start and accept writes.
package storage

import (
	"context"
	"time"

	"github.com/haulwise/convmem/pkg/types"
)

// Persistence is the durable load/save contract the engine depends on.
type Persistence interface {
	// LoadAllContexts returns every stored conversation context.
	LoadAllContexts(ctx context.Context) ([]*types.ConversationContext, error)

	// LoadAllMemoryBanks returns every stored agent memory bank.
	LoadAllMemoryBanks(ctx context.Context) ([]*types.AgentMemoryBank, error)

	// SaveContext creates or replaces a context (upsert by conversation ID).
	SaveContext(ctx context.Context, c *types.ConversationContext) error

	// SaveMemoryBank creates or replaces a bank (upsert by agent ID).
	SaveMemoryBank(ctx context.Context, b *types.AgentMemoryBank) error
}

// ContextDeleter removes contexts during retention cleanup.
type ContextDeleter interface {
	// DeleteContext removes a context. Returns ErrNotFound if it does not exist.
	DeleteContext(ctx context.Context, conversationID string) error
}

// Backend is a complete persistence implementation.
type Backend interface {
	Persistence
	ContextDeleter

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

// Stats summarizes what a backend currently holds.
type Stats struct {
	Contexts    int       `json:"contexts"`
	MemoryBanks int       `json:"memoryBanks"`
	LastWrite   time.Time `json:"lastWrite"`
}

// StatsProvider is implemented by backends that can report row counts.
type StatsProvider interface {
	Stats(ctx context.Context) (Stats, error)
}
