// Package memstore is an in-process storage.Backend. It keeps encoded records
// rather than live pointers so that callers observe the same copy semantics as
// a real database. Used for the "memory" storage engine and in tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haulwise/convmem/internal/storage"
	"github.com/haulwise/convmem/pkg/types"
)

// Store implements storage.Backend in memory.
type Store struct {
	mu        sync.RWMutex
	contexts  map[string]storage.Record
	banks     map[string]storage.Record
	lastWrite time.Time
	closed    bool

	// failWith, when set, is returned from every write. Tests use it to
	// simulate an unavailable database.
	failWith error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		contexts: make(map[string]storage.Record),
		banks:    make(map[string]storage.Record),
	}
}

// FailWrites makes every subsequent write return err. Pass nil to recover.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// LoadAllContexts implements storage.Persistence. Results are ordered by
// conversation ID.
func (s *Store) LoadAllContexts(ctx context.Context) ([]*types.ConversationContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usable(ctx); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*types.ConversationContext, 0, len(ids))
	for _, id := range ids {
		c, err := storage.DecodeContext(s.contexts[id])
		if err != nil {
			return nil, fmt.Errorf("memstore: context %s: %w", id, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// LoadAllMemoryBanks implements storage.Persistence. Results are ordered by
// agent ID.
func (s *Store) LoadAllMemoryBanks(ctx context.Context) ([]*types.AgentMemoryBank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usable(ctx); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(s.banks))
	for id := range s.banks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*types.AgentMemoryBank, 0, len(ids))
	for _, id := range ids {
		b, err := storage.DecodeMemoryBank(s.banks[id])
		if err != nil {
			return nil, fmt.Errorf("memstore: bank %s: %w", id, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// SaveContext implements storage.Persistence.
func (s *Store) SaveContext(ctx context.Context, c *types.ConversationContext) error {
	rec, err := storage.EncodeContext(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(ctx); err != nil {
		return err
	}
	s.contexts[c.ConversationID] = rec
	s.lastWrite = time.Now()
	return nil
}

// SaveMemoryBank implements storage.Persistence.
func (s *Store) SaveMemoryBank(ctx context.Context, b *types.AgentMemoryBank) error {
	rec, err := storage.EncodeMemoryBank(b)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(ctx); err != nil {
		return err
	}
	s.banks[b.AgentID] = rec
	s.lastWrite = time.Now()
	return nil
}

// DeleteContext implements storage.ContextDeleter.
func (s *Store) DeleteContext(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(ctx); err != nil {
		return err
	}
	if _, ok := s.contexts[conversationID]; !ok {
		return fmt.Errorf("%w: context %s", storage.ErrNotFound, conversationID)
	}
	delete(s.contexts, conversationID)
	s.lastWrite = time.Now()
	return nil
}

// Ping implements storage.Backend.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usable(ctx)
}

// Stats implements storage.StatsProvider.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usable(ctx); err != nil {
		return storage.Stats{}, err
	}
	return storage.Stats{
		Contexts:    len(s.contexts),
		MemoryBanks: len(s.banks),
		LastWrite:   s.lastWrite,
	}, nil
}

// Close implements storage.Backend. Data is discarded.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.contexts = make(map[string]storage.Record)
	s.banks = make(map[string]storage.Record)
	return nil
}

func (s *Store) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return fmt.Errorf("memstore: store is closed")
	}
	return nil
}

func (s *Store) writable(ctx context.Context) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	return s.failWith
}
