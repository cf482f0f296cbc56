// Package memorybank keeps one AgentMemoryBank per agent: the latest
// conversation context the agent has for each client, plus derived insights.
// Banks are the unit of export and import.
package memorybank

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haulwise/convmem/pkg/types"
)

var (
	// ErrBankNotFound is returned when an agent has no memory bank.
	ErrBankNotFound = errors.New("memory bank not found")

	// ErrMalformedImport is returned when an import document cannot be parsed
	// or lacks required keys. The existing bank is left untouched.
	ErrMalformedImport = errors.New("malformed memory bank import")
)

// bankEntry pairs a bank with the order its clients were first seen in.
// Maps lose insertion order, and insight tie-breaks and export order need it.
type bankEntry struct {
	bank  *types.AgentMemoryBank
	order []string
}

func (e *bankEntry) put(clientID string, c *types.ConversationContext) {
	if _, ok := e.bank.ClientMemories[clientID]; !ok {
		e.order = append(e.order, clientID)
	}
	e.bank.ClientMemories[clientID] = c
}

func (e *bankEntry) entries() []ClientMemoryEntry {
	out := make([]ClientMemoryEntry, 0, len(e.order))
	for _, clientID := range e.order {
		if c, ok := e.bank.ClientMemories[clientID]; ok {
			out = append(out, ClientMemoryEntry{ClientID: clientID, Context: c})
		}
	}
	return out
}

// Registry owns every agent's bank. All returned values are deep copies; the
// registry never hands out pointers into its own state.
type Registry struct {
	mu     sync.RWMutex
	banks  map[string]*bankEntry
	logger zerolog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		banks:  make(map[string]*bankEntry),
		logger: logger.With().Str("component", "memorybank").Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// GetOrCreate returns the bank for agentID, creating an empty one if needed.
func (r *Registry) GetOrCreate(agentID string) *types.AgentMemoryBank {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entryLocked(agentID).bank.Clone()
}

// Get returns the bank for agentID, or nil if the agent has none.
func (r *Registry) Get(agentID string) *types.AgentMemoryBank {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.banks[agentID]; ok {
		return e.bank.Clone()
	}
	return nil
}

// ClientMemory returns what agentID remembers about clientID, or nil if the
// agent has never spoken to the client.
func (r *Registry) ClientMemory(agentID, clientID string) *types.ConversationContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.banks[agentID]
	if !ok {
		return nil
	}
	return e.bank.ClientMemories[clientID].Clone()
}

// Put records c as the latest memory its agent has of its client,
// overwriting any earlier context for that pair.
func (r *Registry) Put(c *types.ConversationContext) {
	if c == nil || c.AgentID == "" || c.ClientID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(c.AgentID)
	e.put(c.ClientID, c.Clone())
	e.bank.LastUpdated = r.now()
}

// Insights recomputes and stores the agent's global insights.
func (r *Registry) Insights(agentID string) (types.GlobalInsights, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.banks[agentID]
	if !ok {
		return types.GlobalInsights{}, ErrBankNotFound
	}
	e.bank.GlobalInsights = ComputeInsights(e.entries())
	return cloneInsights(e.bank.GlobalInsights), nil
}

// Snapshot returns copies of every bank with fresh insights, ordered by agent ID.
func (r *Registry) Snapshot() []*types.AgentMemoryBank {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.agentIDsLocked()
	out := make([]*types.AgentMemoryBank, 0, len(ids))
	for _, id := range ids {
		e := r.banks[id]
		e.bank.GlobalInsights = ComputeInsights(e.entries())
		out = append(out, e.bank.Clone())
	}
	return out
}

// Restore replaces the registry's banks with banks loaded from persistence.
// Client order within a restored bank follows context creation time.
func (r *Registry) Restore(banks []*types.AgentMemoryBank) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.banks = make(map[string]*bankEntry, len(banks))
	for _, b := range banks {
		if b == nil || b.AgentID == "" {
			continue
		}
		b = b.Clone()
		if b.ClientMemories == nil {
			b.ClientMemories = make(map[string]*types.ConversationContext)
		}
		r.banks[b.AgentID] = &bankEntry{bank: b, order: creationOrder(b.ClientMemories)}
	}
	r.logger.Debug().Int("banks", len(r.banks)).Msg("memory banks restored")
}

// AgentIDs returns the IDs of every agent with a bank, sorted.
func (r *Registry) AgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agentIDsLocked()
}

// Len returns the number of banks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.banks)
}

func (r *Registry) entryLocked(agentID string) *bankEntry {
	e, ok := r.banks[agentID]
	if !ok {
		e = &bankEntry{bank: types.NewAgentMemoryBank(agentID, r.now())}
		r.banks[agentID] = e
		r.logger.Debug().Str("agent_id", agentID).Msg("memory bank created")
	}
	return e
}

func (r *Registry) agentIDsLocked() []string {
	ids := make([]string, 0, len(r.banks))
	for id := range r.banks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// creationOrder sorts client IDs by their context's creation time, then ID.
func creationOrder(memories map[string]*types.ConversationContext) []string {
	order := make([]string, 0, len(memories))
	for clientID, c := range memories {
		if c == nil {
			continue
		}
		order = append(order, clientID)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := memories[order[i]].Metadata.CreatedAt, memories[order[j]].Metadata.CreatedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return order[i] < order[j]
	})
	return order
}

func cloneInsights(g types.GlobalInsights) types.GlobalInsights {
	g.CommonIssues = append([]types.RankedItem{}, g.CommonIssues...)
	g.SuccessfulSolutions = append([]types.RankedItem{}, g.SuccessfulSolutions...)
	return g
}
