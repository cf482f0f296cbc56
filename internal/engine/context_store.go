package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haulwise/convmem/internal/inference"
	"github.com/haulwise/convmem/internal/memorybank"
	"github.com/haulwise/convmem/internal/metrics"
	"github.com/haulwise/convmem/internal/storage"
	"github.com/haulwise/convmem/pkg/types"
)

// ContextStore is the single owner of conversation contexts.
//
// Published contexts are immutable: a mutation clones the current context
// under the conversation's lock, edits the clone, and swaps it into the map.
// Readers therefore never block on writers of other conversations and never
// see a half-applied change.
type ContextStore struct {
	config      Config
	persistence storage.Persistence
	deleter     storage.ContextDeleter
	banks       *memorybank.Registry
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	newID       func() string

	mu          sync.RWMutex
	contexts    map[string]*types.ConversationContext
	clientIndex *index
	agentIndex  *index
	locks       *keyedMutex

	// Persistence worker pool (async mode).
	queueMu         sync.RWMutex
	queues          []chan *persistJob
	accepting       bool
	workerWaitGroup sync.WaitGroup
	workerCtx       context.Context
	workerCancel    context.CancelFunc
	retryBackoff    time.Duration

	// State management
	lifecycleMu sync.Mutex
	started     bool

	// Callbacks
	callbackMu sync.RWMutex
	onEvent    func(Event)
}

// Option customizes a ContextStore.
type Option func(*ContextStore)

// WithMetrics records engine metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ContextStore) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *ContextStore) { s.now = now }
}

// WithIDGenerator overrides how session, message and follow-up IDs are minted.
func WithIDGenerator(newID func() string) Option {
	return func(s *ContextStore) { s.newID = newID }
}

// WithRetryBackoff sets the base delay between async write retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *ContextStore) { s.retryBackoff = d }
}

// NewContextStore creates a store. persistence may be nil for a purely
// in-memory store; banks may be nil to get a private registry.
func NewContextStore(persistence storage.Persistence, banks *memorybank.Registry, cfg Config, logger zerolog.Logger, opts ...Option) (*ContextStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	logger = logger.With().Str("component", "engine").Logger()
	if banks == nil {
		banks = memorybank.NewRegistry(logger)
	}

	s := &ContextStore{
		config:       cfg,
		persistence:  persistence,
		banks:        banks,
		logger:       logger,
		now:          time.Now,
		newID:        uuid.NewString,
		contexts:     make(map[string]*types.ConversationContext),
		clientIndex:  newIndex(),
		agentIndex:   newIndex(),
		locks:        newKeyedMutex(),
		retryBackoff: 100 * time.Millisecond,
	}
	if d, ok := persistence.(storage.ContextDeleter); ok {
		s.deleter = d
	}
	for _, opt := range opts {
		opt(s)
	}
	banks.SetClock(s.now)
	return s, nil
}

// SetOnEvent sets a callback fired after every successful mutation. It runs
// on the mutating goroutine and must not block.
func (s *ContextStore) SetOnEvent(callback func(Event)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onEvent = callback
}

// Banks returns the memory bank registry the store writes through to.
func (s *ContextStore) Banks() *memorybank.Registry {
	return s.banks
}

// Start rehydrates contexts, indexes and banks from persistence and starts
// the persistence workers in async mode. A failed load is logged and the
// store starts empty.
func (s *ContextStore) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	s.logger.Info().Str("persist_mode", string(s.config.PersistMode)).Msg("starting context store")

	if s.persistence != nil {
		s.rehydrate(ctx)
	}

	if s.config.PersistMode == PersistAsync {
		s.workerCtx, s.workerCancel = context.WithCancel(context.Background())
		s.startWorkerPool(s.workerCtx)
	}

	s.started = true
	s.logger.Info().Msg("context store started")
	return nil
}

// rehydrate loads banks, then contexts. A loaded context replaces the bank's
// copy for its (agent, client) pair when it is newer.
func (s *ContextStore) rehydrate(ctx context.Context) {
	banks, err := s.persistence.LoadAllMemoryBanks(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load memory banks, starting with none")
	} else {
		s.banks.Restore(banks)
	}

	contexts, err := s.persistence.LoadAllContexts(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load contexts, starting with none")
		return
	}

	s.mu.Lock()
	s.contexts = make(map[string]*types.ConversationContext, len(contexts))
	s.clientIndex.reset()
	s.agentIndex.reset()
	for _, c := range contexts {
		if c == nil || c.ConversationID == "" {
			continue
		}
		s.contexts[c.ConversationID] = c
		s.clientIndex.add(c.ClientID, c.ConversationID)
		s.agentIndex.add(c.AgentID, c.ConversationID)
	}
	loaded := len(s.contexts)
	s.mu.Unlock()

	refreshed := 0
	for _, c := range contexts {
		if c == nil || c.ConversationID == "" {
			continue
		}
		prior := s.banks.ClientMemory(c.AgentID, c.ClientID)
		if prior == nil || c.Metadata.UpdatedAt.After(prior.Metadata.UpdatedAt) {
			s.banks.Put(c)
			refreshed++
		}
	}

	s.metrics.SetActiveContexts(loaded)
	s.logger.Info().
		Int("contexts", loaded).
		Int("banks", s.banks.Len()).
		Int("bank_entries_refreshed", refreshed).
		Msg("state rehydrated from persistence")
}

// Shutdown drains the persistence workers and writes every memory bank.
func (s *ContextStore) Shutdown(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started {
		return ErrNotStarted
	}

	s.logger.Info().Msg("shutting down context store")

	var drainErr error
	if s.config.PersistMode == PersistAsync {
		if drainErr = s.stopWorkerPool(ctx); drainErr != nil {
			s.logger.Warn().Err(drainErr).Msg("persistence worker shutdown had errors")
		}
	}

	flushed := s.FlushBanks(ctx)
	s.started = false
	s.logger.Info().Int("banks_flushed", flushed).Msg("context store shut down")
	return drainErr
}

// FlushBanks writes every memory bank to persistence and returns how many
// were written successfully.
func (s *ContextStore) FlushBanks(ctx context.Context) int {
	if s.persistence == nil {
		return 0
	}
	written := 0
	for _, bank := range s.banks.Snapshot() {
		if err := s.write(ctx, &persistJob{kind: jobSaveBank, key: bank.AgentID, bank: bank}); err == nil {
			written++
		}
	}
	return written
}

// CreateConversation returns the context for conversationID, creating it if
// needed. A repeat call returns the existing context unchanged and ignores
// seed. A new context starts from what the agent remembers about the client.
func (s *ContextStore) CreateConversation(ctx context.Context, conversationID, clientID, agentID string, seed *Seed) (*types.ConversationContext, error) {
	if conversationID == "" || clientID == "" || agentID == "" {
		return nil, fmt.Errorf("%w: conversationId, clientId and agentId are required", ErrInvalidInput)
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	if existing := s.lookup(conversationID); existing != nil {
		if existing.ClientID != clientID || existing.AgentID != agentID {
			s.logger.Warn().
				Str("conversation_id", conversationID).
				Str("client_id", clientID).
				Str("agent_id", agentID).
				Msg("create for existing conversation with different participants, returning existing")
		}
		return existing.Clone(), nil
	}

	now := s.now()
	sessionID := ""
	if seed != nil {
		sessionID = seed.SessionID
	}
	if sessionID == "" {
		sessionID = s.newID()
	}

	c := types.NewConversationContext(conversationID, clientID, agentID, sessionID, now)
	if prior := s.banks.ClientMemory(agentID, clientID); prior != nil {
		carryForward(c, prior)
	}
	c.ClientProfile.TotalInteractions++
	c.ClientProfile.LastInteraction = now
	applySeed(c, seed)

	s.mu.Lock()
	s.contexts[conversationID] = c
	active := len(s.contexts)
	s.mu.Unlock()
	s.clientIndex.add(clientID, conversationID)
	s.agentIndex.add(agentID, conversationID)

	s.banks.Put(c)
	s.persist(ctx, &persistJob{kind: jobSaveContext, key: conversationID, context: c.Clone()})
	s.metrics.ConversationCreated(active)
	s.emit(Event{Type: EventContextCreated, ConversationID: conversationID, ClientID: clientID, AgentID: agentID, Stage: c.ConversationFlow.ConversationStage, Timestamp: now})

	s.logger.Debug().
		Str("conversation_id", conversationID).
		Str("client_id", clientID).
		Str("agent_id", agentID).
		Int("total_interactions", c.ClientProfile.TotalInteractions).
		Msg("conversation created")
	return c.Clone(), nil
}

// AddMessage appends msg and folds everything inferred from it into the
// context. Signals from either side are merged; only client messages count
// as interactions. Missing message IDs and timestamps are filled in.
func (s *ContextStore) AddMessage(ctx context.Context, conversationID string, msg types.Message, hints *types.AgentContext) (*types.ConversationContext, error) {
	if !msg.Sender.IsValid() {
		return nil, fmt.Errorf("%w: sender must be %q or %q", ErrInvalidInput, types.SenderUser, types.SenderAgent)
	}

	var inferTime time.Duration
	c, err := s.mutate(ctx, conversationID, "add_message", func(c *types.ConversationContext, now time.Time) (Event, error) {
		if msg.ID == "" {
			msg.ID = s.newID()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		if msg.Type == "" {
			msg.Type = "text"
		}
		c.ConversationHistory = append(c.ConversationHistory, msg)
		c.Metadata.TotalMessages++

		start := time.Now()
		sig := inference.Analyze(msg.Content)
		inferTime = time.Since(start)

		if msg.Sender == types.SenderUser {
			c.ClientProfile.TotalInteractions++
		} else {
			at := msg.Timestamp
			c.Metadata.LastAgentInteraction = &at
			c.Metadata.AverageResponseTime = averageResponseTime(c.ConversationHistory)
		}
		mergeProfileSignals(c, sig)
		mergeMemorySignals(c, sig)
		applyFlow(&c.ConversationFlow, sig)

		if hints != nil && len(hints.UserPreferences) > 0 {
			mergePreferences(c.ClientProfile.Preferences, hints.UserPreferences)
		}

		c.ClientProfile.LastInteraction = now
		return Event{Type: EventMessageAdded, Stage: c.ConversationFlow.ConversationStage}, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.MessageProcessed(string(msg.Sender), inferTime)
	return c, nil
}

// UpdateSatisfaction records a 0-10 score. Out-of-range scores are rejected
// rather than clamped. A non-empty feedback string is kept as a
// relationship note.
func (s *ContextStore) UpdateSatisfaction(ctx context.Context, conversationID string, score float64, feedback string) (*types.ConversationContext, error) {
	if math.IsNaN(score) || score < types.MinSatisfaction || score > types.MaxSatisfaction {
		return nil, fmt.Errorf("%w: %v (want %v-%v)", ErrInvalidScore, score, types.MinSatisfaction, types.MaxSatisfaction)
	}
	return s.mutate(ctx, conversationID, "update_satisfaction", func(c *types.ConversationContext, _ time.Time) (Event, error) {
		c.Metadata.ClientSatisfaction = score
		c.ClientProfile.SatisfactionScore = score
		if feedback = strings.TrimSpace(feedback); feedback != "" {
			c.AgentMemory.RelationshipNotes = append(c.AgentMemory.RelationshipNotes,
				fmt.Sprintf("Satisfaction %g/10: %s", score, feedback))
		}
		return Event{Type: EventContextUpdated}, nil
	})
}

// AddFollowUpItem appends a pending follow-up. An empty priority means medium.
func (s *ContextStore) AddFollowUpItem(ctx context.Context, conversationID, description string, dueDate time.Time, priority types.Priority) (*types.FollowUpItem, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	if priority == "" {
		priority = types.PriorityMedium
	}
	if !priority.IsValid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, priority)
	}

	var item types.FollowUpItem
	_, err := s.mutate(ctx, conversationID, "add_follow_up", func(c *types.ConversationContext, now time.Time) (Event, error) {
		item = types.FollowUpItem{
			ID:          s.newID(),
			Description: description,
			DueDate:     dueDate,
			Status:      types.FollowUpPending,
			Priority:    priority,
			CreatedAt:   now,
		}
		c.AgentMemory.FollowUpItems = append(c.AgentMemory.FollowUpItems, item)
		return Event{Type: EventContextUpdated}, nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateFollowUpStatus moves a follow-up to status. Completing stamps
// completedAt; any other status clears it.
func (s *ContextStore) UpdateFollowUpStatus(ctx context.Context, conversationID, itemID string, status types.FollowUpStatus) (*types.FollowUpItem, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown follow-up status %q", ErrInvalidInput, status)
	}

	var item types.FollowUpItem
	_, err := s.mutate(ctx, conversationID, "update_follow_up", func(c *types.ConversationContext, now time.Time) (Event, error) {
		for i := range c.AgentMemory.FollowUpItems {
			f := &c.AgentMemory.FollowUpItems[i]
			if f.ID != itemID {
				continue
			}
			f.Status = status
			f.CompletedAt = nil
			if status == types.FollowUpCompleted {
				at := now
				f.CompletedAt = &at
			}
			item = *f
			return Event{Type: EventContextUpdated}, nil
		}
		return Event{}, fmt.Errorf("%w: %s in conversation %s", ErrFollowUpNotFound, itemID, conversationID)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// AddRelationshipNote appends a free-form note to the agent's memory.
func (s *ContextStore) AddRelationshipNote(ctx context.Context, conversationID, note string) (*types.ConversationContext, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, fmt.Errorf("%w: note is required", ErrInvalidInput)
	}
	return s.mutate(ctx, conversationID, "add_note", func(c *types.ConversationContext, _ time.Time) (Event, error) {
		c.AgentMemory.RelationshipNotes = append(c.AgentMemory.RelationshipNotes, note)
		return Event{Type: EventContextUpdated}, nil
	})
}

// SetNextSteps replaces the conversation's next steps.
func (s *ContextStore) SetNextSteps(ctx context.Context, conversationID string, steps []string) (*types.ConversationContext, error) {
	cleaned := make([]string, 0, len(steps))
	for _, step := range steps {
		if step = strings.TrimSpace(step); step != "" {
			cleaned = append(cleaned, step)
		}
	}
	return s.mutate(ctx, conversationID, "set_next_steps", func(c *types.ConversationContext, _ time.Time) (Event, error) {
		c.ConversationFlow.NextSteps = cleaned
		return Event{Type: EventContextUpdated}, nil
	})
}

// AddEscalationTrigger records a reason to escalate, once.
func (s *ContextStore) AddEscalationTrigger(ctx context.Context, conversationID, trigger string) (*types.ConversationContext, error) {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		return nil, fmt.Errorf("%w: trigger is required", ErrInvalidInput)
	}
	return s.mutate(ctx, conversationID, "add_escalation", func(c *types.ConversationContext, _ time.Time) (Event, error) {
		for _, existing := range c.ConversationFlow.EscalationTriggers {
			if existing == trigger {
				return Event{Type: EventContextUpdated}, nil
			}
		}
		c.ConversationFlow.EscalationTriggers = append(c.ConversationFlow.EscalationTriggers, trigger)
		return Event{Type: EventContextUpdated}, nil
	})
}

// GetContext returns a copy of the context, or nil if it does not exist.
func (s *ContextStore) GetContext(conversationID string) *types.ConversationContext {
	return s.lookup(conversationID).Clone()
}

// GetClientHistory returns every conversation with clientID across all
// agents, in creation order.
func (s *ContextStore) GetClientHistory(clientID string) []*types.ConversationContext {
	return s.collect(s.clientIndex.get(clientID))
}

// GetAgentConversations returns every conversation agentID has had, in
// creation order.
func (s *ContextStore) GetAgentConversations(agentID string) []*types.ConversationContext {
	return s.collect(s.agentIndex.get(agentID))
}

// ClientMemory returns a copy of the agent's latest memory of clientID, or
// nil if the agent has never spoken with the client.
func (s *ContextStore) ClientMemory(agentID, clientID string) *types.ConversationContext {
	return s.banks.ClientMemory(agentID, clientID)
}

// Insights computes the agent's global insights from its memory bank.
func (s *ContextStore) Insights(agentID string) (types.GlobalInsights, error) {
	return s.banks.Insights(agentID)
}

// ExportAgentMemory serializes the agent's memory bank.
func (s *ContextStore) ExportAgentMemory(agentID string) ([]byte, error) {
	return s.banks.Export(agentID)
}

// ImportAgentMemory replaces the agent's memory bank and persists it.
// Malformed documents are rejected without touching the existing bank.
func (s *ContextStore) ImportAgentMemory(ctx context.Context, agentID string, data []byte) error {
	if agentID == "" {
		return fmt.Errorf("%w: agentId is required", ErrInvalidInput)
	}
	err := s.banks.Import(agentID, data)
	s.metrics.BankImport(err)
	if err != nil {
		return err
	}

	if bank := s.banks.Get(agentID); bank != nil {
		s.persist(ctx, &persistJob{kind: jobSaveBank, key: agentID, bank: bank})
	}
	s.emit(Event{Type: EventBankImported, AgentID: agentID, Timestamp: s.now()})
	return nil
}

// CleanupExpired removes contexts not updated within olderThan from memory,
// both indexes and persistence. Bank copies are kept since they are the
// agent's memory of the client; the affected banks are persisted so that
// memory survives the context rows going away.
func (s *ContextStore) CleanupExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention age must be positive, got %v", ErrInvalidInput, olderThan)
	}
	cutoff := s.now().Add(-olderThan)

	s.mu.RLock()
	var candidates []string
	for id, c := range s.contexts {
		if c.Metadata.UpdatedAt.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	agents := make(map[string]struct{})
	removed := 0
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if agentID, ok := s.expire(ctx, id, cutoff); ok {
			agents[agentID] = struct{}{}
			removed++
		}
	}

	for agentID := range agents {
		if bank := s.banks.Get(agentID); bank != nil {
			s.persist(ctx, &persistJob{kind: jobSaveBank, key: agentID, bank: bank})
		}
	}

	s.mu.RLock()
	active := len(s.contexts)
	s.mu.RUnlock()
	s.metrics.ContextsRemoved(removed, active)

	if removed > 0 {
		s.emit(Event{Type: EventContextsExpired, Count: removed, Timestamp: s.now()})
		s.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("expired contexts removed")
	}
	return removed, nil
}

// expire removes one context if it is still older than cutoff.
func (s *ContextStore) expire(ctx context.Context, conversationID string, cutoff time.Time) (string, bool) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	s.mu.Lock()
	c, ok := s.contexts[conversationID]
	if !ok || !c.Metadata.UpdatedAt.Before(cutoff) {
		s.mu.Unlock()
		return "", false
	}
	delete(s.contexts, conversationID)
	s.mu.Unlock()

	s.clientIndex.remove(c.ClientID, conversationID)
	s.agentIndex.remove(c.AgentID, conversationID)
	s.persist(ctx, &persistJob{kind: jobDeleteContext, key: conversationID})
	return c.AgentID, true
}

// Stats summarizes the store.
func (s *ContextStore) Stats() Stats {
	s.mu.RLock()
	contexts := len(s.contexts)
	s.mu.RUnlock()

	s.lifecycleMu.Lock()
	started := s.started
	s.lifecycleMu.Unlock()

	return Stats{
		Contexts:   contexts,
		Clients:    s.clientIndex.keys(),
		Agents:     s.agentIndex.keys(),
		Banks:      s.banks.Len(),
		QueueDepth: s.queueDepth(),
		Started:    started,
	}
}

// mutate applies fn to a clone of the context under the conversation lock,
// publishes the clone, refreshes the agent's bank and persists. fn returns
// the event to emit; Type is required, identity fields are filled in.
func (s *ContextStore) mutate(ctx context.Context, conversationID, op string, fn func(c *types.ConversationContext, now time.Time) (Event, error)) (*types.ConversationContext, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	current := s.lookup(conversationID)
	if current == nil {
		s.logger.Warn().Str("conversation_id", conversationID).Str("op", op).Msg("conversation context not found")
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, conversationID)
	}

	now := s.now()
	next := current.Clone()
	event, err := fn(next, now)
	if err != nil {
		return nil, err
	}
	next.Metadata.UpdatedAt = now

	s.mu.Lock()
	s.contexts[conversationID] = next
	s.mu.Unlock()

	s.banks.Put(next)
	s.persist(ctx, &persistJob{kind: jobSaveContext, key: conversationID, context: next.Clone()})

	event.ConversationID = next.ConversationID
	event.ClientID = next.ClientID
	event.AgentID = next.AgentID
	event.Timestamp = now
	s.emit(event)

	return next.Clone(), nil
}

func (s *ContextStore) lookup(conversationID string) *types.ConversationContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contexts[conversationID]
}

func (s *ContextStore) collect(ids []string) []*types.ConversationContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ConversationContext, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.contexts[id]; ok {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (s *ContextStore) emit(e Event) {
	s.callbackMu.RLock()
	cb := s.onEvent
	s.callbackMu.RUnlock()
	if cb != nil {
		cb(e)
	}
}
