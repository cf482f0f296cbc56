// Package engine owns conversation contexts. It serializes mutations per
// conversation, runs the inference rules on every message, keeps the client
// and agent indexes and the agent memory banks in step, and replicates state
// to persistence either synchronously or through a worker pool.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/haulwise/convmem/pkg/types"
)

var (
	// ErrContextNotFound is returned by mutations on an unknown conversation.
	ErrContextNotFound = errors.New("conversation context not found")

	// ErrInvalidScore is returned for satisfaction scores outside 0-10.
	ErrInvalidScore = errors.New("satisfaction score out of range")

	// ErrFollowUpNotFound is returned when a follow-up item ID is unknown.
	ErrFollowUpNotFound = errors.New("follow-up item not found")

	// ErrInvalidInput is returned for missing identifiers or bad enum values.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyStarted and ErrNotStarted guard the lifecycle methods.
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNotStarted     = errors.New("engine not started")
)

// PersistMode selects how mutations reach persistence.
type PersistMode string

const (
	// PersistSync writes before the mutating call returns. The write happens
	// while the conversation is locked, so rows are always written in order.
	PersistSync PersistMode = "sync"

	// PersistAsync hands writes to a worker pool. Each conversation is pinned
	// to one worker so its writes stay ordered.
	PersistAsync PersistMode = "async"
)

// IsValid reports whether m is a known mode.
func (m PersistMode) IsValid() bool {
	return m == PersistSync || m == PersistAsync
}

// Config holds configuration for the context store.
type Config struct {
	// PersistMode is sync or async (default: async).
	PersistMode PersistMode

	// NumWorkers is the number of persistence workers in async mode (default: 4).
	NumWorkers int

	// QueueSize is the total persistence queue capacity, split across workers (default: 1000).
	QueueSize int

	// ShutdownTimeout is the maximum time to wait for workers to drain on shutdown (default: 30s).
	ShutdownTimeout time.Duration

	// MaxRetries is how many times a worker retries a failed write (default: 3).
	MaxRetries int

	// WriteTimeout bounds a single persistence call (default: 5s).
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PersistMode:     PersistAsync,
		NumWorkers:      4,
		QueueSize:       1000,
		ShutdownTimeout: 30 * time.Second,
		MaxRetries:      3,
		WriteTimeout:    5 * time.Second,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if !c.PersistMode.IsValid() {
		return fmt.Errorf("PersistMode must be %q or %q, got %q", PersistSync, PersistAsync, c.PersistMode)
	}

	if c.NumWorkers < 1 {
		return fmt.Errorf("NumWorkers must be >= 1, got %d", c.NumWorkers)
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("QueueSize must be >= 1, got %d", c.QueueSize)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries must be >= 0, got %d", c.MaxRetries)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout must be > 0, got %v", c.WriteTimeout)
	}

	return nil
}

// Seed carries optional values for a new conversation. Non-empty fields
// override whatever was carried forward from the agent's memory.
type Seed struct {
	SessionID   string                 `json:"sessionId,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Email       string                 `json:"email,omitempty"`
	Phone       string                 `json:"phone,omitempty"`
	CompanyName string                 `json:"companyName,omitempty"`
	Timezone    string                 `json:"timezone,omitempty"`
	Language    string                 `json:"language,omitempty"`
	Preferences map[string]interface{} `json:"preferences,omitempty"`
}

// EventType names a change observers can subscribe to.
type EventType string

const (
	EventContextCreated  EventType = "context_created"
	EventMessageAdded    EventType = "message_added"
	EventContextUpdated  EventType = "context_updated"
	EventBankImported    EventType = "bank_imported"
	EventContextsExpired EventType = "contexts_expired"
)

// Event describes one change. ConversationID and ClientID are empty for
// agent-level events.
type Event struct {
	Type           EventType   `json:"type"`
	ConversationID string      `json:"conversationId,omitempty"`
	ClientID       string      `json:"clientId,omitempty"`
	AgentID        string      `json:"agentId,omitempty"`
	Stage          types.Stage `json:"stage,omitempty"`
	Count          int         `json:"count,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Contexts   int  `json:"contexts"`
	Clients    int  `json:"clients"`
	Agents     int  `json:"agents"`
	Banks      int  `json:"banks"`
	QueueDepth int  `json:"queueDepth"`
	Started    bool `json:"started"`
}
