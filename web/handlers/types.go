package handlers

import (
	"time"

	"github.com/haulwise/convmem/internal/engine"
	"github.com/haulwise/convmem/internal/storage"
	"github.com/haulwise/convmem/pkg/types"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// CreateConversationRequest is the body of POST /api/conversations.
// Seed fields are optional and only apply when the conversation is new.
type CreateConversationRequest struct {
	ConversationID string `json:"conversationId"`
	ClientID       string `json:"clientId"`
	AgentID        string `json:"agentId"`
	engine.Seed
}

// AddMessageRequest is the body of POST /api/conversations/{id}/messages.
type AddMessageRequest struct {
	ID        string                 `json:"id,omitempty"`
	Content   string                 `json:"content"`
	Sender    types.Sender           `json:"sender"`
	Type      string                 `json:"type,omitempty"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Context   *types.AgentContext    `json:"agentContext,omitempty"`
}

// Message converts the request into a message for the engine.
func (r AddMessageRequest) Message() types.Message {
	msg := types.Message{
		ID:       r.ID,
		Content:  r.Content,
		Sender:   r.Sender,
		Type:     r.Type,
		Metadata: r.Metadata,
	}
	if r.Timestamp != nil {
		msg.Timestamp = *r.Timestamp
	}
	return msg
}

// SatisfactionRequest is the body of POST /api/conversations/{id}/satisfaction.
type SatisfactionRequest struct {
	Score    *float64 `json:"score"`
	Feedback string   `json:"feedback,omitempty"`
}

// FollowUpRequest is the body of POST /api/conversations/{id}/follow-ups.
type FollowUpRequest struct {
	Description string         `json:"description"`
	DueDate     time.Time      `json:"dueDate"`
	Priority    types.Priority `json:"priority,omitempty"`
}

// FollowUpStatusRequest is the body of PATCH /api/conversations/{id}/follow-ups/{itemId}.
type FollowUpStatusRequest struct {
	Status types.FollowUpStatus `json:"status"`
}

// NoteRequest is the body of POST /api/conversations/{id}/notes.
type NoteRequest struct {
	Note string `json:"note"`
}

// NextStepsRequest is the body of PUT /api/conversations/{id}/next-steps.
type NextStepsRequest struct {
	Steps []string `json:"steps"`
}

// EscalationRequest is the body of POST /api/conversations/{id}/escalations.
type EscalationRequest struct {
	Trigger string `json:"trigger"`
}

// ConversationListResponse wraps a list of contexts.
type ConversationListResponse struct {
	Conversations []*types.ConversationContext `json:"conversations"`
	Total         int                          `json:"total"`
}

// ImportResponse acknowledges a memory bank import.
type ImportResponse struct {
	AgentID string `json:"agentId"`
	Clients int    `json:"clients"` // client memories now held by the agent
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string         `json:"status"`
	Storage   string         `json:"storage"`
	Engine    engine.Stats   `json:"engine"`
	Database  *storage.Stats `json:"database,omitempty"`
	Breaker   string         `json:"breaker,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
