// Package handlers provides the HTTP handlers, middleware and WebSocket hub
// for the convmem API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/haulwise/convmem/internal/engine"
	"github.com/haulwise/convmem/internal/memorybank"
	"github.com/haulwise/convmem/pkg/types"
)

const (
	maxBodyBytes   = 1 << 20
	maxImportBytes = 10 << 20
)

// ConversationEngine is the subset of *engine.ContextStore the API uses.
type ConversationEngine interface {
	CreateConversation(ctx context.Context, conversationID, clientID, agentID string, seed *engine.Seed) (*types.ConversationContext, error)
	AddMessage(ctx context.Context, conversationID string, msg types.Message, hints *types.AgentContext) (*types.ConversationContext, error)
	UpdateSatisfaction(ctx context.Context, conversationID string, score float64, feedback string) (*types.ConversationContext, error)
	AddFollowUpItem(ctx context.Context, conversationID, description string, dueDate time.Time, priority types.Priority) (*types.FollowUpItem, error)
	UpdateFollowUpStatus(ctx context.Context, conversationID, itemID string, status types.FollowUpStatus) (*types.FollowUpItem, error)
	AddRelationshipNote(ctx context.Context, conversationID, note string) (*types.ConversationContext, error)
	SetNextSteps(ctx context.Context, conversationID string, steps []string) (*types.ConversationContext, error)
	AddEscalationTrigger(ctx context.Context, conversationID, trigger string) (*types.ConversationContext, error)
	GetContext(conversationID string) *types.ConversationContext
	GetClientHistory(clientID string) []*types.ConversationContext
	GetAgentConversations(agentID string) []*types.ConversationContext
	ClientMemory(agentID, clientID string) *types.ConversationContext
	Insights(agentID string) (types.GlobalInsights, error)
	ExportAgentMemory(agentID string) ([]byte, error)
	ImportAgentMemory(ctx context.Context, agentID string, data []byte) error
	Stats() engine.Stats
}

// APIHandlers serves the conversation and agent memory endpoints.
type APIHandlers struct {
	engine ConversationEngine
	logger zerolog.Logger
}

// NewAPIHandlers creates the API handlers.
func NewAPIHandlers(e ConversationEngine, logger zerolog.Logger) *APIHandlers {
	return &APIHandlers{
		engine: e,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Register mounts the API routes on mux.
func (h *APIHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/conversations", h.CreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", h.GetConversation)
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.AddMessage)
	mux.HandleFunc("POST /api/conversations/{id}/satisfaction", h.UpdateSatisfaction)
	mux.HandleFunc("POST /api/conversations/{id}/follow-ups", h.AddFollowUp)
	mux.HandleFunc("PATCH /api/conversations/{id}/follow-ups/{itemId}", h.UpdateFollowUp)
	mux.HandleFunc("POST /api/conversations/{id}/notes", h.AddNote)
	mux.HandleFunc("PUT /api/conversations/{id}/next-steps", h.SetNextSteps)
	mux.HandleFunc("POST /api/conversations/{id}/escalations", h.AddEscalation)

	mux.HandleFunc("GET /api/clients/{clientId}/conversations", h.ClientConversations)

	mux.HandleFunc("GET /api/agents/{agentId}/conversations", h.AgentConversations)
	mux.HandleFunc("GET /api/agents/{agentId}/clients/{clientId}/memory", h.ClientMemory)
	mux.HandleFunc("GET /api/agents/{agentId}/insights", h.Insights)
	mux.HandleFunc("GET /api/agents/{agentId}/export", h.ExportBank)
	mux.HandleFunc("POST /api/agents/{agentId}/import", h.ImportBank)
}

// CreateConversation handles POST /api/conversations. Creating an existing
// conversation returns it unchanged.
func (h *APIHandlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.engine.CreateConversation(r.Context(), req.ConversationID, req.ClientID, req.AgentID, &req.Seed)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// GetConversation handles GET /api/conversations/{id}.
func (h *APIHandlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := extractID(r)
	c := h.engine.GetContext(id)
	if c == nil {
		respondError(w, http.StatusNotFound, "Conversation not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// AddMessage handles POST /api/conversations/{id}/messages.
func (h *APIHandlers) AddMessage(w http.ResponseWriter, r *http.Request) {
	var req AddMessageRequest
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.engine.AddMessage(r.Context(), extractID(r), req.Message(), req.Context)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// UpdateSatisfaction handles POST /api/conversations/{id}/satisfaction.
func (h *APIHandlers) UpdateSatisfaction(w http.ResponseWriter, r *http.Request) {
	var req SatisfactionRequest
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Score == nil {
		respondError(w, http.StatusBadRequest, "score is required", nil)
		return
	}

	c, err := h.engine.UpdateSatisfaction(r.Context(), extractID(r), *req.Score, req.Feedback)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// AddFollowUp handles POST /api/conversations/{id}/follow-ups.
func (h *APIHandlers) AddFollowUp(w http.ResponseWriter, r *http.Request) {
	var req FollowUpRequest
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	item, err := h.engine.AddFollowUpItem(r.Context(), extractID(r), req.Description, req.DueDate, req.Priority)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

// UpdateFollowUp handles PATCH /api/conversations/{id}/follow-ups/{itemId}.
func (h *APIHandlers) UpdateFollowUp(w http.ResponseWriter, r *http.Request) {
	var req FollowUpStatusRequest
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	item, err := h.engine.UpdateFollowUpStatus(r.Context(), extractID(r), r.PathValue("itemId"), req.Status)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// AddNote handles POST /api/conversations/{id}/notes.
func (h *APIHandlers) AddNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.engine.AddRelationshipNote(r.Context(), extractID(r), req.Note)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// SetNextSteps handles PUT /api/conversations/{id}/next-steps.
func (h *APIHandlers) SetNextSteps(w http.ResponseWriter, r *http.Request) {
	var req NextStepsRequest
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.engine.SetNextSteps(r.Context(), extractID(r), req.Steps)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// AddEscalation handles POST /api/conversations/{id}/escalations.
func (h *APIHandlers) AddEscalation(w http.ResponseWriter, r *http.Request) {
	var req EscalationRequest
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.engine.AddEscalationTrigger(r.Context(), extractID(r), req.Trigger)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// ClientConversations handles GET /api/clients/{clientId}/conversations.
func (h *APIHandlers) ClientConversations(w http.ResponseWriter, r *http.Request) {
	respondList(w, h.engine.GetClientHistory(r.PathValue("clientId")))
}

// AgentConversations handles GET /api/agents/{agentId}/conversations.
func (h *APIHandlers) AgentConversations(w http.ResponseWriter, r *http.Request) {
	respondList(w, h.engine.GetAgentConversations(r.PathValue("agentId")))
}

// ClientMemory handles GET /api/agents/{agentId}/clients/{clientId}/memory.
func (h *APIHandlers) ClientMemory(w http.ResponseWriter, r *http.Request) {
	c := h.engine.ClientMemory(r.PathValue("agentId"), r.PathValue("clientId"))
	if c == nil {
		respondError(w, http.StatusNotFound, "No memory of this client", nil)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// Insights handles GET /api/agents/{agentId}/insights.
func (h *APIHandlers) Insights(w http.ResponseWriter, r *http.Request) {
	insights, err := h.engine.Insights(r.PathValue("agentId"))
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, insights)
}

// ExportBank handles GET /api/agents/{agentId}/export.
func (h *APIHandlers) ExportBank(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	data, err := h.engine.ExportAgentMemory(agentID)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "bank-"+agentID+".json"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ImportBank handles POST /api/agents/{agentId}/import. The body is an
// export document; the bank is stored under the agent in the path.
func (h *APIHandlers) ImportBank(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "Import document too large", err)
		return
	}

	if err := h.engine.ImportAgentMemory(r.Context(), agentID, data); err != nil {
		h.respondEngineError(w, err)
		return
	}

	resp := ImportResponse{AgentID: agentID}
	if insights, err := h.engine.Insights(agentID); err == nil {
		resp.Clients = insights.TotalClients
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondEngineError maps engine and registry errors to HTTP statuses.
// Unexpected errors are logged and reported without details.
func (h *APIHandlers) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrContextNotFound),
		errors.Is(err, engine.ErrFollowUpNotFound),
		errors.Is(err, memorybank.ErrBankNotFound):
		respondError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, engine.ErrInvalidScore),
		errors.Is(err, memorybank.ErrMalformedImport):
		respondError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		h.logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

// extractID returns the {id} path value.
func extractID(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("id"))
}

// decodeJSON decodes a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

func respondList(w http.ResponseWriter, contexts []*types.ConversationContext) {
	if contexts == nil {
		contexts = []*types.ConversationContext{}
	}
	respondJSON(w, http.StatusOK, ConversationListResponse{
		Conversations: contexts,
		Total:         len(contexts),
	})
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(status),
	}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}
