package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulwise/convmem/internal/engine"
	"github.com/haulwise/convmem/internal/memorybank"
	"github.com/haulwise/convmem/pkg/types"
	"github.com/haulwise/convmem/web/handlers"
)

func newTestAPI(t *testing.T) (*engine.ContextStore, http.Handler) {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.PersistMode = engine.PersistSync
	store, err := engine.NewContextStore(nil, memorybank.NewRegistry(zerolog.Nop()), cfg, zerolog.Nop())
	require.NoError(t, err)

	mux := http.NewServeMux()
	handlers.NewAPIHandlers(store, zerolog.Nop()).Register(mux)
	return store, mux
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func createConversation(t *testing.T, h http.Handler, convID, clientID, agentID string) {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/conversations", map[string]string{
		"conversationId": convID,
		"clientId":       clientID,
		"agentId":        agentID,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestCreateConversation(t *testing.T) {
	_, h := newTestAPI(t)

	w := do(t, h, http.MethodPost, "/api/conversations", map[string]string{
		"conversationId": "c1",
		"clientId":       "client-1",
		"agentId":        "agent-1",
		"name":           "Dana",
		"timezone":       "Europe/Berlin",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	c := decode[types.ConversationContext](t, w)
	assert.Equal(t, "c1", c.ConversationID)
	assert.Equal(t, "Dana", c.ClientProfile.Name)
	assert.Equal(t, "Europe/Berlin", c.ClientProfile.Timezone)
	assert.Equal(t, types.StageGreeting, c.ConversationFlow.ConversationStage)
}

func TestCreateConversation_Idempotent(t *testing.T) {
	_, h := newTestAPI(t)
	createConversation(t, h, "c1", "client-1", "agent-1")

	w := do(t, h, http.MethodPost, "/api/conversations", map[string]string{
		"conversationId": "c1",
		"clientId":       "client-1",
		"agentId":        "agent-1",
		"name":           "Ignored",
	})
	require.Equal(t, http.StatusOK, w.Code)
	c := decode[types.ConversationContext](t, w)
	assert.Empty(t, c.ClientProfile.Name)
}

func TestCreateConversation_BadRequests(t *testing.T) {
	_, h := newTestAPI(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"empty body", nil},
		{"malformed json", `{"conversationId":`},
		{"missing agent", map[string]string{"conversationId": "c1", "clientId": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/conversations", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decode[handlers.ErrorResponse](t, w)
			assert.Equal(t, "Bad Request", resp.Code)
			assert.NotEmpty(t, resp.Details)
		})
	}
}

func TestGetConversation(t *testing.T) {
	_, h := newTestAPI(t)
	createConversation(t, h, "c1", "client-1", "agent-1")

	w := do(t, h, http.MethodGet, "/api/conversations/c1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddMessage(t *testing.T) {
	_, h := newTestAPI(t)
	createConversation(t, h, "c1", "client-1", "agent-1")

	w := do(t, h, http.MethodPost, "/api/conversations/c1/messages", map[string]interface{}{
		"content": "Hi, my email is dana@example.com and the export keeps failing",
		"sender":  "user",
		"agentContext": map[string]interface{}{
			"conversationId":  "c1",
			"clientId":        "client-1",
			"userPreferences": map[string]interface{}{"channel": "email"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	c := decode[types.ConversationContext](t, w)
	require.Len(t, c.ConversationHistory, 1)
	assert.NotEmpty(t, c.ConversationHistory[0].ID)
	assert.Equal(t, "text", c.ConversationHistory[0].Type)
	assert.Equal(t, 1, c.Metadata.TotalMessages)
	assert.Equal(t, "dana@example.com", c.AgentMemory.KeyFacts["email"])
	assert.Equal(t, "email", c.ClientProfile.Preferences["channel"])
}

func TestAddMessage_Errors(t *testing.T) {
	_, h := newTestAPI(t)
	createConversation(t, h, "c1", "client-1", "agent-1")

	w := do(t, h, http.MethodPost, "/api/conversations/missing/messages", map[string]string{
		"content": "hello", "sender": "user",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/api/conversations/c1/messages", map[string]string{
		"content": "hello", "sender": "robot",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateSatisfaction(t *testing.T) {
	_, h := newTestAPI(t)
	createConversation(t, h, "c1", "client-1", "agent-1")

	w := do(t, h, http.MethodPost, "/api/conversations/c1/satisfaction", map[string]interface{}{
		"score": 8.5, "feedback": "quick answers",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	c := decode[types.ConversationContext](t, w)
	assert.Equal(t, 8.5, c.Metadata.ClientSatisfaction)
	assert.Contains(t, c.AgentMemory.RelationshipNotes, "Satisfaction 8.5/10: quick answers")

	w = do(t, h, http.MethodPost, "/api/conversations/c1/satisfaction", map[string]interface{}{"score": 11})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/conversations/c1/satisfaction", map[string]interface{}{"feedback": "no score"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFollowUps(t *testing.T) {
	_, h := newTestAPI(t)
	createConversation(t, h, "c1", "client-1", "agent-1")

	w := do(t, h, http.MethodPost, "/api/conversations/c1/follow-ups", map[string]interface{}{
		"description": "Send the migration guide",
		"dueDate":     "2026-11-01T09:00:00Z",
		"priority":    "high",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	item := decode[types.FollowUpItem](t, w)
	assert.Equal(t, types.FollowUpPending, item.Status)
	assert.Equal(t, types.PriorityHigh, item.Priority)
	require.NotEmpty(t, item.ID)

	w = do(t, h, http.MethodPatch, "/api/conversations/c1/follow-ups/"+item.ID, map[string]string{"status": "completed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[types.FollowUpItem](t, w)
	assert.Equal(t, types.FollowUpCompleted, updated.Status)
	assert.NotNil(t, updated.CompletedAt)

	w = do(t, h, http.MethodPatch, "/api/conversations/c1/follow-ups/nope", map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPatch, "/api/conversations/c1/follow-ups/"+item.ID, map[string]string{"status": "later"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotesNextStepsAndEscalations(t *testing.T) {
	_, h := newTestAPI(t)
	createConversation(t, h, "c1", "client-1", "agent-1")

	w := do(t, h, http.MethodPost, "/api/conversations/c1/notes", map[string]string{"note": "prefers calls after 3pm"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPut, "/api/conversations/c1/next-steps", map[string][]string{"steps": {"check logs", " "}})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/api/conversations/c1/escalations", map[string]string{"trigger": "legal threat"})
	require.Equal(t, http.StatusOK, w.Code)

	c := decode[types.ConversationContext](t, w)
	assert.Equal(t, []string{"prefers calls after 3pm"}, c.AgentMemory.RelationshipNotes)
	assert.Equal(t, []string{"check logs"}, c.ConversationFlow.NextSteps)
	assert.Equal(t, []string{"legal threat"}, c.ConversationFlow.EscalationTriggers)

	w = do(t, h, http.MethodPost, "/api/conversations/c1/notes", map[string]string{"note": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListing(t *testing.T) {
	_, h := newTestAPI(t)
	createConversation(t, h, "c1", "client-1", "agent-1")
	createConversation(t, h, "c2", "client-1", "agent-2")
	createConversation(t, h, "c3", "client-2", "agent-1")

	w := do(t, h, http.MethodGet, "/api/clients/client-1/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[handlers.ConversationListResponse](t, w)
	assert.Equal(t, 2, list.Total)

	w = do(t, h, http.MethodGet, "/api/agents/agent-1/conversations", nil)
	list = decode[handlers.ConversationListResponse](t, w)
	require.Equal(t, 2, list.Total)
	assert.Equal(t, "c1", list.Conversations[0].ConversationID)
	assert.Equal(t, "c3", list.Conversations[1].ConversationID)

	w = do(t, h, http.MethodGet, "/api/agents/nobody/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"conversations":[],"total":0}`, w.Body.String())
}

func TestClientMemoryAndInsights(t *testing.T) {
	_, h := newTestAPI(t)
	createConversation(t, h, "c1", "client-1", "agent-1")

	w := do(t, h, http.MethodGet, "/api/agents/agent-1/clients/client-1/memory", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c1", decode[types.ConversationContext](t, w).ConversationID)

	w = do(t, h, http.MethodGet, "/api/agents/agent-1/clients/stranger/memory", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/agents/agent-1/insights", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[types.GlobalInsights](t, w).TotalClients)

	w = do(t, h, http.MethodGet, "/api/agents/unknown/insights", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportImportRoundTrip(t *testing.T) {
	_, h := newTestAPI(t)
	createConversation(t, h, "c1", "client-1", "agent-1")
	createConversation(t, h, "c2", "client-2", "agent-1")

	w := do(t, h, http.MethodGet, "/api/agents/agent-1/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "bank-agent-1.json")
	exported := w.Body.String()

	w = do(t, h, http.MethodGet, "/api/agents/unknown/export", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, other := newTestAPI(t)
	w = do(t, other, http.MethodPost, "/api/agents/agent-9/import", exported)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[handlers.ImportResponse](t, w)
	assert.Equal(t, "agent-9", resp.AgentID)
	assert.Equal(t, 2, resp.Clients)

	w = do(t, other, http.MethodGet, "/api/agents/agent-9/clients/client-2/memory", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestImport_Malformed(t *testing.T) {
	_, h := newTestAPI(t)

	w := do(t, h, http.MethodPost, "/api/agents/agent-1/import", `{"agentId":"agent-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/agents/agent-1/import", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWrongMethod(t *testing.T) {
	_, h := newTestAPI(t)
	w := do(t, h, http.MethodDelete, "/api/conversations/c1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
