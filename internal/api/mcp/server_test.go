package mcp_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulwise/convmem/internal/api/mcp"
	"github.com/haulwise/convmem/internal/engine"
	"github.com/haulwise/convmem/internal/memorybank"
	"github.com/haulwise/convmem/pkg/types"
)

// rpcResponse is used to parse responses from the server.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	ID interface{} `json:"id"`
}

func newTestServer(t *testing.T) (*mcp.Server, *engine.ContextStore) {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.PersistMode = engine.PersistSync
	store, err := engine.NewContextStore(nil, memorybank.NewRegistry(zerolog.Nop()), cfg, zerolog.Nop())
	require.NoError(t, err)
	return mcp.NewServer(store, mcp.WithVersion("test")), store
}

func call(t *testing.T, srv *mcp.Server, req string) rpcResponse {
	t.Helper()
	raw, err := srv.HandleRequest(context.Background(), []byte(req))
	require.NoError(t, err)
	require.NotNil(t, raw)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(raw, &resp), string(raw))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

// callTool invokes a tool through tools/call and decodes the text payload.
func callTool(t *testing.T, srv *mcp.Server, name string, args interface{}) mcp.MCPToolCallResult {
	t.Helper()
	params, err := json.Marshal(map[string]interface{}{"name": name, "arguments": args})
	require.NoError(t, err)
	resp := call(t, srv, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":`+string(params)+`}`)
	require.Nil(t, resp.Error)

	var result mcp.MCPToolCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	return result
}

func decodeText[T any](t *testing.T, result mcp.MCPToolCallResult) T {
	t.Helper()
	require.False(t, result.IsError, result.Content[0].Text)
	var v T
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &v))
	return v
}

func TestInitialize(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := call(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test","version":"1"}}}`)
	require.Nil(t, resp.Error)
	assert.EqualValues(t, 1, resp.ID)

	var result mcp.MCPInitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	assert.Equal(t, "convmem", result.ServerInfo.Name)
	assert.Equal(t, "test", result.ServerInfo.Version)
	assert.NotNil(t, result.Capabilities.Tools)
}

func TestNotificationsGetNoResponse(t *testing.T) {
	srv, _ := newTestServer(t)

	raw, err := srv.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestProtocolErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		req  string
		code int
	}{
		{"parse error", `{not json`, mcp.ErrCodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, mcp.ErrCodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"store_memory"}`, mcp.ErrCodeMethodNotFound},
		{"bad tools/call params", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":[1,2]}`, mcp.ErrCodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, srv, tt.req)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestToolsList(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := call(t, srv, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Nil(t, resp.Error)

	var result mcp.MCPToolsListResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description, tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"], tool.Name)
	}
	assert.Equal(t, []string{
		"create_conversation",
		"add_message",
		"get_context",
		"update_satisfaction",
		"add_follow_up",
		"update_follow_up",
		"add_relationship_note",
		"set_next_steps",
		"add_escalation_trigger",
		"get_client_history",
		"get_agent_conversations",
		"get_client_memory",
		"get_agent_insights",
	}, names)
}

func TestConversationLifecycleViaTools(t *testing.T) {
	srv, store := newTestServer(t)

	created := decodeText[types.ConversationContext](t, callTool(t, srv, "create_conversation", map[string]interface{}{
		"conversation_id": "c1",
		"client_id":       "client-1",
		"agent_id":        "agent-1",
		"seed":            map[string]string{"name": "Dana"},
	}))
	assert.Equal(t, "c1", created.ConversationID)
	assert.Equal(t, "Dana", created.ClientProfile.Name)

	updated := decodeText[types.ConversationContext](t, callTool(t, srv, "add_message", map[string]interface{}{
		"conversation_id":  "c1",
		"content":          "Hi, my email is dana@example.com and the export keeps failing",
		"sender":           "user",
		"user_preferences": map[string]string{"channel": "email"},
	}))
	require.Len(t, updated.ConversationHistory, 1)
	assert.Equal(t, "dana@example.com", updated.AgentMemory.KeyFacts["email"])
	assert.Equal(t, "email", updated.ClientProfile.Preferences["channel"])

	decodeText[types.ConversationContext](t, callTool(t, srv, "update_satisfaction", map[string]interface{}{
		"conversation_id": "c1", "score": 8.5, "feedback": "quick answers",
	}))

	item := decodeText[types.FollowUpItem](t, callTool(t, srv, "add_follow_up", map[string]interface{}{
		"conversation_id": "c1",
		"description":     "Send the migration guide",
		"due_date":        "2026-11-01T09:00:00Z",
		"priority":        "high",
	}))
	assert.Equal(t, types.PriorityHigh, item.Priority)

	done := decodeText[types.FollowUpItem](t, callTool(t, srv, "update_follow_up", map[string]interface{}{
		"conversation_id": "c1", "item_id": item.ID, "status": "completed",
	}))
	assert.Equal(t, types.FollowUpCompleted, done.Status)

	decodeText[types.ConversationContext](t, callTool(t, srv, "add_relationship_note", map[string]interface{}{
		"conversation_id": "c1", "note": "Prefers mornings",
	}))
	steps := decodeText[types.ConversationContext](t, callTool(t, srv, "set_next_steps", map[string]interface{}{
		"conversation_id": "c1", "steps": []string{"verify export", "close ticket"},
	}))
	assert.Equal(t, []string{"verify export", "close ticket"}, steps.ConversationFlow.NextSteps)

	escalated := decodeText[types.ConversationContext](t, callTool(t, srv, "add_escalation_trigger", map[string]interface{}{
		"conversation_id": "c1", "trigger": "mentions legal action",
	}))
	assert.Equal(t, []string{"mentions legal action"}, escalated.ConversationFlow.EscalationTriggers)

	got := decodeText[mcp.ContextResult](t, callTool(t, srv, "get_context", map[string]string{"conversation_id": "c1"}))
	require.True(t, got.Found)
	assert.Equal(t, 8.5, got.Context.Metadata.ClientSatisfaction)
	assert.Contains(t, got.Context.AgentMemory.RelationshipNotes, "Prefers mornings")
	assert.Equal(t, store.GetContext("c1").Metadata.TotalMessages, got.Context.Metadata.TotalMessages)

	history := decodeText[mcp.ConversationListResult](t, callTool(t, srv, "get_client_history", map[string]string{"client_id": "client-1"}))
	assert.Equal(t, 1, history.Total)
	byAgent := decodeText[mcp.ConversationListResult](t, callTool(t, srv, "get_agent_conversations", map[string]string{"agent_id": "agent-1"}))
	assert.Equal(t, 1, byAgent.Total)

	memory := decodeText[mcp.ContextResult](t, callTool(t, srv, "get_client_memory", map[string]string{"agent_id": "agent-1", "client_id": "client-1"}))
	require.True(t, memory.Found)
	assert.Equal(t, "c1", memory.Context.ConversationID)

	insights := decodeText[types.GlobalInsights](t, callTool(t, srv, "get_agent_insights", map[string]string{"agent_id": "agent-1"}))
	assert.Equal(t, 1, insights.TotalClients)
}

func TestToolErrorsAreReportedInEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		tool string
		args interface{}
	}{
		{"unknown tool", "forget_everything", map[string]string{}},
		{"unknown conversation", "add_message", map[string]string{"conversation_id": "missing", "content": "hi", "sender": "user"}},
		{"bad sender", "add_message", map[string]string{"conversation_id": "missing", "content": "hi", "sender": "bot"}},
		{"missing score", "update_satisfaction", map[string]string{"conversation_id": "c1"}},
		{"bad due date", "add_follow_up", map[string]string{"conversation_id": "c1", "description": "x", "due_date": "tomorrow"}},
		{"no bank", "get_agent_insights", map[string]string{"agent_id": "nobody"}},
		{"wrong argument type", "get_context", map[string]int{"conversation_id": 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := callTool(t, srv, tt.tool, tt.args)
			assert.True(t, result.IsError)
			assert.NotEmpty(t, result.Content[0].Text)
		})
	}
}

func TestGetContextNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	escalated := decodeText[types.ConversationContext](t, callTool(t, srv, "add_escalation_trigger", map[string]interface{}{
		"conversation_id": "c1", "trigger": "mentions legal action",
	}))
	assert.Equal(t, []string{"mentions legal action"}, escalated.ConversationFlow.EscalationTriggers)

	got := decodeText[mcp.ContextResult](t, callTool(t, srv, "get_context", map[string]string{"conversation_id": "nope"}))
	assert.False(t, got.Found)
	assert.Nil(t, got.Context)

	memory := decodeText[mcp.ContextResult](t, callTool(t, srv, "get_client_memory", map[string]string{"agent_id": "a", "client_id": "b"}))
	assert.False(t, memory.Found)
}

func TestDirectToolMethods(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := call(t, srv, `{"jsonrpc":"2.0","id":"a","method":"create_conversation","params":{"conversation_id":"c1","client_id":"client-1","agent_id":"agent-1"}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, "a", resp.ID)

	resp = call(t, srv, `{"jsonrpc":"2.0","id":"b","method":"update_satisfaction","params":{"conversation_id":"c1","score":11}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeInvalidParams, resp.Error.Code)

	resp = call(t, srv, `{"jsonrpc":"2.0","id":"c","method":"add_relationship_note","params":{"conversation_id":"missing","note":"x"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeServerError, resp.Error.Code)
}
