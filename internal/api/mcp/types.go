// Package mcp implements the Model Context Protocol (MCP) server for convmem.
// It exposes the conversation engine as JSON-RPC 2.0 tools so an assistant
// can record conversations and recall what it knows about a client.
package mcp

import (
	"encoding/json"

	"github.com/haulwise/convmem/internal/engine"
	"github.com/haulwise/convmem/pkg/types"
)

// CreateConversationArgs contains arguments for the create_conversation tool.
type CreateConversationArgs struct {
	ConversationID string       `json:"conversation_id"` // Required
	ClientID       string       `json:"client_id"`       // Required
	AgentID        string       `json:"agent_id"`        // Required
	Seed           *engine.Seed `json:"seed,omitempty"`  // Profile values that override remembered ones
}

// AddMessageArgs contains arguments for the add_message tool.
type AddMessageArgs struct {
	ConversationID  string                 `json:"conversation_id"`            // Required
	Content         string                 `json:"content"`                    // Message text
	Sender          types.Sender           `json:"sender"`                     // "user" or "agent"
	Type            string                 `json:"type,omitempty"`             // text, file, system (default: text)
	Metadata        map[string]interface{} `json:"metadata,omitempty"`         // Stored with the message
	UserPreferences map[string]interface{} `json:"user_preferences,omitempty"` // Merged into the client profile
}

// ConversationArgs names a single conversation.
type ConversationArgs struct {
	ConversationID string `json:"conversation_id"`
}

// UpdateSatisfactionArgs contains arguments for the update_satisfaction tool.
type UpdateSatisfactionArgs struct {
	ConversationID string   `json:"conversation_id"`
	Score          *float64 `json:"score"`              // 0-10, required
	Feedback       string   `json:"feedback,omitempty"` // Kept as a relationship note
}

// AddFollowUpArgs contains arguments for the add_follow_up tool.
type AddFollowUpArgs struct {
	ConversationID string         `json:"conversation_id"`
	Description    string         `json:"description"`
	DueDate        string         `json:"due_date,omitempty"` // RFC 3339
	Priority       types.Priority `json:"priority,omitempty"` // low, medium, high (default: medium)
}

// UpdateFollowUpArgs contains arguments for the update_follow_up tool.
type UpdateFollowUpArgs struct {
	ConversationID string               `json:"conversation_id"`
	ItemID         string               `json:"item_id"`
	Status         types.FollowUpStatus `json:"status"`
}

// AddNoteArgs contains arguments for the add_relationship_note tool.
type AddNoteArgs struct {
	ConversationID string `json:"conversation_id"`
	Note           string `json:"note"`
}

// SetNextStepsArgs contains arguments for the set_next_steps tool.
type SetNextStepsArgs struct {
	ConversationID string   `json:"conversation_id"`
	Steps          []string `json:"steps"`
}

// EscalationArgs contains arguments for the add_escalation_trigger tool.
type EscalationArgs struct {
	ConversationID string `json:"conversation_id"`
	Trigger        string `json:"trigger"`
}

// ClientMemoryArgs contains arguments for the get_client_memory tool.
type ClientMemoryArgs struct {
	AgentID  string `json:"agent_id"`
	ClientID string `json:"client_id"`
}

// ClientArgs names a client.
type ClientArgs struct {
	ClientID string `json:"client_id"`
}

// AgentArgs names an agent.
type AgentArgs struct {
	AgentID string `json:"agent_id"`
}

// ContextResult wraps a conversation context lookup.
type ContextResult struct {
	Found   bool                       `json:"found"`
	Context *types.ConversationContext `json:"context,omitempty"`
}

// ConversationListResult lists conversations, oldest first.
type ConversationListResult struct {
	Conversations []*types.ConversationContext `json:"conversations"`
	Total         int                          `json:"total"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`          // Must be "2.0"
	Method  string          `json:"method"`           // Method name
	Params  json.RawMessage `json:"params,omitempty"` // Method parameters
	ID      interface{}     `json:"id,omitempty"`     // Request ID; absent for notifications
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`          // Must be "2.0"
	Result  interface{}   `json:"result,omitempty"` // Result (if successful)
	Error   *JSONRPCError `json:"error,omitempty"`  // Error (if failed)
	ID      interface{}   `json:"id"`               // Request ID
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`           // Error code
	Message string      `json:"message"`        // Error message
	Data    interface{} `json:"data,omitempty"` // Additional error data
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrCodeServerError    = -32000 // Server error
)

// ---------------------------------------------------------------------------
// Standard MCP protocol types (initialize / tools/list / tools/call)
// ---------------------------------------------------------------------------

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via the MCP tools/list endpoint.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text" for now
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}
