package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/haulwise/convmem/internal/engine"
	"github.com/haulwise/convmem/internal/memorybank"
	"github.com/haulwise/convmem/pkg/types"
)

// protocolVersion is the MCP revision this server speaks.
const protocolVersion = "2024-11-05"

// ErrInvalidArguments is returned when tool arguments do not decode or a
// required argument is missing.
var ErrInvalidArguments = errors.New("invalid arguments")

// conversationEngine is the subset of engine.ContextStore used by the MCP
// server. Using an interface keeps the package testable without storage.
type conversationEngine interface {
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
}

// tool pairs a tools/list definition with its implementation.
type tool struct {
	def  MCPTool
	call func(ctx context.Context, args json.RawMessage) (interface{}, error)
}

// Server implements the Model Context Protocol for convmem.
type Server struct {
	engine  conversationEngine
	logger  zerolog.Logger
	version string

	tools map[string]tool
	order []string
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithLogger sets the logger. It must not write to stdout when the server
// runs over stdio.
func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported in the initialize handshake.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// NewServer creates an MCP server over e.
func NewServer(e conversationEngine, opts ...ServerOption) *Server {
	s := &Server{
		engine:  e,
		logger:  zerolog.Nop(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "mcp").Logger()
	s.registerTools()
	return s
}

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
// Notifications produce no response: the returned slice is nil.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}

	// Validate JSON-RPC version
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	if req.ID == nil && strings.HasPrefix(req.Method, "notifications/") {
		s.logger.Debug().Str("method", req.Method).Msg("notification")
		return nil, nil
	}

	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result = s.handleInitialize()
	case "initialized", "ping":
		result = map[string]interface{}{}
	case "tools/list":
		result = MCPToolsListResult{Tools: s.toolList()}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	default:
		// Tools can also be called directly by name.
		t, ok := s.tools[req.Method]
		if !ok {
			return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
		}
		result, err = s.invoke(ctx, req.Method, t, req.Params)
	}

	if err != nil {
		return s.errorResponse(req.ID, errorCode(err), err.Error(), nil)
	}
	return s.successResponse(req.ID, result)
}

func (s *Server) handleInitialize() MCPInitializeResult {
	return MCPInitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: MCPServerCapabilities{
			Tools: &MCPToolsCapability{},
		},
		ServerInfo: MCPServerInfo{
			Name:    "convmem",
			Version: s.version,
		},
	}
}

// handleToolsCall dispatches a tools/call request and wraps the result in
// the MCP content envelope. Tool failures are reported in the envelope,
// not as protocol errors.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p MCPToolCallParams
	if err := decodeArgs(params, &p); err != nil {
		return nil, err
	}

	t, ok := s.tools[p.Name]
	if !ok {
		return textResult(fmt.Sprintf("unknown tool: %s", p.Name), true), nil
	}

	result, err := s.invoke(ctx, p.Name, t, p.Arguments)
	if err != nil {
		return textResult(err.Error(), true), nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return textResult(string(text), false), nil
}

func (s *Server) invoke(ctx context.Context, name string, t tool, args json.RawMessage) (interface{}, error) {
	start := time.Now()
	result, err := t.call(ctx, args)
	if err != nil {
		s.logger.Warn().Err(err).Str("tool", name).Msg("tool call failed")
		return nil, err
	}
	s.logger.Debug().Str("tool", name).Dur("duration", time.Since(start)).Msg("tool call")
	return result, nil
}

func (s *Server) toolList() []MCPTool {
	out := make([]MCPTool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name].def)
	}
	return out
}

func (s *Server) register(def MCPTool, call func(ctx context.Context, args json.RawMessage) (interface{}, error)) {
	if s.tools == nil {
		s.tools = make(map[string]tool)
	}
	s.tools[def.Name] = tool{def: def, call: call}
	s.order = append(s.order, def.Name)
}

// registerTools builds the canonical tool set.
func (s *Server) registerTools() {
	s.register(MCPTool{
		Name: "create_conversation",
		Description: "Start a conversation between an agent and a client. Whatever the agent remembers " +
			"about the client (profile, preferences, open issues) is carried into the new context. " +
			"Calling it again with the same conversation_id returns the existing context.",
		InputSchema: objectSchema([]string{"conversation_id", "client_id", "agent_id"}, map[string]interface{}{
			"conversation_id": stringProp("Unique conversation ID (required)"),
			"client_id":       stringProp("Client the agent is talking to (required)"),
			"agent_id":        stringProp("Agent holding the conversation (required)"),
			"seed":            map[string]interface{}{"type": "object", "description": "Profile values (name, email, phone, companyName, timezone, language, preferences) that override remembered ones"},
		}),
	}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args CreateConversationArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.engine.CreateConversation(ctx, args.ConversationID, args.ClientID, args.AgentID, args.Seed)
	})

	s.register(MCPTool{
		Name: "add_message",
		Description: "Append a message to a conversation. Client messages update the client profile " +
			"(contact details, communication style, technical level); both sides update issues, " +
			"solutions and the conversation stage. Returns the updated context.",
		InputSchema: objectSchema([]string{"conversation_id", "content", "sender"}, map[string]interface{}{
			"conversation_id":  stringProp("Conversation ID (required)"),
			"content":          stringProp("Message text (required)"),
			"sender":           enumProp("Who wrote the message (required)", "user", "agent"),
			"type":             stringProp("Message type: text, file, system (default: text)"),
			"metadata":         map[string]interface{}{"type": "object", "description": "Arbitrary key-value metadata stored with the message"},
			"user_preferences": map[string]interface{}{"type": "object", "description": "Preferences to merge into the client profile"},
		}),
	}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args AddMessageArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		msg := types.Message{
			Content:  args.Content,
			Sender:   args.Sender,
			Type:     args.Type,
			Metadata: args.Metadata,
		}
		var hints *types.AgentContext
		if len(args.UserPreferences) > 0 {
			hints = &types.AgentContext{ConversationID: args.ConversationID, UserPreferences: args.UserPreferences}
		}
		return s.engine.AddMessage(ctx, args.ConversationID, msg, hints)
	})

	s.register(MCPTool{
		Name:        "get_context",
		Description: "Fetch the full context of a conversation: client profile, history, agent memory and flow.",
		InputSchema: objectSchema([]string{"conversation_id"}, map[string]interface{}{
			"conversation_id": stringProp("Conversation ID (required)"),
		}),
	}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args ConversationArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.ConversationID == "" {
			return nil, fmt.Errorf("%w: conversation_id is required", ErrInvalidArguments)
		}
		c := s.engine.GetContext(args.ConversationID)
		return ContextResult{Found: c != nil, Context: c}, nil
	})

	s.register(MCPTool{
		Name:        "update_satisfaction",
		Description: "Record the client's satisfaction (0-10) with optional feedback, which is kept as a relationship note.",
		InputSchema: objectSchema([]string{"conversation_id", "score"}, map[string]interface{}{
			"conversation_id": stringProp("Conversation ID (required)"),
			"score":           map[string]interface{}{"type": "number", "minimum": types.MinSatisfaction, "maximum": types.MaxSatisfaction, "description": "Satisfaction score 0-10 (required)"},
			"feedback":        stringProp("Free-text feedback"),
		}),
	}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args UpdateSatisfactionArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.Score == nil {
			return nil, fmt.Errorf("%w: score is required", ErrInvalidArguments)
		}
		return s.engine.UpdateSatisfaction(ctx, args.ConversationID, *args.Score, args.Feedback)
	})

	s.register(MCPTool{
		Name:        "add_follow_up",
		Description: "Add a pending follow-up item the agent owes the client.",
		InputSchema: objectSchema([]string{"conversation_id", "description"}, map[string]interface{}{
			"conversation_id": stringProp("Conversation ID (required)"),
			"description":     stringProp("What needs to happen (required)"),
			"due_date":        stringProp("RFC-3339 due date"),
			"priority":        enumProp("Priority (default: medium)", "low", "medium", "high"),
		}),
	}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args AddFollowUpArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		var due time.Time
		if args.DueDate != "" {
			t, err := time.Parse(time.RFC3339, args.DueDate)
			if err != nil {
				return nil, fmt.Errorf("%w: due_date: %v", ErrInvalidArguments, err)
			}
			due = t
		}
		return s.engine.AddFollowUpItem(ctx, args.ConversationID, args.Description, due, args.Priority)
	})

	s.register(MCPTool{
		Name:        "update_follow_up",
		Description: "Change the status of a follow-up item.",
		InputSchema: objectSchema([]string{"conversation_id", "item_id", "status"}, map[string]interface{}{
			"conversation_id": stringProp("Conversation ID (required)"),
			"item_id":         stringProp("Follow-up item ID (required)"),
			"status":          enumProp("New status (required)", "pending", "completed", "cancelled"),
		}),
	}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args UpdateFollowUpArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.engine.UpdateFollowUpStatus(ctx, args.ConversationID, args.ItemID, args.Status)
	})

	s.register(MCPTool{
		Name:        "add_relationship_note",
		Description: "Remember something about the relationship with the client.",
		InputSchema: objectSchema([]string{"conversation_id", "note"}, map[string]interface{}{
			"conversation_id": stringProp("Conversation ID (required)"),
			"note":            stringProp("The note (required)"),
		}),
	}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args AddNoteArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.engine.AddRelationshipNote(ctx, args.ConversationID, args.Note)
	})

	s.register(MCPTool{
		Name:        "set_next_steps",
		Description: "Replace the agent's planned next steps for the conversation.",
		InputSchema: objectSchema([]string{"conversation_id", "steps"}, map[string]interface{}{
			"conversation_id": stringProp("Conversation ID (required)"),
			"steps":           map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Ordered next steps"},
		}),
	}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args SetNextStepsArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.engine.SetNextSteps(ctx, args.ConversationID, args.Steps)
	})

	s.register(MCPTool{
		Name:        "add_escalation_trigger",
		Description: "Record a reason this conversation may need a human. Duplicate triggers are ignored.",
		InputSchema: objectSchema([]string{"conversation_id", "trigger"}, map[string]interface{}{
			"conversation_id": stringProp("Conversation ID (required)"),
			"trigger":         stringProp("Why to escalate (required)"),
		}),
	}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args EscalationArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.engine.AddEscalationTrigger(ctx, args.ConversationID, args.Trigger)
	})

	s.register(MCPTool{
		Name:        "get_client_history",
		Description: "List every conversation held with a client, across agents, oldest first.",
		InputSchema: objectSchema([]string{"client_id"}, map[string]interface{}{
			"client_id": stringProp("Client ID (required)"),
		}),
	}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args ClientArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return listResult(s.engine.GetClientHistory(args.ClientID)), nil
	})

	s.register(MCPTool{
		Name:        "get_agent_conversations",
		Description: "List every conversation an agent has held, oldest first.",
		InputSchema: objectSchema([]string{"agent_id"}, map[string]interface{}{
			"agent_id": stringProp("Agent ID (required)"),
		}),
	}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args AgentArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return listResult(s.engine.GetAgentConversations(args.AgentID)), nil
	})

	s.register(MCPTool{
		Name:        "get_client_memory",
		Description: "Recall what an agent remembers about a client from their most recent conversation.",
		InputSchema: objectSchema([]string{"agent_id", "client_id"}, map[string]interface{}{
			"agent_id":  stringProp("Agent ID (required)"),
			"client_id": stringProp("Client ID (required)"),
		}),
	}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args ClientMemoryArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		c := s.engine.ClientMemory(args.AgentID, args.ClientID)
		return ContextResult{Found: c != nil, Context: c}, nil
	})

	s.register(MCPTool{
		Name:        "get_agent_insights",
		Description: "Summarize an agent's clients: common issues, successful solutions, preferred styles and average satisfaction.",
		InputSchema: objectSchema([]string{"agent_id"}, map[string]interface{}{
			"agent_id": stringProp("Agent ID (required)"),
		}),
	}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args AgentArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.engine.Insights(args.AgentID)
	})
}

// errorCode maps engine errors onto JSON-RPC codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidArguments),
		errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, engine.ErrInvalidScore):
		return ErrCodeInvalidParams
	case errors.Is(err, engine.ErrContextNotFound),
		errors.Is(err, engine.ErrFollowUpNotFound),
		errors.Is(err, memorybank.ErrBankNotFound):
		return ErrCodeServerError
	default:
		return ErrCodeInternalError
	}
}

// decodeArgs unmarshals tool arguments. Missing arguments decode to the zero
// value and are left to the engine's own validation.
func decodeArgs(raw json.RawMessage, dest interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func listResult(conversations []*types.ConversationContext) ConversationListResult {
	if conversations == nil {
		conversations = []*types.ConversationContext{}
	}
	return ConversationListResult{Conversations: conversations, Total: len(conversations)}
}

func textResult(text string, isError bool) *MCPToolCallResult {
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: text}},
		IsError: isError,
	}
}

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"required":   required,
		"properties": props,
	}
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func enumProp(desc string, values ...string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "enum": values, "description": desc}
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	return json.Marshal(resp)
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	return json.Marshal(resp)
}
