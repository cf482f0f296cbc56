package storage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/haulwise/convmem/pkg/types"
)

// RecordKind tags what a stored payload contains.
type RecordKind string

const (
	KindContext    RecordKind = "conversation_context"
	KindMemoryBank RecordKind = "agent_memory_bank"
)

// CurrentSchemaVersion is written on every new record.
//
// Version 0 denotes a bare payload with no envelope, as produced by flat-file
// dumps of the original service. It decodes like version 1 once missing
// collections are filled in.
const CurrentSchemaVersion = 1

// Record is the tagged, versioned envelope every backend stores.
type Record struct {
	Kind          RecordKind      `json:"kind"`
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
}

// EncodeContext wraps a context in a current-version record.
func EncodeContext(c *types.ConversationContext) (Record, error) {
	if c == nil || c.ConversationID == "" {
		return Record{}, fmt.Errorf("%w: conversation ID is required", ErrInvalidInput)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal context %s: %w", c.ConversationID, err)
	}
	return Record{Kind: KindContext, SchemaVersion: CurrentSchemaVersion, Payload: payload}, nil
}

// DecodeContext unwraps a context record, upgrading older versions.
func DecodeContext(r Record) (*types.ConversationContext, error) {
	if err := r.check(KindContext); err != nil {
		return nil, err
	}
	var c types.ConversationContext
	if err := json.Unmarshal(r.Payload, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	if c.ConversationID == "" {
		return nil, fmt.Errorf("%w: context record has no conversationId", ErrInvalidInput)
	}
	c.EnsureCollections()
	return &c, nil
}

// EncodeMemoryBank wraps a bank in a current-version record.
func EncodeMemoryBank(b *types.AgentMemoryBank) (Record, error) {
	if b == nil || b.AgentID == "" {
		return Record{}, fmt.Errorf("%w: agent ID is required", ErrInvalidInput)
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal memory bank %s: %w", b.AgentID, err)
	}
	return Record{Kind: KindMemoryBank, SchemaVersion: CurrentSchemaVersion, Payload: payload}, nil
}

// DecodeMemoryBank unwraps a bank record, upgrading older versions.
func DecodeMemoryBank(r Record) (*types.AgentMemoryBank, error) {
	if err := r.check(KindMemoryBank); err != nil {
		return nil, err
	}
	var b types.AgentMemoryBank
	if err := json.Unmarshal(r.Payload, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal memory bank: %w", err)
	}
	if b.AgentID == "" {
		return nil, fmt.Errorf("%w: memory bank record has no agentId", ErrInvalidInput)
	}
	if b.ClientMemories == nil {
		b.ClientMemories = make(map[string]*types.ConversationContext)
	}
	for clientID, c := range b.ClientMemories {
		if c == nil {
			delete(b.ClientMemories, clientID)
			continue
		}
		c.EnsureCollections()
	}
	return &b, nil
}

// ParseRecord decodes a serialized envelope. Data without an envelope is
// treated as a version 0 payload of the given kind.
func ParseRecord(data []byte, kind RecordKind) (Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Record{}, fmt.Errorf("%w: empty record", ErrInvalidInput)
	}

	var probe struct {
		Kind          RecordKind      `json:"kind"`
		SchemaVersion *int            `json:"schemaVersion"`
		Payload       json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Record{}, fmt.Errorf("failed to parse record: %w", err)
	}

	if probe.Kind == "" || probe.SchemaVersion == nil || len(probe.Payload) == 0 {
		return Record{Kind: kind, SchemaVersion: 0, Payload: json.RawMessage(data)}, nil
	}
	return Record{Kind: probe.Kind, SchemaVersion: *probe.SchemaVersion, Payload: probe.Payload}, nil
}

// Marshal serializes the envelope.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func (r Record) check(kind RecordKind) error {
	if r.Kind != kind {
		return fmt.Errorf("%w: expected %s record, got %q", ErrInvalidInput, kind, r.Kind)
	}
	if r.SchemaVersion < 0 || r.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("%w: %s version %d", ErrUnsupportedVersion, kind, r.SchemaVersion)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrInvalidInput, kind)
	}
	return nil
}
