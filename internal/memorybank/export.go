package memorybank

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haulwise/convmem/pkg/types"
)

// ClientMemoryEntry is one [clientId, context] pair of an export document.
type ClientMemoryEntry struct {
	ClientID string
	Context  *types.ConversationContext
}

// MarshalJSON encodes the entry as a two-element array.
func (e ClientMemoryEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.ClientID, e.Context})
}

// UnmarshalJSON decodes a two-element [clientId, context] array.
func (e *ClientMemoryEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("client memory entry: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("client memory entry: expected [clientId, context], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.ClientID); err != nil {
		return fmt.Errorf("client memory entry: clientId: %w", err)
	}
	var c types.ConversationContext
	if bytes.Equal(bytes.TrimSpace(pair[1]), []byte("null")) {
		return fmt.Errorf("client memory entry %q: context is null", e.ClientID)
	}
	if err := json.Unmarshal(pair[1], &c); err != nil {
		return fmt.Errorf("client memory entry %q: %w", e.ClientID, err)
	}
	e.Context = &c
	return nil
}

// ExportDocument is the transfer format for one agent's bank.
type ExportDocument struct {
	AgentID        string               `json:"agentId"`
	ExportDate     time.Time            `json:"exportDate"`
	ClientMemories []ClientMemoryEntry  `json:"clientMemories"`
	GlobalInsights types.GlobalInsights `json:"globalInsights"`
	LastUpdated    time.Time            `json:"lastUpdated"`
}

// requiredImportKeys must be present at the top level of an import document.
var requiredImportKeys = []string{"agentId", "clientMemories"}

// Export serializes agentID's bank with freshly computed insights.
func (r *Registry) Export(agentID string) ([]byte, error) {
	r.mu.Lock()
	e, ok := r.banks[agentID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: agent %s", ErrBankNotFound, agentID)
	}
	entries := e.entries()
	e.bank.GlobalInsights = ComputeInsights(entries)

	doc := ExportDocument{
		AgentID:        agentID,
		ExportDate:     r.now(),
		ClientMemories: make([]ClientMemoryEntry, len(entries)),
		GlobalInsights: cloneInsights(e.bank.GlobalInsights),
		LastUpdated:    e.bank.LastUpdated,
	}
	for i, entry := range entries {
		doc.ClientMemories[i] = ClientMemoryEntry{ClientID: entry.ClientID, Context: entry.Context.Clone()}
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal memory bank %s: %w", agentID, err)
	}
	return data, nil
}

// Import replaces agentID's bank wholesale with the exported document in
// data. The document is fully decoded and validated before anything is
// changed, so a bad payload leaves the existing bank untouched.
func (r *Registry) Import(agentID string, data []byte) error {
	doc, err := ParseExport(data)
	if err != nil {
		r.logger.Warn().Err(err).Str("agent_id", agentID).Msg("rejected memory bank import")
		return err
	}
	if doc.AgentID != agentID {
		r.logger.Info().
			Str("agent_id", agentID).
			Str("document_agent_id", doc.AgentID).
			Msg("importing memory bank exported for a different agent")
	}

	bank := types.NewAgentMemoryBank(agentID, doc.LastUpdated)
	if bank.LastUpdated.IsZero() {
		bank.LastUpdated = r.now()
	}
	e := &bankEntry{bank: bank}
	for _, entry := range doc.ClientMemories {
		entry.Context.EnsureCollections()
		e.put(entry.ClientID, entry.Context)
	}
	bank.GlobalInsights = ComputeInsights(e.entries())

	r.mu.Lock()
	r.banks[agentID] = e
	r.mu.Unlock()

	r.logger.Info().Str("agent_id", agentID).Int("clients", len(e.order)).Msg("memory bank imported")
	return nil
}

// ParseExport decodes and validates an export document without applying it.
func ParseExport(data []byte) (*ExportDocument, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImport, err)
	}
	for _, key := range requiredImportKeys {
		raw, ok := top[key]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformedImport, key)
		}
	}

	var doc ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImport, err)
	}
	if doc.AgentID == "" {
		return nil, fmt.Errorf("%w: empty agentId", ErrMalformedImport)
	}
	for i, entry := range doc.ClientMemories {
		if entry.ClientID == "" {
			return nil, fmt.Errorf("%w: client memory %d has no clientId", ErrMalformedImport, i)
		}
		if entry.Context.ConversationID == "" {
			return nil, fmt.Errorf("%w: client memory %q has no conversationId", ErrMalformedImport, entry.ClientID)
		}
	}
	return &doc, nil
}
