// Package types holds the shared data model of the conversation memory engine.
// JSON tags follow the camelCase export document consumed by other services.
package types

import (
	"encoding/json"
	"time"
)

// Message is one entry in a conversation's append-only history.
type Message struct {
	ID        string                 `json:"id"`
	Content   string                 `json:"content"`
	Sender    Sender                 `json:"sender"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type,omitempty"` // text, file, system...
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ClientProfile holds long-lived facts about one client as known to one agent.
// Most fields survive across conversations for the same (agent, client) pair.
type ClientProfile struct {
	Name               string                 `json:"name,omitempty"`
	Email              string                 `json:"email,omitempty"`
	Phone              string                 `json:"phone,omitempty"`
	CompanyName        string                 `json:"companyName,omitempty"`
	Preferences        map[string]interface{} `json:"preferences"`
	CommunicationStyle CommunicationStyle     `json:"communicationStyle,omitempty"`
	Timezone           string                 `json:"timezone,omitempty"`
	Language           string                 `json:"language,omitempty"`
	LastInteraction    time.Time              `json:"lastInteraction"`
	TotalInteractions  int                    `json:"totalInteractions"`
	SatisfactionScore  float64                `json:"satisfactionScore"` // 0-10
	CommonTopics       OrderedSet             `json:"commonTopics"`
	PainPoints         OrderedSet             `json:"painPoints"`
	Goals              OrderedSet             `json:"goals"`
}

// FollowUpItem is a pending or finished commitment an agent made to a client.
type FollowUpItem struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	DueDate     time.Time      `json:"dueDate"`
	Status      FollowUpStatus `json:"status"`
	Priority    Priority       `json:"priority"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// AgentMemory is one agent's accumulated recollection about one client.
type AgentMemory struct {
	KeyFacts          map[string]string      `json:"keyFacts"`
	PreviousIssues    OrderedSet             `json:"previousIssues"`
	ResolvedSolutions OrderedSet             `json:"resolvedSolutions"`
	ClientPreferences map[string]interface{} `json:"clientPreferences"`
	RelationshipNotes []string               `json:"relationshipNotes"`
	FollowUpItems     []FollowUpItem         `json:"followUpItems"`
}

// ConversationFlow tracks topic and stage for the current conversation.
type ConversationFlow struct {
	CurrentTopic       string   `json:"currentTopic"`
	PreviousTopics     []string `json:"previousTopics"`
	ConversationStage  Stage    `json:"conversationStage"`
	NextSteps          []string `json:"nextSteps"`
	EscalationTriggers []string `json:"escalationTriggers"`
}

// ContextMetadata carries bookkeeping for a conversation.
type ContextMetadata struct {
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	LastAgentInteraction *time.Time `json:"lastAgentInteraction,omitempty"`
	TotalMessages        int        `json:"totalMessages"`
	AverageResponseTime  float64    `json:"averageResponseTime"` // milliseconds
	ClientSatisfaction   float64    `json:"clientSatisfaction"`
	ConversationQuality  float64    `json:"conversationQuality"`
}

// ConversationContext is the full state of one conversation thread.
// ConversationID, ClientID, AgentID and SessionID never change after creation.
type ConversationContext struct {
	ConversationID      string           `json:"conversationId"`
	ClientID            string           `json:"clientId"`
	AgentID             string           `json:"agentId"`
	SessionID           string           `json:"sessionId"`
	ConversationHistory []Message        `json:"conversationHistory"`
	ClientProfile       ClientProfile    `json:"clientProfile"`
	AgentMemory         AgentMemory      `json:"agentMemory"`
	ConversationFlow    ConversationFlow `json:"conversationFlow"`
	Metadata            ContextMetadata  `json:"metadata"`
}

// NewConversationContext returns a context with empty collections and the
// greeting stage. Timestamps are set to now.
func NewConversationContext(conversationID, clientID, agentID, sessionID string, now time.Time) *ConversationContext {
	c := &ConversationContext{
		ConversationID:      conversationID,
		ClientID:            clientID,
		AgentID:             agentID,
		SessionID:           sessionID,
		ConversationHistory: []Message{},
		ConversationFlow: ConversationFlow{
			CurrentTopic:       "general",
			PreviousTopics:     []string{},
			ConversationStage:  StageGreeting,
			NextSteps:          []string{},
			EscalationTriggers: []string{},
		},
		Metadata: ContextMetadata{
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	c.ClientProfile.LastInteraction = now
	c.EnsureCollections()
	return c
}

// EnsureCollections replaces nil maps and sets with empty ones so callers can
// mutate without nil checks. Records decoded from older payloads may lack them.
func (c *ConversationContext) EnsureCollections() {
	if c.ConversationHistory == nil {
		c.ConversationHistory = []Message{}
	}
	p := &c.ClientProfile
	if p.Preferences == nil {
		p.Preferences = map[string]interface{}{}
	}
	if p.CommonTopics == nil {
		p.CommonTopics = OrderedSet{}
	}
	if p.PainPoints == nil {
		p.PainPoints = OrderedSet{}
	}
	if p.Goals == nil {
		p.Goals = OrderedSet{}
	}
	m := &c.AgentMemory
	if m.KeyFacts == nil {
		m.KeyFacts = map[string]string{}
	}
	if m.PreviousIssues == nil {
		m.PreviousIssues = OrderedSet{}
	}
	if m.ResolvedSolutions == nil {
		m.ResolvedSolutions = OrderedSet{}
	}
	if m.ClientPreferences == nil {
		m.ClientPreferences = map[string]interface{}{}
	}
	if m.RelationshipNotes == nil {
		m.RelationshipNotes = []string{}
	}
	if m.FollowUpItems == nil {
		m.FollowUpItems = []FollowUpItem{}
	}
	f := &c.ConversationFlow
	if f.PreviousTopics == nil {
		f.PreviousTopics = []string{}
	}
	if f.NextSteps == nil {
		f.NextSteps = []string{}
	}
	if f.EscalationTriggers == nil {
		f.EscalationTriggers = []string{}
	}
	if f.ConversationStage == "" {
		f.ConversationStage = StageGreeting
	}
}

// Clone returns a deep copy of the context. Free-form maps are copied through
// a JSON round trip so nested values are not shared.
func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	out := *c

	out.ConversationHistory = make([]Message, len(c.ConversationHistory))
	for i, msg := range c.ConversationHistory {
		msg.Metadata = cloneAnyMap(msg.Metadata)
		out.ConversationHistory[i] = msg
	}

	out.ClientProfile = c.ClientProfile.Clone()
	out.AgentMemory = c.AgentMemory.Clone()

	out.ConversationFlow.PreviousTopics = cloneStrings(c.ConversationFlow.PreviousTopics)
	out.ConversationFlow.NextSteps = cloneStrings(c.ConversationFlow.NextSteps)
	out.ConversationFlow.EscalationTriggers = cloneStrings(c.ConversationFlow.EscalationTriggers)

	if c.Metadata.LastAgentInteraction != nil {
		t := *c.Metadata.LastAgentInteraction
		out.Metadata.LastAgentInteraction = &t
	}
	return &out
}

// Clone returns a deep copy of the profile.
func (p ClientProfile) Clone() ClientProfile {
	out := p
	out.Preferences = cloneAnyMap(p.Preferences)
	out.CommonTopics = p.CommonTopics.Clone()
	out.PainPoints = p.PainPoints.Clone()
	out.Goals = p.Goals.Clone()
	return out
}

// Clone returns a deep copy of the agent memory.
func (m AgentMemory) Clone() AgentMemory {
	out := m
	if m.KeyFacts != nil {
		out.KeyFacts = make(map[string]string, len(m.KeyFacts))
		for k, v := range m.KeyFacts {
			out.KeyFacts[k] = v
		}
	}
	out.PreviousIssues = m.PreviousIssues.Clone()
	out.ResolvedSolutions = m.ResolvedSolutions.Clone()
	out.ClientPreferences = cloneAnyMap(m.ClientPreferences)
	out.RelationshipNotes = cloneStrings(m.RelationshipNotes)
	if m.FollowUpItems != nil {
		out.FollowUpItems = make([]FollowUpItem, len(m.FollowUpItems))
		for i, item := range m.FollowUpItems {
			if item.CompletedAt != nil {
				t := *item.CompletedAt
				item.CompletedAt = &t
			}
			out.FollowUpItems[i] = item
		}
	}
	return out
}

// PendingFollowUps counts follow-up items that are still pending.
func (m AgentMemory) PendingFollowUps() int {
	n := 0
	for _, item := range m.FollowUpItems {
		if item.Status == FollowUpPending {
			n++
		}
	}
	return n
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneAnyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err == nil {
		var out map[string]interface{}
		if err := json.Unmarshal(data, &out); err == nil {
			return out
		}
	}
	// Values that cannot round-trip through JSON are copied shallowly.
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
