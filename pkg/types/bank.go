package types

import "time"

// RankedItem is an issue or solution with the number of clients it appeared for.
type RankedItem struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// GlobalInsights is a per-agent rollup across every client memory.
// It is derived and recomputed on demand.
type GlobalInsights struct {
	TotalClients        int          `json:"totalClients"`
	AverageSatisfaction float64      `json:"averageSatisfaction"`
	CommonIssues        []RankedItem `json:"commonIssues"`
	SuccessfulSolutions []RankedItem `json:"successfulSolutions"`
	ActiveFollowUps     int          `json:"activeFollowUps"`
}

// IssueTexts returns the ranked issue strings without counts.
func (g GlobalInsights) IssueTexts() []string {
	return rankedTexts(g.CommonIssues)
}

// SolutionTexts returns the ranked solution strings without counts.
func (g GlobalInsights) SolutionTexts() []string {
	return rankedTexts(g.SuccessfulSolutions)
}

func rankedTexts(items []RankedItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Text
	}
	return out
}

// AgentMemoryBank is everything one agent remembers: the latest context per
// client plus derived insights.
type AgentMemoryBank struct {
	AgentID        string                          `json:"agentId"`
	ClientMemories map[string]*ConversationContext `json:"clientMemories"`
	GlobalInsights GlobalInsights                  `json:"globalInsights"`
	LastUpdated    time.Time                       `json:"lastUpdated"`
}

// NewAgentMemoryBank returns an empty bank for agentID.
func NewAgentMemoryBank(agentID string, now time.Time) *AgentMemoryBank {
	return &AgentMemoryBank{
		AgentID:        agentID,
		ClientMemories: make(map[string]*ConversationContext),
		GlobalInsights: GlobalInsights{
			CommonIssues:        []RankedItem{},
			SuccessfulSolutions: []RankedItem{},
		},
		LastUpdated: now,
	}
}

// Clone returns a deep copy of the bank.
func (b *AgentMemoryBank) Clone() *AgentMemoryBank {
	if b == nil {
		return nil
	}
	out := *b
	out.ClientMemories = make(map[string]*ConversationContext, len(b.ClientMemories))
	for clientID, ctx := range b.ClientMemories {
		out.ClientMemories[clientID] = ctx.Clone()
	}
	out.GlobalInsights.CommonIssues = append([]RankedItem(nil), b.GlobalInsights.CommonIssues...)
	out.GlobalInsights.SuccessfulSolutions = append([]RankedItem(nil), b.GlobalInsights.SuccessfulSolutions...)
	return &out
}

// AgentContext is the per-turn hint bundle supplied by the response generator.
type AgentContext struct {
	ConversationID  string                 `json:"conversationId"`
	ClientID        string                 `json:"clientId"`
	AgentID         string                 `json:"agentId,omitempty"`
	UserPreferences map[string]interface{} `json:"userPreferences,omitempty"`
}
