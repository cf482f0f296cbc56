package types_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulwise/convmem/pkg/types"
)

func TestNewConversationContext(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := types.NewConversationContext("c1", "client-1", "agent-1", "s1", now)

	assert.Equal(t, types.StageGreeting, c.ConversationFlow.ConversationStage)
	assert.Equal(t, "general", c.ConversationFlow.CurrentTopic)
	assert.Equal(t, now, c.Metadata.CreatedAt)
	assert.Equal(t, now, c.ClientProfile.LastInteraction)
	assert.NotNil(t, c.AgentMemory.KeyFacts)
	assert.NotNil(t, c.ClientProfile.Preferences)

	// Empty collections serialize as arrays and objects, never null.
	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "null")
}

func TestEnsureCollectionsFillsDecodedGaps(t *testing.T) {
	var c types.ConversationContext
	require.NoError(t, json.Unmarshal([]byte(`{"conversationId":"c1","clientId":"u","agentId":"a"}`), &c))

	c.EnsureCollections()
	assert.Equal(t, types.StageGreeting, c.ConversationFlow.ConversationStage)
	assert.NotNil(t, c.AgentMemory.PreviousIssues)
	assert.NotNil(t, c.AgentMemory.FollowUpItems)
	assert.NotNil(t, c.ConversationFlow.EscalationTriggers)
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	c := types.NewConversationContext("c1", "client-1", "agent-1", "s1", now)
	c.ConversationHistory = append(c.ConversationHistory, types.Message{
		ID: "m1", Content: "hi", Sender: types.SenderUser,
		Metadata: map[string]interface{}{"nested": map[string]interface{}{"k": "v"}},
	})
	c.ClientProfile.Preferences["channel"] = "email"
	c.ClientProfile.PainPoints.Add("slow onboarding")
	c.AgentMemory.KeyFacts["email"] = "dana@example.com"
	c.AgentMemory.FollowUpItems = append(c.AgentMemory.FollowUpItems, types.FollowUpItem{ID: "f1", CompletedAt: &now})
	c.ConversationFlow.NextSteps = append(c.ConversationFlow.NextSteps, "call back")
	c.Metadata.LastAgentInteraction = &now

	clone := c.Clone()
	require.Equal(t, c, clone)

	clone.ConversationHistory[0].Metadata["nested"].(map[string]interface{})["k"] = "changed"
	clone.ClientProfile.Preferences["channel"] = "phone"
	clone.ClientProfile.PainPoints[0] = "changed"
	clone.AgentMemory.KeyFacts["email"] = "other@example.com"
	*clone.AgentMemory.FollowUpItems[0].CompletedAt = now.Add(time.Hour)
	clone.ConversationFlow.NextSteps[0] = "changed"
	*clone.Metadata.LastAgentInteraction = now.Add(time.Hour)

	assert.Equal(t, "v", c.ConversationHistory[0].Metadata["nested"].(map[string]interface{})["k"])
	assert.Equal(t, "email", c.ClientProfile.Preferences["channel"])
	assert.Equal(t, "slow onboarding", c.ClientProfile.PainPoints[0])
	assert.Equal(t, "dana@example.com", c.AgentMemory.KeyFacts["email"])
	assert.Equal(t, now, *c.AgentMemory.FollowUpItems[0].CompletedAt)
	assert.Equal(t, "call back", c.ConversationFlow.NextSteps[0])
	assert.Equal(t, now, *c.Metadata.LastAgentInteraction)

	var nilContext *types.ConversationContext
	assert.Nil(t, nilContext.Clone())
}

func TestPendingFollowUps(t *testing.T) {
	m := types.AgentMemory{FollowUpItems: []types.FollowUpItem{
		{Status: types.FollowUpPending},
		{Status: types.FollowUpCompleted},
		{Status: types.FollowUpPending},
		{Status: types.FollowUpCancelled},
	}}
	assert.Equal(t, 2, m.PendingFollowUps())
}

func TestOrderedSet(t *testing.T) {
	var s types.OrderedSet
	assert.True(t, s.Add("billing"))
	assert.False(t, s.Add("billing"))
	assert.False(t, s.Add(""))
	assert.Equal(t, 2, s.AddAll("login", "billing", "export"))
	assert.Equal(t, types.OrderedSet{"billing", "login", "export"}, s)
	assert.True(t, s.Contains("login"))
	assert.False(t, s.Contains("Login"))

	clone := s.Clone()
	clone[0] = "changed"
	assert.Equal(t, "billing", s[0])

	var empty types.OrderedSet
	assert.Nil(t, empty.Clone())
}

func TestEnumValidation(t *testing.T) {
	assert.True(t, types.SenderAgent.IsValid())
	assert.False(t, types.Sender("bot").IsValid())
	assert.True(t, types.CommunicationStyle("").IsValid())
	assert.False(t, types.CommunicationStyle("shouty").IsValid())
	for _, stage := range types.ValidStages {
		assert.True(t, stage.IsValid(), stage)
	}
	assert.False(t, types.Stage("negotiation").IsValid())
	assert.True(t, types.FollowUpCancelled.IsValid())
	assert.False(t, types.FollowUpStatus("later").IsValid())
	assert.True(t, types.PriorityLow.IsValid())
	assert.False(t, types.Priority("urgent").IsValid())
}

func TestBankClone(t *testing.T) {
	now := time.Now().UTC()
	b := types.NewAgentMemoryBank("agent-1", now)
	b.ClientMemories["client-1"] = types.NewConversationContext("c1", "client-1", "agent-1", "s1", now)
	b.GlobalInsights.CommonIssues = append(b.GlobalInsights.CommonIssues, types.RankedItem{Text: "billing", Count: 2})

	clone := b.Clone()
	clone.ClientMemories["client-1"].ClientProfile.Name = "changed"
	clone.GlobalInsights.CommonIssues[0].Count = 9
	delete(clone.ClientMemories, "client-1")

	require.Contains(t, b.ClientMemories, "client-1")
	assert.Empty(t, b.ClientMemories["client-1"].ClientProfile.Name)
	assert.Equal(t, 2, b.GlobalInsights.CommonIssues[0].Count)
	assert.Equal(t, []string{"billing"}, b.GlobalInsights.IssueTexts())
}
