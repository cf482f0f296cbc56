package engine

import (
	"fmt"
	"time"

	"github.com/haulwise/convmem/internal/inference"
	"github.com/haulwise/convmem/pkg/types"
)

// carryForward copies the long-lived client state from the agent's prior
// memory of this client into a fresh context. Conversation-scoped fields
// (history, session, flow, message counters) are left as created.
func carryForward(dst, prior *types.ConversationContext) {
	p := prior.ClientProfile.Clone()
	profile := &dst.ClientProfile

	profile.Name = p.Name
	profile.Email = p.Email
	profile.Phone = p.Phone
	profile.CompanyName = p.CompanyName
	profile.Preferences = p.Preferences
	profile.CommunicationStyle = p.CommunicationStyle
	profile.Timezone = p.Timezone
	profile.Language = p.Language
	profile.TotalInteractions = p.TotalInteractions
	profile.SatisfactionScore = p.SatisfactionScore
	profile.CommonTopics = p.CommonTopics
	profile.PainPoints = p.PainPoints
	profile.Goals = p.Goals

	dst.AgentMemory = prior.AgentMemory.Clone()
	dst.EnsureCollections()
}

// applySeed overlays the non-empty seed fields.
func applySeed(c *types.ConversationContext, seed *Seed) {
	if seed == nil {
		return
	}
	profile := &c.ClientProfile
	setIfNotEmpty(&profile.Name, seed.Name)
	setIfNotEmpty(&profile.Email, seed.Email)
	setIfNotEmpty(&profile.Phone, seed.Phone)
	setIfNotEmpty(&profile.CompanyName, seed.CompanyName)
	setIfNotEmpty(&profile.Timezone, seed.Timezone)
	setIfNotEmpty(&profile.Language, seed.Language)
	mergePreferences(profile.Preferences, seed.Preferences)
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// mergePreferences shallow-merges src into dst, overwriting existing keys.
func mergePreferences(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}

// mergeProfileSignals folds what a message said into the profile and memory.
// Sets are unioned, key facts overwrite, and the style is replaced only when
// the message carried a style marker.
func mergeProfileSignals(c *types.ConversationContext, sig inference.Signals) {
	profile := &c.ClientProfile
	memory := &c.AgentMemory

	profile.CommonTopics.AddAll(sig.Topics...)
	profile.PainPoints.AddAll(sig.PainPoints...)
	profile.Goals.AddAll(sig.Goals...)

	for key, value := range sig.KeyFacts {
		memory.KeyFacts[key] = value
		switch key {
		case inference.FactCompanyName:
			profile.CompanyName = value
		case inference.FactEmail:
			profile.Email = value
		case inference.FactPhone:
			profile.Phone = value
		}
	}

	if sig.Style != "" {
		profile.CommunicationStyle = sig.Style
	}

	if sig.PositiveFeedback {
		memory.RelationshipNotes = append(memory.RelationshipNotes,
			fmt.Sprintf("Positive feedback: %q", sig.FeedbackQuote))
	}
}

// mergeMemorySignals records issues and solutions mentioned by either party.
func mergeMemorySignals(c *types.ConversationContext, sig inference.Signals) {
	if sig.Issue != "" {
		c.AgentMemory.PreviousIssues.Add(sig.Issue)
	}
	if sig.Solution != "" {
		c.AgentMemory.ResolvedSolutions.Add(sig.Solution)
	}
}

// averageResponseTime is the mean delay in milliseconds between a client
// message and the first agent reply after it. Zero when no reply exists.
func averageResponseTime(history []types.Message) float64 {
	var (
		total   time.Duration
		replies int
		waiting *time.Time
	)
	for i := range history {
		msg := &history[i]
		switch msg.Sender {
		case types.SenderUser:
			if waiting == nil {
				ts := msg.Timestamp
				waiting = &ts
			}
		case types.SenderAgent:
			if waiting != nil {
				if d := msg.Timestamp.Sub(*waiting); d > 0 {
					total += d
				}
				replies++
				waiting = nil
			}
		}
	}
	if replies == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(replies)
}
