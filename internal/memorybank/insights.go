package memorybank

import (
	"sort"

	"github.com/haulwise/convmem/pkg/types"
)

// MaxRankedItems caps the commonIssues and successfulSolutions lists.
const MaxRankedItems = 10

// ComputeInsights rolls up an agent's client memories, given in the order
// the clients were first seen. Ranked lists are sorted by count descending
// with ties kept in first-seen order.
func ComputeInsights(memories []ClientMemoryEntry) types.GlobalInsights {
	var (
		insights = types.GlobalInsights{
			CommonIssues:        []types.RankedItem{},
			SuccessfulSolutions: []types.RankedItem{},
		}
		satisfaction float64
		issues       counter
		solutions    counter
	)

	for _, m := range memories {
		if m.Context == nil {
			continue
		}
		insights.TotalClients++
		satisfaction += m.Context.ClientProfile.SatisfactionScore
		issues.addAll(m.Context.AgentMemory.PreviousIssues)
		solutions.addAll(m.Context.AgentMemory.ResolvedSolutions)
		insights.ActiveFollowUps += m.Context.AgentMemory.PendingFollowUps()
	}

	if insights.TotalClients > 0 {
		insights.AverageSatisfaction = satisfaction / float64(insights.TotalClients)
	}
	insights.CommonIssues = issues.top(MaxRankedItems)
	insights.SuccessfulSolutions = solutions.top(MaxRankedItems)
	return insights
}

// counter counts strings and remembers the order they first appeared in.
type counter struct {
	order  []string
	counts map[string]int
}

func (c *counter) addAll(values []string) {
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	for _, v := range values {
		if _, seen := c.counts[v]; !seen {
			c.order = append(c.order, v)
		}
		c.counts[v]++
	}
}

func (c *counter) top(n int) []types.RankedItem {
	items := make([]types.RankedItem, 0, len(c.order))
	for _, text := range c.order {
		items = append(items, types.RankedItem{Text: text, Count: c.counts[text]})
	}
	// SliceStable keeps first-seen order among equal counts.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Count > items[j].Count
	})
	if len(items) > n {
		items = items[:n]
	}
	return items
}
