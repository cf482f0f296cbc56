package engine

import (
	"github.com/haulwise/convmem/internal/inference"
	"github.com/haulwise/convmem/pkg/types"
)

// applyFlow advances the conversation state machine. Any stage may follow
// any other: a stage signal overwrites the current stage, and closing is not
// terminal. A topic signal different from the current topic pushes the old
// one onto previousTopics, including the default topic a message with no
// topic keywords yields.
func applyFlow(flow *types.ConversationFlow, sig inference.Signals) (stageChanged, topicChanged bool) {
	if sig.Stage != "" && sig.Stage != flow.ConversationStage {
		flow.ConversationStage = sig.Stage
		stageChanged = true
	}

	if sig.Topic != "" && sig.Topic != flow.CurrentTopic {
		if flow.CurrentTopic != "" {
			flow.PreviousTopics = append(flow.PreviousTopics, flow.CurrentTopic)
		}
		flow.CurrentTopic = sig.Topic
		topicChanged = true
	}
	return stageChanged, topicChanged
}
