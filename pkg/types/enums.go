package types

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// IsValid reports whether s is a known sender.
func (s Sender) IsValid() bool {
	return s == SenderUser || s == SenderAgent
}

// CommunicationStyle is the single current classification of how a client writes.
type CommunicationStyle string

const (
	StyleFormal    CommunicationStyle = "formal"
	StyleCasual    CommunicationStyle = "casual"
	StyleTechnical CommunicationStyle = "technical"
	StyleFriendly  CommunicationStyle = "friendly"
)

// IsValid reports whether s is a known communication style.
// Empty is considered valid (style not yet classified).
func (s CommunicationStyle) IsValid() bool {
	switch s {
	case "", StyleFormal, StyleCasual, StyleTechnical, StyleFriendly:
		return true
	}
	return false
}

// Stage is a conversation stage in the flow state machine.
type Stage string

const (
	StageGreeting             Stage = "greeting"
	StageInformationGathering Stage = "information_gathering"
	StageProblemSolving       Stage = "problem_solving"
	StageSolutionProviding    Stage = "solution_providing"
	StageFollowUp             Stage = "follow_up"
	StageClosing              Stage = "closing"
)

// ValidStages contains every stage in declaration order.
var ValidStages = []Stage{
	StageGreeting,
	StageInformationGathering,
	StageProblemSolving,
	StageSolutionProviding,
	StageFollowUp,
	StageClosing,
}

// IsValid reports whether s is a known stage.
func (s Stage) IsValid() bool {
	for _, v := range ValidStages {
		if s == v {
			return true
		}
	}
	return false
}

// FollowUpStatus is the lifecycle status of a follow-up item.
type FollowUpStatus string

const (
	FollowUpPending   FollowUpStatus = "pending"
	FollowUpCompleted FollowUpStatus = "completed"
	FollowUpCancelled FollowUpStatus = "cancelled"
)

// IsValid reports whether s is a known follow-up status.
func (s FollowUpStatus) IsValid() bool {
	return s == FollowUpPending || s == FollowUpCompleted || s == FollowUpCancelled
}

// Priority ranks follow-up items.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

const (
	// MinSatisfaction and MaxSatisfaction bound satisfaction scores.
	MinSatisfaction = 0.0
	MaxSatisfaction = 10.0
)
