package models

import "time"

// IntentType classifies what an agent is asking for.
type IntentType string

const (
	IntentSpeak     IntentType = "speak"
	IntentInterrupt IntentType = "interrupt"
)

// UrgencyLevel is the primary ordering field of an intent. The numeric
// Urgency is a legacy hint used only to break ties.
type UrgencyLevel string

const (
	UrgencyRaiseHand UrgencyLevel = "raise_hand"
	UrgencyInterrupt UrgencyLevel = "interrupt"
)

// rank maps urgency levels to a comparable ordering.
func (u UrgencyLevel) rank() int {
	if u == UrgencyInterrupt {
		return 1
	}
	return 0
}

// HigherThan reports whether u outranks other.
func (u UrgencyLevel) HigherThan(other UrgencyLevel) bool {
	return u.rank() > other.rank()
}

// Intent is an agent's queued request to speak or interrupt.
type Intent struct {
	AgentID       string       `json:"agent_id"`
	Type          IntentType   `json:"type"`
	Urgency       int          `json:"urgency"`        // 0..5, tie-break only
	UrgencyLevel  UrgencyLevel `json:"urgency_level"`  // primary ordering field
	TargetAgentID string       `json:"target_agent_id,omitempty"`
	Topic         string       `json:"topic,omitempty"`
	Preview       string       `json:"preview,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Normalize clamps the legacy urgency hint and defaults the level from the
// intent type when the caller left it empty.
func (i *Intent) Normalize() {
	if i.Urgency < 0 {
		i.Urgency = 0
	}
	if i.Urgency > 5 {
		i.Urgency = 5
	}
	if i.UrgencyLevel == "" {
		if i.Type == IntentInterrupt {
			i.UrgencyLevel = UrgencyInterrupt
		} else {
			i.UrgencyLevel = UrgencyRaiseHand
		}
	}
	if i.Timestamp.IsZero() {
		i.Timestamp = time.Now()
	}
}
