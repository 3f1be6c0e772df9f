// Package models defines the shared data model for the deliberation engine:
// events, session state, intents, and the API transfer types built from them.
package models

import "time"

// EventType identifies the kind of fact recorded in a session's timeline.
type EventType string

// Persisted event types.
const (
	EventSpeech           EventType = "SPEECH"
	EventSystem           EventType = "SYSTEM"
	EventSummary          EventType = "SUMMARY"
	EventOutlineGenerated EventType = "OUTLINE_GENERATED"
	EventModeratorDirect  EventType = "MODERATOR_DIRECT"
	EventModeratorCall    EventType = "MODERATOR_CALL"
	EventRoundAdvance     EventType = "ROUND_ADVANCE"
	EventSessionStart     EventType = "SESSION_START"
	EventSessionPause     EventType = "SESSION_PAUSE"
	EventSessionResume    EventType = "SESSION_RESUME"
	EventSessionEnd       EventType = "SESSION_END"
	EventSessionAborted   EventType = "SESSION_ABORTED"
	EventAgentRaiseHand   EventType = "AGENT_RAISE_HAND"
	EventAgentInterrupt   EventType = "AGENT_INTERRUPT"
	EventSpeakerTimeout   EventType = "SPEAKER_TIMEOUT"
)

// Transient event types are broadcast on the bus, never appended to the log.
const (
	TransientThinking EventType = "agent:thinking"
	TransientChunk    EventType = "agent:chunk"
	TransientDone     EventType = "agent:done"
)

// Speaker sentinels for events not produced by a registered agent.
const (
	SpeakerModerator = "moderator"
	SpeakerUser      = "user"
)

// Meta carries optional delivery hints for an event.
type Meta struct {
	// Visibility lists the agent ids the event is scoped to.
	// Empty or nil means public.
	Visibility []string `json:"visibility,omitempty"`
	// Phase tags the event with the scenario phase it was produced in.
	Phase string `json:"phase,omitempty"`
	// Transient marks bus-only events that must never be persisted.
	Transient bool `json:"transient,omitempty"`
}

// Public reports whether the event is visible to every participant.
func (m *Meta) Public() bool {
	return m == nil || len(m.Visibility) == 0
}

// VisibleTo reports whether the event may be delivered to the given agent.
func (m *Meta) VisibleTo(agentID string) bool {
	if m.Public() {
		return true
	}
	for _, id := range m.Visibility {
		if id == agentID {
			return true
		}
	}
	return false
}

// Event is the atomic unit of shared session state. Once appended to the log
// an Event is immutable; its Sequence is unique within the session and never
// reused, even after pruning.
type Event struct {
	ID        string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Speaker   string    `json:"speaker"`
	Content   Content   `json:"content"`
	Meta      *Meta     `json:"meta,omitempty"`
}

// Transient reports whether the event is bus-only.
func (e *Event) Transient() bool {
	return e.Meta != nil && e.Meta.Transient
}

// Terminal reports whether the event marks the end of its session.
func (e *Event) Terminal() bool {
	return e.Type == EventSessionEnd || e.Type == EventSessionAborted
}
