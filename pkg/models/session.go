package models

import "time"

// SessionStatus is the lifecycle state of a deliberation session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusAborted   SessionStatus = "aborted"
)

// Terminal reports whether the status is absorbing.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// SessionState is the moderator-owned coordinator state of one session.
// The moderator controller holds the single mutable instance; everyone else
// works from Snapshot copies.
type SessionState struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`

	CurrentRound            int        `json:"current_round"`
	CurrentSpeakerID        string     `json:"current_speaker_id,omitempty"`
	CurrentSpeakerStartTime *time.Time `json:"current_speaker_start_time,omitempty"`

	AgentIDs          []string             `json:"agent_ids"`
	SpeakCounts       map[string]int       `json:"speak_counts"`
	LastSpokeAt       map[string]time.Time `json:"last_spoke_at,omitempty"`
	LastSpeakerID     string               `json:"last_speaker_id,omitempty"`
	ConsecutiveSpeaks int                  `json:"consecutive_speaks"`

	IdleRounds      int    `json:"idle_rounds"`
	RoundRobinIndex int    `json:"round_robin_index"`
	PhaseID         string `json:"phase_id,omitempty"`
	PhaseRound      int    `json:"phase_round"`

	InterventionLevel int `json:"intervention_level"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// NewSessionState returns a pending state for a freshly created session.
func NewSessionState(sessionID string) *SessionState {
	return &SessionState{
		SessionID:   sessionID,
		Status:      StatusPending,
		SpeakCounts: make(map[string]int),
		LastSpokeAt: make(map[string]time.Time),
	}
}

// Snapshot returns a deep copy safe to hand to readers.
func (s *SessionState) Snapshot() SessionState {
	cp := *s
	cp.AgentIDs = append([]string(nil), s.AgentIDs...)
	cp.SpeakCounts = make(map[string]int, len(s.SpeakCounts))
	for k, v := range s.SpeakCounts {
		cp.SpeakCounts[k] = v
	}
	cp.LastSpokeAt = make(map[string]time.Time, len(s.LastSpokeAt))
	for k, v := range s.LastSpokeAt {
		cp.LastSpokeAt[k] = v
	}
	if s.CurrentSpeakerStartTime != nil {
		t := *s.CurrentSpeakerStartTime
		cp.CurrentSpeakerStartTime = &t
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return cp
}

// TotalSpeaks sums speech counts across all agents.
func (s *SessionState) TotalSpeaks() int {
	total := 0
	for _, n := range s.SpeakCounts {
		total += n
	}
	return total
}

// HealthMetrics is a diagnostic snapshot of discussion health, consumed by
// the moderator's intervention policy and exposed on the API.
type HealthMetrics struct {
	IdleRounds      int            `json:"idle_rounds"`
	SpeakCounts     map[string]int `json:"speak_counts"`
	TotalSpeaks     int            `json:"total_speaks"`
	MaxSpeakerID    string         `json:"max_speaker_id,omitempty"`
	MaxSpeakerShare float64        `json:"max_speaker_share"`
	Cold            bool           `json:"cold"`
	Overheated      bool           `json:"overheated"`
}
