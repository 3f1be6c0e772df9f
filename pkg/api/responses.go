package api

import (
	"time"

	"github.com/openagora/agora/pkg/models"
	"github.com/openagora/agora/pkg/session"
)

// SessionResponse combines the static session record with its live state.
type SessionResponse struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	Topic      string    `json:"topic"`
	ScenarioID string    `json:"scenario_id"`
	CreatedAt  time.Time `json:"created_at"`

	Status           models.SessionStatus `json:"status"`
	CurrentRound     int                  `json:"current_round"`
	CurrentSpeakerID string               `json:"current_speaker_id,omitempty"`
	AgentIDs         []string             `json:"agent_ids"`
}

func (s *Server) sessionResponse(sess *session.Session) SessionResponse {
	resp := SessionResponse{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		Topic:      sess.Topic,
		ScenarioID: sess.ScenarioID,
		CreatedAt:  sess.CreatedAt,
	}
	if state, err := s.moderator.GetSessionState(sess.ID); err == nil {
		resp.Status = state.Status
		resp.CurrentRound = state.CurrentRound
		resp.CurrentSpeakerID = state.CurrentSpeakerID
		resp.AgentIDs = state.AgentIDs
	}
	return resp
}

// EventsResponse is a page of a session's timeline.
type EventsResponse struct {
	SessionID string         `json:"session_id"`
	Events    []models.Event `json:"events"`
	Tick      int64          `json:"tick"`
}

// IntentsResponse lists the pending intent queue in dispatch order.
type IntentsResponse struct {
	SessionID string          `json:"session_id"`
	Intents   []models.Intent `json:"intents"`
}

// InterventionResponse reports the session's moderator intervention level.
type InterventionResponse struct {
	SessionID string `json:"session_id"`
	Level     int    `json:"level"`
}
