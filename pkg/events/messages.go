package events

import (
	"github.com/openagora/agora/pkg/models"
)

// ClientMessage is the envelope for everything an observer sends. Type
// selects the operation; the remaining fields are per-operation arguments.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// join_session options.
	RequestFullState bool  `json:"requestFullState,omitempty"`
	AfterSequence    int64 `json:"afterSequence,omitempty"`

	// Command arguments.
	Action        string         `json:"action,omitempty"`
	AgentID       string         `json:"agentId,omitempty"`
	TargetAgentID string         `json:"targetAgentId,omitempty"`
	Content       string         `json:"content,omitempty"`
	Topic         string         `json:"topic,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Level         *int           `json:"level,omitempty"`
	Intent        *models.Intent `json:"intent,omitempty"`
}

// worldEvent wraps one persisted event for observers. Tick is the event's
// session sequence, so observers can order and deduplicate.
func worldEvent(e models.Event) map[string]any {
	return map[string]any{
		"type":      "world_event",
		"eventId":   e.ID,
		"sessionId": e.SessionID,
		"eventType": e.Type,
		"tick":      e.Sequence,
		"payload": map[string]any{
			"speaker":   e.Speaker,
			"timestamp": e.Timestamp,
			"content":   e.Content,
			"meta":      e.Meta,
		},
	}
}

// transientEvent passes a bus-only event through unchanged. Transients carry
// no tick; they are not part of the persisted ordering.
func transientEvent(e models.Event) map[string]any {
	return map[string]any{
		"type":      string(e.Type),
		"sessionId": e.SessionID,
		"agentId":   e.Speaker,
		"payload":   e.Content,
	}
}

func stateUpdate(state models.SessionState, tick int64) map[string]any {
	return map[string]any{
		"type":             "state_update",
		"sessionId":        state.SessionID,
		"status":           state.Status,
		"currentRound":     state.CurrentRound,
		"currentSpeakerId": state.CurrentSpeakerID,
		"tick":             tick,
	}
}

func fullState(sessionID string, events []models.Event) map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, worldEvent(e))
	}
	return map[string]any{
		"type":      "full_state",
		"sessionId": sessionID,
		"events":    out,
	}
}

func simulationEnded(e models.Event) map[string]any {
	return map[string]any{
		"type":      "simulation_ended",
		"sessionId": e.SessionID,
		"reason":    e.Content.StringField("message"),
	}
}

// feedDropped tells an observer its session feed was disconnected after
// falling too far behind. Rejoining with afterSequence replays the gap.
func feedDropped(sessionID string) map[string]any {
	return map[string]any{
		"type":      "feed_dropped",
		"sessionId": sessionID,
		"reason":    "event feed overflowed; rejoin to resume",
	}
}

func commandResult(command string, fields map[string]any) map[string]any {
	out := map[string]any{
		"type":    "command_result",
		"command": command,
		"success": true,
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func commandError(command, message string) map[string]any {
	return map[string]any{
		"type":    "command_result",
		"command": command,
		"success": false,
		"error":   message,
	}
}
