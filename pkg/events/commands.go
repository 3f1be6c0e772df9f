package events

import (
	"context"

	"github.com/openagora/agora/pkg/models"
)

// handleCommand dispatches one observer command and returns its structured
// reply. Every reply carries success plus command-specific fields; unknown
// commands fail rather than being silently dropped.
func (m *ConnectionManager) handleCommand(ctx context.Context, msg *ClientMessage) map[string]any {
	if msg.SessionID == "" {
		return commandError(msg.Type, "sessionId is required")
	}
	sessionID := msg.SessionID

	switch msg.Type {
	case "session:control":
		return m.sessionControl(ctx, msg)

	case "speak:request":
		return m.speakRequest(ctx, msg)

	case "intent:submit":
		if msg.Intent == nil {
			return commandError(msg.Type, "intent is required")
		}
		intent := *msg.Intent
		if intent.AgentID == "" {
			intent.AgentID = msg.AgentID
		}
		pos, err := m.svc.Moderator.SubmitIntent(ctx, sessionID, intent)
		if err != nil {
			return commandError(msg.Type, err.Error())
		}
		return commandResult(msg.Type, map[string]any{"position": pos})

	case "intent:list":
		intents := m.svc.Moderator.GetPendingIntents(sessionID)
		if intents == nil {
			intents = []models.Intent{}
		}
		return commandResult(msg.Type, map[string]any{"intents": intents})

	case "moderator:call":
		if msg.AgentID == "" {
			return commandError(msg.Type, "agentId is required")
		}
		if err := m.svc.Moderator.CallAgent(ctx, sessionID, msg.AgentID, msg.Reason); err != nil {
			return commandError(msg.Type, err.Error())
		}
		return commandResult(msg.Type, map[string]any{"agentId": msg.AgentID})

	case "moderator:request-response":
		if msg.AgentID == "" || msg.TargetAgentID == "" {
			return commandError(msg.Type, "agentId and targetAgentId are required")
		}
		if err := m.svc.Moderator.RequestResponse(ctx, sessionID, msg.AgentID, msg.TargetAgentID, msg.Topic); err != nil {
			return commandError(msg.Type, err.Error())
		}
		return commandResult(msg.Type, map[string]any{"agentId": msg.AgentID, "targetAgentId": msg.TargetAgentID})

	case "intervention:set":
		if msg.Level == nil {
			return commandError(msg.Type, "level is required")
		}
		if err := m.svc.Moderator.SetInterventionLevel(sessionID, *msg.Level); err != nil {
			return commandError(msg.Type, err.Error())
		}
		return commandResult(msg.Type, map[string]any{"level": *msg.Level})

	case "intervention:get":
		level, err := m.svc.Moderator.InterventionLevel(sessionID)
		if err != nil {
			return commandError(msg.Type, err.Error())
		}
		return commandResult(msg.Type, map[string]any{"level": level})

	case "outline:generate":
		if m.svc.Outline == nil {
			return commandError(msg.Type, "outline generation is not configured")
		}
		event, err := m.svc.Outline.Generate(ctx, sessionID, msg.Topic)
		if err != nil {
			return commandError(msg.Type, err.Error())
		}
		return commandResult(msg.Type, map[string]any{"event": worldEvent(event)})

	case "outline:get":
		if m.svc.Outline == nil {
			return commandError(msg.Type, "outline generation is not configured")
		}
		latest, err := m.svc.Outline.Latest(ctx, sessionID)
		if err != nil {
			return commandError(msg.Type, err.Error())
		}
		if latest == nil {
			return commandResult(msg.Type, map[string]any{"outline": nil})
		}
		return commandResult(msg.Type, map[string]any{"outline": worldEvent(*latest)})

	case "judge:score":
		if m.svc.Judge == nil {
			return commandError(msg.Type, "judge scoring is not configured")
		}
		scores, err := m.svc.Judge.Score(ctx, sessionID)
		if err != nil {
			return commandError(msg.Type, err.Error())
		}
		return commandResult(msg.Type, map[string]any{"scores": scores})

	case "summary:generate":
		if m.svc.Summary == nil {
			return commandError(msg.Type, "summary generation is not configured")
		}
		event, err := m.svc.Summary.Summarize(ctx, sessionID)
		if err != nil {
			return commandError(msg.Type, err.Error())
		}
		return commandResult(msg.Type, map[string]any{"event": worldEvent(event)})

	default:
		return commandError(msg.Type, "unknown command")
	}
}

func (m *ConnectionManager) sessionControl(ctx context.Context, msg *ClientMessage) map[string]any {
	if m.svc.Sessions == nil {
		return commandError(msg.Type, "session control is not configured")
	}
	var err error
	switch msg.Action {
	case "pause":
		err = m.svc.Sessions.Pause(ctx, msg.SessionID)
	case "resume":
		err = m.svc.Sessions.Resume(ctx, msg.SessionID)
	case "end":
		reason := msg.Reason
		if reason == "" {
			reason = "ended by observer"
		}
		err = m.svc.Sessions.End(ctx, msg.SessionID, reason)
	default:
		return commandError(msg.Type, "action must be pause, resume, or end")
	}
	if err != nil {
		return commandError(msg.Type, err.Error())
	}
	return commandResult(msg.Type, map[string]any{"action": msg.Action})
}

// speakRequest either injects an observer-authored utterance into the
// timeline or, with only an agent id, directs that agent to take the floor.
func (m *ConnectionManager) speakRequest(ctx context.Context, msg *ClientMessage) map[string]any {
	if msg.Content != "" {
		speaker := msg.AgentID
		if speaker == "" {
			speaker = models.SpeakerUser
		}
		event, err := m.svc.Log.Append(ctx, msg.SessionID, models.EventSpeech, speaker,
			models.SpeechContent{AgentID: speaker, AgentName: speaker, Message: msg.Content}.ToContent(), nil)
		if err != nil {
			return commandError(msg.Type, err.Error())
		}
		return commandResult(msg.Type, map[string]any{"tick": event.Sequence})
	}
	if msg.AgentID == "" {
		return commandError(msg.Type, "agentId or content is required")
	}
	if err := m.svc.Moderator.DirectSpeaker(ctx, msg.SessionID, msg.AgentID); err != nil {
		return commandError(msg.Type, err.Error())
	}
	return commandResult(msg.Type, map[string]any{"agentId": msg.AgentID})
}
