package moderator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openagora/agora/pkg/agent"
	"github.com/openagora/agora/pkg/models"
)

// Intervene runs the proactive moderation policy for one scheduler tick:
// warn an overheated dominator, nominate a speaker when the discussion is
// starved, and at the highest level add a guiding prompt. Returns the
// nominated agent when the policy granted someone the floor.
func (c *Controller) Intervene(ctx context.Context, sessionID string) agent.Agent {
	entry, err := c.entry(sessionID)
	if err != nil {
		return nil
	}

	entry.mu.Lock()
	if entry.state.Status != models.StatusActive {
		entry.mu.Unlock()
		return nil
	}
	health := entry.health()
	level := entry.state.InterventionLevel
	idleRounds := entry.state.IdleRounds
	lastSpeaker := entry.state.LastSpeakerID
	coldThreshold := 2
	if entry.scenario != nil && entry.scenario.ModeratorPolicy.ColdThreshold > 0 {
		coldThreshold = entry.scenario.ModeratorPolicy.ColdThreshold
	}
	entry.mu.Unlock()

	if health.Overheated && level >= 1 {
		c.warnOverheated(ctx, sessionID, health)
	}

	if !health.Cold || level == 0 {
		return nil
	}
	// Level 1 steps in only on extended starvation.
	if level == 1 && idleRounds < 2*coldThreshold {
		return nil
	}

	candidate := ""
	entry.mu.Lock()
	candidate = leastSpokenEligible(entry.state, lastSpeaker)
	var nominated agent.Agent
	if candidate != "" {
		nominated = entry.grantFloor(candidate)
		if nominated != nil {
			entry.overrideNext = true
		}
	}
	entry.mu.Unlock()
	if nominated == nil {
		return nil
	}

	reason := fmt.Sprintf("discussion idle for %d rounds", idleRounds)
	if _, err := c.log.Append(ctx, sessionID, models.EventModeratorCall, models.SpeakerModerator,
		models.ActionContent("call_agent", map[string]any{
			"agentId": candidate,
			"reason":  reason,
		}), nil); err != nil {
		slog.Warn("Failed to record starvation nomination",
			"session_id", sessionID, "agent_id", candidate, "error", err)
	}

	if level >= 3 {
		c.guidingPrompt(ctx, sessionID, candidate)
	}
	return nominated
}

// warnOverheated records a targeted SYSTEM warning for the dominating agent.
func (c *Controller) warnOverheated(ctx context.Context, sessionID string, health models.HealthMetrics) {
	message := fmt.Sprintf("%s has made %.0f%% of all contributions, please let others speak",
		health.MaxSpeakerID, health.MaxSpeakerShare*100)
	if _, err := c.log.Append(ctx, sessionID, models.EventSystem, models.SpeakerModerator,
		models.SystemContent(models.ActionModeratorWarn, message, map[string]any{
			"agentId": health.MaxSpeakerID,
		}), nil); err != nil {
		slog.Warn("Failed to record overheat warning", "session_id", sessionID, "error", err)
	}
}

// guidingPrompt adds a short moderator steer for the nominated agent.
func (c *Controller) guidingPrompt(ctx context.Context, sessionID, agentID string) {
	message := fmt.Sprintf("%s, please share your perspective on the discussion so far", agentID)
	if _, err := c.log.Append(ctx, sessionID, models.EventSystem, models.SpeakerModerator,
		models.SystemContent(models.ActionModeratorWarn, message, map[string]any{
			"agentId": agentID,
			"guiding": true,
		}), nil); err != nil {
		slog.Warn("Failed to record guiding prompt", "session_id", sessionID, "error", err)
	}
}
