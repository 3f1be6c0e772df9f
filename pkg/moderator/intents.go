package moderator

import (
	"context"
	"log/slog"

	"github.com/openagora/agora/pkg/agent"
	"github.com/openagora/agora/pkg/models"
)

// SubmitIntent queues an agent's request for the floor and records an
// AGENT_RAISE_HAND or AGENT_INTERRUPT event. Returns the 1-based queue
// position.
func (c *Controller) SubmitIntent(ctx context.Context, sessionID string, intent models.Intent) (int, error) {
	entry, err := c.entry(sessionID)
	if err != nil {
		return 0, err
	}
	intent.Normalize()

	entry.mu.Lock()
	allowInterrupt := entry.currentPhase().AllowInterrupt
	entry.mu.Unlock()

	pos := entry.queue.submit(intent, allowInterrupt)

	eventType := models.EventAgentRaiseHand
	if intent.UrgencyLevel == models.UrgencyInterrupt {
		eventType = models.EventAgentInterrupt
	}
	if _, err := c.log.Append(ctx, sessionID, eventType, intent.AgentID,
		models.ActionContent("intent_submitted", map[string]any{
			"intentType": string(intent.Type),
			"urgency":    intent.Urgency,
			"position":   pos,
			"preview":    intent.Preview,
		}), nil); err != nil {
		slog.Warn("Failed to record intent submission",
			"session_id", sessionID, "agent_id", intent.AgentID, "error", err)
	}
	return pos, nil
}

// SubmitAutoIntent queues a scheduler-generated intent without recording an
// event. Auto-intents are routine floor requests, not timeline facts, so they
// stay off the log.
func (c *Controller) SubmitAutoIntent(sessionID string, intent models.Intent) int {
	entry, err := c.entry(sessionID)
	if err != nil {
		return 0
	}
	intent.Normalize()
	entry.mu.Lock()
	allowInterrupt := entry.currentPhase().AllowInterrupt
	entry.mu.Unlock()
	return entry.queue.submit(intent, allowInterrupt)
}

// GetPendingIntents returns a snapshot of the queue in dispatch order.
func (c *Controller) GetPendingIntents(sessionID string) []models.Intent {
	entry, err := c.entry(sessionID)
	if err != nil {
		return nil
	}
	return entry.queue.list()
}

// ProcessNextIntent pops the head intent and grants its owner the floor,
// subject to the consecutive-speak cap. Capped intents are re-queued rather
// than dropped; intents of unknown agents are dropped with a warning and the
// next one is tried. Returns (nil, nil) when nobody can be dispatched. A
// pending moderator call takes precedence over the queue.
func (c *Controller) ProcessNextIntent(sessionID string) (agent.Agent, *models.Intent) {
	entry, err := c.entry(sessionID)
	if err != nil {
		return nil, nil
	}

	entry.mu.Lock()
	if a := entry.pendingOverride(); a != nil {
		entry.mu.Unlock()
		return a, nil
	}
	entry.mu.Unlock()

	var deferred []models.Intent
	defer func() {
		for _, intent := range deferred {
			entry.queue.submit(intent, false)
		}
	}()

	for i, n := 0, entry.queue.len(); i < n; i++ {
		intent, ok := entry.queue.pop()
		if !ok {
			return nil, nil
		}
		entry.mu.Lock()
		if !c.engine.CanSpeak(entry.state, intent.AgentID, entry.currentPhase().SpeakingOrder) {
			entry.mu.Unlock()
			slog.Debug("Deferring intent of agent at consecutive-speak cap",
				"session_id", sessionID, "agent_id", intent.AgentID)
			deferred = append(deferred, intent)
			continue
		}
		a := entry.grantFloor(intent.AgentID)
		entry.mu.Unlock()
		if a != nil {
			return a, &intent
		}
		slog.Warn("Dropping intent of unknown agent",
			"session_id", sessionID, "agent_id", intent.AgentID)
	}
	return nil, nil
}

// ClearAgentIntents drops all queued intents owned by the agent.
func (c *Controller) ClearAgentIntents(sessionID, agentID string) {
	entry, err := c.entry(sessionID)
	if err != nil {
		return
	}
	entry.queue.clearAgent(agentID)
}

// PendingIntentCount reports the queue depth.
func (c *Controller) PendingIntentCount(sessionID string) int {
	entry, err := c.entry(sessionID)
	if err != nil {
		return 0
	}
	return entry.queue.len()
}
