package moderator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openagora/agora/pkg/agent"
	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/llm"
	"github.com/openagora/agora/pkg/models"
)

// SelectNextSpeaker consults the rule engine for the phase's speaking order
// and grants the floor. Returns nil when no agent is eligible right now.
func (c *Controller) SelectNextSpeaker(sessionID string) agent.Agent {
	entry, err := c.entry(sessionID)
	if err != nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.state.Status != models.StatusActive {
		return nil
	}
	if a := entry.pendingOverride(); a != nil {
		// A moderator call already granted the floor; serve it before
		// consulting the rule engine. The override is exempt from the
		// consecutive-speak cap.
		return a
	}
	phase := entry.currentPhase()
	candidate := c.engine.NextSpeaker(entry.state, phase.SpeakingOrder)
	if candidate == "" && phase.SpeakingOrder == config.OrderModerated {
		candidate = leastSpokenEligible(entry.state, "")
	}
	if candidate == "" {
		return nil
	}
	if !c.engine.CanSpeak(entry.state, candidate, phase.SpeakingOrder) {
		slog.Warn("Rejecting speaker at consecutive-speak cap",
			"session_id", sessionID,
			"agent_id", candidate,
			"consecutive_speaks", entry.state.ConsecutiveSpeaks)
		// Round-robin moves past the capped agent so the next tick picks
		// its neighbour instead of stalling.
		if phase.SpeakingOrder == config.OrderRoundRobin {
			entry.state.RoundRobinIndex++
		}
		return nil
	}
	return entry.grantFloor(candidate)
}

// pendingOverride returns the agent a moderator call has already granted
// the floor to, when that grant is still waiting to be served. Caller holds
// entry.mu.
func (e *sessionEntry) pendingOverride() agent.Agent {
	if !e.overrideNext || e.state.CurrentSpeakerID == "" {
		return nil
	}
	return e.agents[e.state.CurrentSpeakerID]
}

// grantFloor marks the agent as current speaker. Caller holds entry.mu.
func (e *sessionEntry) grantFloor(agentID string) agent.Agent {
	a, ok := e.agents[agentID]
	if !ok {
		slog.Warn("Selected speaker is not registered",
			"session_id", e.state.SessionID, "agent_id", agentID)
		return nil
	}
	now := time.Now()
	e.state.CurrentSpeakerID = agentID
	e.state.CurrentSpeakerStartTime = &now
	return a
}

// leastSpokenEligible picks the least-spoken agent, skipping excludeID and
// any agent that already hit the consecutive-speak cap.
func leastSpokenEligible(state *models.SessionState, excludeID string) string {
	best := ""
	bestCount := 0
	for _, id := range state.AgentIDs {
		if id == excludeID {
			continue
		}
		if id == state.LastSpeakerID && state.ConsecutiveSpeaks >= config.MaxConsecutiveSpeaks {
			continue
		}
		count := state.SpeakCounts[id]
		if best == "" || count < bestCount {
			best = id
			bestCount = count
		}
	}
	return best
}

// SelectNextSpeakerByAI asks the nominator model to pick the next speaker.
// It only acts when interventionLevel >= 1 and the intent queue is empty;
// without a usable model reply it falls back to the least-spoken rule.
func (c *Controller) SelectNextSpeakerByAI(ctx context.Context, sessionID string) agent.Agent {
	entry, err := c.entry(sessionID)
	if err != nil {
		return nil
	}

	entry.mu.Lock()
	if entry.state.Status != models.StatusActive ||
		entry.state.InterventionLevel < 1 ||
		entry.queue.len() > 0 {
		entry.mu.Unlock()
		return nil
	}
	snapshot := entry.state.Snapshot()
	names := make([]string, 0, len(entry.agentOrder))
	for _, id := range entry.agentOrder {
		names = append(names, id)
	}
	entry.mu.Unlock()

	candidate := ""
	if c.nominator != nil {
		candidate = c.nominate(ctx, snapshot, names)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if candidate == "" || entry.agents[candidate] == nil {
		candidate = leastSpokenEligible(entry.state, "")
	}
	if candidate == "" {
		return nil
	}
	return entry.grantFloor(candidate)
}

// nominate asks the model for an agent id. Runs outside any session lock.
func (c *Controller) nominate(ctx context.Context, state models.SessionState, agentIDs []string) string {
	var b strings.Builder
	b.WriteString("You moderate a multi-party discussion. Speak counts so far:\n")
	for _, id := range agentIDs {
		fmt.Fprintf(&b, "- %s: %d\n", id, state.SpeakCounts[id])
	}
	fmt.Fprintf(&b, "Last speaker: %s.\n", state.LastSpeakerID)
	b.WriteString("Reply with exactly one agent id that should speak next.")

	result, err := c.nominator.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a strict discussion moderator."},
		{Role: llm.RoleUser, Content: b.String()},
	}, llm.Options{})
	if err != nil {
		slog.Warn("Moderator nomination call failed", "session_id", state.SessionID, "error", err)
		return ""
	}
	reply := strings.TrimSpace(result.Text)
	for _, id := range agentIDs {
		if strings.Contains(reply, id) {
			return id
		}
	}
	return ""
}

// DirectSpeaker grants the floor to a specific agent and records a
// MODERATOR_DIRECT event.
func (c *Controller) DirectSpeaker(ctx context.Context, sessionID, agentID string) error {
	entry, err := c.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	a := entry.grantFloor(agentID)
	entry.mu.Unlock()
	if a == nil {
		return fmt.Errorf("%w: %s in session %s", ErrAgentUnknown, agentID, sessionID)
	}

	_, err = c.log.Append(ctx, sessionID, models.EventModeratorDirect, models.SpeakerModerator,
		models.ActionContent("direct_speaker", map[string]any{"agentId": agentID}), nil)
	return err
}

// CallAgent nominates an agent with a reason, recording a MODERATOR_CALL.
// The call overrides the consecutive-speak cap; the override is logged.
func (c *Controller) CallAgent(ctx context.Context, sessionID, agentID, reason string) error {
	entry, err := c.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	a := entry.grantFloor(agentID)
	if a != nil {
		if agentID == entry.state.LastSpeakerID &&
			entry.state.ConsecutiveSpeaks >= config.MaxConsecutiveSpeaks {
			slog.Info("Moderator call overrides consecutive-speak cap",
				"session_id", sessionID, "agent_id", agentID)
		}
		entry.overrideNext = true
	}
	entry.mu.Unlock()
	if a == nil {
		return fmt.Errorf("%w: %s in session %s", ErrAgentUnknown, agentID, sessionID)
	}

	_, err = c.log.Append(ctx, sessionID, models.EventModeratorCall, models.SpeakerModerator,
		models.ActionContent("call_agent", map[string]any{
			"agentId": agentID,
			"reason":  reason,
		}), nil)
	return err
}

// RequestResponse asks responderID to address targetID on a topic, recording
// a MODERATOR_CALL with the exchange details.
func (c *Controller) RequestResponse(ctx context.Context, sessionID, responderID, targetID, topic string) error {
	entry, err := c.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	a := entry.grantFloor(responderID)
	if a != nil {
		entry.overrideNext = true
	}
	entry.mu.Unlock()
	if a == nil {
		return fmt.Errorf("%w: %s in session %s", ErrAgentUnknown, responderID, sessionID)
	}

	_, err = c.log.Append(ctx, sessionID, models.EventModeratorCall, models.SpeakerModerator,
		models.ActionContent("request_response", map[string]any{
			"agentId":       responderID,
			"targetAgentId": targetID,
			"topic":         topic,
		}), nil)
	return err
}
