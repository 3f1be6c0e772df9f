package moderator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openagora/agora/pkg/models"
)

// StartSession moves a pending session to active and records SESSION_START.
// Starting a session twice is a warned no-op.
func (c *Controller) StartSession(ctx context.Context, sessionID string) error {
	entry, err := c.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	if entry.state.Status != models.StatusPending {
		status := entry.state.Status
		entry.mu.Unlock()
		slog.Warn("Ignoring start on non-pending session",
			"session_id", sessionID, "status", string(status))
		return nil
	}
	entry.state.Status = models.StatusActive
	entry.state.CurrentRound = 1
	entry.state.PhaseRound = 1
	now := time.Now()
	entry.state.StartedAt = &now
	entry.mu.Unlock()

	_, err = c.log.Append(ctx, sessionID, models.EventSessionStart, models.SpeakerModerator,
		models.SystemContent(models.ActionSessionStart, "Discussion started", nil), nil)
	return err
}

// PauseSession suspends an active session.
func (c *Controller) PauseSession(ctx context.Context, sessionID string) error {
	entry, err := c.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	if entry.state.Status != models.StatusActive {
		status := entry.state.Status
		entry.mu.Unlock()
		slog.Warn("Ignoring pause on non-active session",
			"session_id", sessionID, "status", string(status))
		return nil
	}
	entry.state.Status = models.StatusPaused
	entry.mu.Unlock()

	_, err = c.log.Append(ctx, sessionID, models.EventSessionPause, models.SpeakerModerator,
		models.SystemContent(models.ActionSessionPause, "Discussion paused", nil), nil)
	return err
}

// ResumeSession reactivates a paused session. Round, current speaker, and
// last speaker survive the pause.
func (c *Controller) ResumeSession(ctx context.Context, sessionID string) error {
	entry, err := c.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	if entry.state.Status != models.StatusPaused {
		status := entry.state.Status
		entry.mu.Unlock()
		slog.Warn("Ignoring resume on non-paused session",
			"session_id", sessionID, "status", string(status))
		return nil
	}
	entry.state.Status = models.StatusActive
	entry.mu.Unlock()

	_, err = c.log.Append(ctx, sessionID, models.EventSessionResume, models.SpeakerModerator,
		models.SystemContent(models.ActionSessionResume, "Discussion resumed", nil), nil)
	return err
}

// EndSession completes a session with a reason. Repeated ends are warned
// no-ops. After this no further SPEECH events are appended.
func (c *Controller) EndSession(ctx context.Context, sessionID, reason string) error {
	entry, err := c.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	if entry.state.Status.Terminal() {
		status := entry.state.Status
		entry.mu.Unlock()
		slog.Warn("Ignoring end on terminal session",
			"session_id", sessionID, "status", string(status))
		return nil
	}
	entry.state.Status = models.StatusCompleted
	now := time.Now()
	entry.state.EndedAt = &now
	entry.mu.Unlock()

	_, err = c.log.Append(ctx, sessionID, models.EventSessionEnd, models.SpeakerModerator,
		models.SystemContent(models.ActionSessionEnd, reason, nil), nil)
	return err
}

// AbortSession terminates a session on a fatal error, preserving the log for
// inspection.
func (c *Controller) AbortSession(ctx context.Context, sessionID, reason string) error {
	entry, err := c.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	if entry.state.Status.Terminal() {
		entry.mu.Unlock()
		return nil
	}
	entry.state.Status = models.StatusAborted
	now := time.Now()
	entry.state.EndedAt = &now
	entry.mu.Unlock()

	slog.Error("Session aborted", "session_id", sessionID, "reason", reason)
	if _, err := c.log.Append(ctx, sessionID, models.EventSessionAborted, models.SpeakerModerator,
		models.SystemContent(models.ActionSessionAborted, reason, nil), nil); err != nil {
		// The abort marker could not be written; state is already terminal.
		slog.Error("Failed to record session abort", "session_id", sessionID, "error", err)
		return err
	}
	return nil
}

// AdvanceRound increments the round counter, emits ROUND_ADVANCE, and resets
// per-round tracking. A round in which nobody spoke bumps idleRounds; phases
// advance once their configured rounds are exhausted.
func (c *Controller) AdvanceRound(ctx context.Context, sessionID string) error {
	entry, err := c.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	if entry.state.Status != models.StatusActive {
		entry.mu.Unlock()
		return nil
	}

	if entry.roundSpeeches == 0 {
		entry.state.IdleRounds++
	}
	entry.roundSpeeches = 0

	entry.state.CurrentRound++
	entry.state.PhaseRound++
	round := entry.state.CurrentRound

	phase := entry.currentPhase()
	if phase.MaxRounds > 0 && entry.state.PhaseRound > phase.MaxRounds &&
		entry.scenario != nil && entry.phaseIndex < len(entry.scenario.Phases)-1 {
		entry.phaseIndex++
		entry.state.PhaseID = entry.scenario.PhaseAt(entry.phaseIndex).ID
		entry.state.PhaseRound = 1
	}
	phaseID := entry.state.PhaseID
	entry.mu.Unlock()

	_, err = c.log.Append(ctx, sessionID, models.EventRoundAdvance, models.SpeakerModerator,
		models.ActionContent("round_advance", map[string]any{
			"round": round,
			"phase": phaseID,
		}), nil)
	return err
}

// ShouldEnd reports whether the scheduler must terminate the session, with a
// human-readable reason.
func (c *Controller) ShouldEnd(sessionID string, maxRounds int) (bool, string) {
	entry, err := c.entry(sessionID)
	if err != nil {
		return true, "session released"
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	state := entry.state
	if state.Status.Terminal() {
		return true, fmt.Sprintf("session %s", state.Status)
	}
	if maxRounds > 0 && state.CurrentRound > maxRounds {
		return true, "maximum rounds reached"
	}
	if entry.scenario != nil && entry.scenario.MaxIdleRounds > 0 &&
		state.IdleRounds >= entry.scenario.MaxIdleRounds {
		return true, "discussion stalled"
	}
	return false, ""
}

// CheckSpeakerTimeout reports whether the floor holder exceeded the phase's
// turn time. On timeout the floor is released and the overrun agent id
// returned.
func (c *Controller) CheckSpeakerTimeout(sessionID string) (string, bool) {
	entry, err := c.entry(sessionID)
	if err != nil {
		return "", false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	var maxTimePerTurn time.Duration
	if entry.scenario != nil {
		maxTimePerTurn = entry.scenario.MaxTimePerTurn
	}
	if !c.engine.CheckTimeout(entry.state, maxTimePerTurn) {
		return "", false
	}
	agentID := entry.state.CurrentSpeakerID
	entry.state.CurrentSpeakerID = ""
	entry.state.CurrentSpeakerStartTime = nil
	return agentID, true
}
