// Package rules implements the stateless turn-taking decision engine. Given
// a session state snapshot and the active phase, it answers who is expected
// to speak next and whether the current speaker has exceeded its turn time.
package rules

import (
	"log/slog"
	"time"

	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/models"
)

// Engine evaluates speaking-order rules. It holds no per-session state, so
// one instance serves every session.
type Engine struct {
	clock func() time.Time
}

// New creates an engine using wall-clock time.
func New() *Engine {
	return &Engine{clock: time.Now}
}

// NewWithClock creates an engine with an injectable clock for tests.
func NewWithClock(clock func() time.Time) *Engine {
	return &Engine{clock: clock}
}

// NextSpeaker returns the agent id the configured speaking order expects to
// speak next, or "" when the order delegates selection (free, moderated).
// An unknown order falls back to free with a warning.
func (e *Engine) NextSpeaker(state *models.SessionState, order config.SpeakingOrder) string {
	if len(state.AgentIDs) == 0 {
		return ""
	}

	switch order {
	case config.OrderRoundRobin:
		return state.AgentIDs[state.RoundRobinIndex%len(state.AgentIDs)]
	case config.OrderFree, config.OrderModerated:
		return ""
	case config.OrderPriority:
		return e.leastSpoken(state)
	default:
		slog.Warn("Unknown speaking order, falling back to free",
			"session_id", state.SessionID, "speaking_order", string(order))
		return ""
	}
}

// leastSpoken picks the agent with the lowest speak count, breaking ties by
// the longest time since last speaking, then by registration order.
func (e *Engine) leastSpoken(state *models.SessionState) string {
	best := ""
	bestCount := 0
	var bestLast time.Time
	for _, id := range state.AgentIDs {
		count := state.SpeakCounts[id]
		last := state.LastSpokeAt[id]
		if best == "" || count < bestCount || (count == bestCount && last.Before(bestLast)) {
			best = id
			bestCount = count
			bestLast = last
		}
	}
	return best
}

// CheckTimeout reports whether the current speaker has held the floor longer
// than maxTimePerTurn. False when no speaker is set or no limit applies.
func (e *Engine) CheckTimeout(state *models.SessionState, maxTimePerTurn time.Duration) bool {
	if maxTimePerTurn <= 0 || state.CurrentSpeakerID == "" || state.CurrentSpeakerStartTime == nil {
		return false
	}
	return e.clock().Sub(*state.CurrentSpeakerStartTime) > maxTimePerTurn
}

// RemainingTime returns how much turn time the current speaker has left.
// The second return is false when no speaker or no limit applies. An expired
// turn reports zero remaining.
func (e *Engine) RemainingTime(state *models.SessionState, maxTimePerTurn time.Duration) (time.Duration, bool) {
	if maxTimePerTurn <= 0 || state.CurrentSpeakerID == "" || state.CurrentSpeakerStartTime == nil {
		return 0, false
	}
	remaining := maxTimePerTurn - e.clock().Sub(*state.CurrentSpeakerStartTime)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// CanSpeak validates a selected speaker against the consecutive-speak cap.
// Moderated phases are exempt; a moderator override bypasses this check at
// the call site.
func (e *Engine) CanSpeak(state *models.SessionState, agentID string, order config.SpeakingOrder) bool {
	if order == config.OrderModerated {
		return true
	}
	if agentID == state.LastSpeakerID && state.ConsecutiveSpeaks >= config.MaxConsecutiveSpeaks {
		return false
	}
	return true
}
