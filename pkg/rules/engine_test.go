package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/models"
)

func threeAgentState() *models.SessionState {
	state := models.NewSessionState("session-1")
	state.AgentIDs = []string{"agent-a", "agent-b", "agent-c"}
	return state
}

func TestNextSpeakerRoundRobin(t *testing.T) {
	e := New()
	state := threeAgentState()

	assert.Equal(t, "agent-a", e.NextSpeaker(state, config.OrderRoundRobin))
	state.RoundRobinIndex = 1
	assert.Equal(t, "agent-b", e.NextSpeaker(state, config.OrderRoundRobin))
	state.RoundRobinIndex = 5
	assert.Equal(t, "agent-c", e.NextSpeaker(state, config.OrderRoundRobin))
}

func TestNextSpeakerFreeAndModeratedDelegate(t *testing.T) {
	e := New()
	state := threeAgentState()

	assert.Empty(t, e.NextSpeaker(state, config.OrderFree))
	assert.Empty(t, e.NextSpeaker(state, config.OrderModerated))
}

func TestNextSpeakerUnknownOrderFallsBackToFree(t *testing.T) {
	e := New()
	state := threeAgentState()
	assert.Empty(t, e.NextSpeaker(state, config.SpeakingOrder("round-table")))
}

func TestNextSpeakerPriority(t *testing.T) {
	e := New()
	state := threeAgentState()
	now := time.Now()
	state.SpeakCounts = map[string]int{"agent-a": 3, "agent-b": 1, "agent-c": 1}
	state.LastSpokeAt = map[string]time.Time{
		"agent-a": now,
		"agent-b": now.Add(-1 * time.Minute),
		"agent-c": now.Add(-5 * time.Minute),
	}

	// agent-b and agent-c tie on count; agent-c has been idle longer.
	assert.Equal(t, "agent-c", e.NextSpeaker(state, config.OrderPriority))
}

func TestNextSpeakerPriorityNeverSpokeWins(t *testing.T) {
	e := New()
	state := threeAgentState()
	state.SpeakCounts = map[string]int{"agent-a": 2, "agent-b": 2}
	state.LastSpokeAt = map[string]time.Time{
		"agent-a": time.Now(),
		"agent-b": time.Now(),
	}

	assert.Equal(t, "agent-c", e.NextSpeaker(state, config.OrderPriority))
}

func TestNextSpeakerNoAgents(t *testing.T) {
	e := New()
	state := models.NewSessionState("session-1")
	assert.Empty(t, e.NextSpeaker(state, config.OrderRoundRobin))
}

func TestCheckTimeout(t *testing.T) {
	now := time.Now()
	e := NewWithClock(func() time.Time { return now })
	state := threeAgentState()

	// No speaker set.
	assert.False(t, e.CheckTimeout(state, 30*time.Second))

	started := now.Add(-35 * time.Second)
	state.CurrentSpeakerID = "agent-a"
	state.CurrentSpeakerStartTime = &started

	assert.True(t, e.CheckTimeout(state, 30*time.Second))
	assert.False(t, e.CheckTimeout(state, time.Minute))
	// Zero limit disables the check.
	assert.False(t, e.CheckTimeout(state, 0))
}

func TestRemainingTime(t *testing.T) {
	now := time.Now()
	e := NewWithClock(func() time.Time { return now })
	state := threeAgentState()

	_, ok := e.RemainingTime(state, 30*time.Second)
	assert.False(t, ok)

	started := now.Add(-10 * time.Second)
	state.CurrentSpeakerID = "agent-a"
	state.CurrentSpeakerStartTime = &started

	remaining, ok := e.RemainingTime(state, 30*time.Second)
	assert.True(t, ok)
	assert.Equal(t, 20*time.Second, remaining)

	// An expired turn clamps at zero.
	expired := now.Add(-time.Minute)
	state.CurrentSpeakerStartTime = &expired
	remaining, ok = e.RemainingTime(state, 30*time.Second)
	assert.True(t, ok)
	assert.Zero(t, remaining)
}

func TestCanSpeakConsecutiveCap(t *testing.T) {
	e := New()
	state := threeAgentState()
	state.LastSpeakerID = "agent-a"
	state.ConsecutiveSpeaks = config.MaxConsecutiveSpeaks

	assert.False(t, e.CanSpeak(state, "agent-a", config.OrderRoundRobin))
	assert.True(t, e.CanSpeak(state, "agent-b", config.OrderRoundRobin))
	// Moderated order is exempt from the cap.
	assert.True(t, e.CanSpeak(state, "agent-a", config.OrderModerated))

	state.ConsecutiveSpeaks = 1
	assert.True(t, e.CanSpeak(state, "agent-a", config.OrderRoundRobin))
}
