package moderator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagora/agora/pkg/models"
)

func speakIntent(agentID string, urgency int) models.Intent {
	i := models.Intent{AgentID: agentID, Type: models.IntentSpeak, Urgency: urgency}
	i.Normalize()
	return i
}

func interruptIntent(agentID string, urgency int) models.Intent {
	i := models.Intent{AgentID: agentID, Type: models.IntentInterrupt, Urgency: urgency}
	i.Normalize()
	return i
}

func TestSubmitReturnsPosition(t *testing.T) {
	q := newIntentQueue()
	assert.Equal(t, 1, q.submit(speakIntent("agent-a", 2), true))
	assert.Equal(t, 2, q.submit(speakIntent("agent-b", 1), true))
	// Higher urgency hint inserts ahead of lower within the same level.
	assert.Equal(t, 1, q.submit(speakIntent("agent-c", 4), true))
}

func TestInterruptJumpsToHeadWhenAllowed(t *testing.T) {
	q := newIntentQueue()
	q.submit(speakIntent("agent-b", 2), true)
	pos := q.submit(interruptIntent("agent-c", 4), true)
	assert.Equal(t, 1, pos)

	head, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "agent-c", head.AgentID)
}

func TestInterruptOrderedByUrgencyWhenDisallowed(t *testing.T) {
	q := newIntentQueue()
	q.submit(speakIntent("agent-b", 2), true)
	q.submit(interruptIntent("agent-c", 4), true)

	// Phase flipped to allowInterrupt=false: the interrupt still outranks
	// speak intents by level but must not jump the existing head.
	q.submit(interruptIntent("agent-d", 5), false)

	first, _ := q.pop()
	second, _ := q.pop()
	third, _ := q.pop()
	assert.Equal(t, "agent-c", first.AgentID)
	assert.Equal(t, "agent-d", second.AgentID)
	assert.Equal(t, "agent-b", third.AgentID)
}

func TestSameUrgencyKeepsSubmissionOrder(t *testing.T) {
	q := newIntentQueue()
	q.submit(speakIntent("agent-a", 3), true)
	q.submit(speakIntent("agent-b", 3), true)
	q.submit(speakIntent("agent-c", 3), true)

	a, _ := q.pop()
	b, _ := q.pop()
	c, _ := q.pop()
	assert.Equal(t, []string{"agent-a", "agent-b", "agent-c"},
		[]string{a.AgentID, b.AgentID, c.AgentID})
}

func TestPopEmptyQueue(t *testing.T) {
	q := newIntentQueue()
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestClearAgent(t *testing.T) {
	q := newIntentQueue()
	q.submit(speakIntent("agent-a", 2), true)
	q.submit(speakIntent("agent-b", 2), true)
	q.submit(speakIntent("agent-a", 1), true)

	q.clearAgent("agent-a")
	require.Equal(t, 1, q.len())
	head, _ := q.pop()
	assert.Equal(t, "agent-b", head.AgentID)
}

func TestListIsSnapshot(t *testing.T) {
	q := newIntentQueue()
	q.submit(speakIntent("agent-a", 2), true)
	snapshot := q.list()
	q.submit(speakIntent("agent-b", 2), true)
	assert.Len(t, snapshot, 1)
	assert.Equal(t, 2, q.len())
}
