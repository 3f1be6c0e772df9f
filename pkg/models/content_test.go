package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContent_PlainStringRoundTrip(t *testing.T) {
	c := TextContent("hello world")

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Equal(t, `"hello world"`, string(data))

	var decoded Content
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "hello world", decoded.Text)
	assert.False(t, decoded.Structured())
}

func TestContent_StructuredRoundTrip(t *testing.T) {
	c := ActionContent("session_end", map[string]any{"reason": "done"})

	data, err := json.Marshal(c)
	require.NoError(t, err)

	var decoded Content
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "session_end", decoded.Action)
	assert.Equal(t, "done", decoded.StringField("reason"))
}

func TestContent_UnknownFieldsPreserved(t *testing.T) {
	// A payload written by a newer version must survive decode/encode intact.
	raw := `{"action":"future_action","known":"x","novel_field":{"a":1}}`

	var c Content
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	assert.Equal(t, "future_action", c.Action)
	_, ok := c.Field("novel_field")
	assert.True(t, ok)

	data, err := json.Marshal(c)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "future_action", out["action"])
	assert.Contains(t, out, "novel_field")
}

func TestSpeechContent_RoundTrip(t *testing.T) {
	s := SpeechContent{
		AgentID:    "agent-a",
		AgentName:  "Alice",
		Message:    "I disagree.",
		Tokens:     &TokenUsage{Prompt: 100, Completion: 20, Total: 120},
		FromIntent: true,
	}

	c := s.ToContent()
	got, ok := c.AsSpeech()
	require.True(t, ok)
	assert.Equal(t, s, got)

	// Round-trip through JSON as well, tokens arrive as float64 fields.
	data, err := json.Marshal(c)
	require.NoError(t, err)
	var decoded Content
	require.NoError(t, json.Unmarshal(data, &decoded))
	got, ok = decoded.AsSpeech()
	require.True(t, ok)
	assert.Equal(t, s, got)
}

func TestMeta_Visibility(t *testing.T) {
	var m *Meta
	assert.True(t, m.Public())
	assert.True(t, m.VisibleTo("anyone"))

	scoped := &Meta{Visibility: []string{"agent-a", "agent-b"}}
	assert.False(t, scoped.Public())
	assert.True(t, scoped.VisibleTo("agent-a"))
	assert.False(t, scoped.VisibleTo("agent-c"))
}

func TestIntent_Normalize(t *testing.T) {
	i := &Intent{AgentID: "a", Type: IntentInterrupt, Urgency: 9}
	i.Normalize()
	assert.Equal(t, 5, i.Urgency)
	assert.Equal(t, UrgencyInterrupt, i.UrgencyLevel)
	assert.False(t, i.Timestamp.IsZero())

	j := &Intent{AgentID: "b", Type: IntentSpeak, Urgency: -1}
	j.Normalize()
	assert.Equal(t, 0, j.Urgency)
	assert.Equal(t, UrgencyRaiseHand, j.UrgencyLevel)
}

func TestSessionState_SnapshotIsIndependent(t *testing.T) {
	s := NewSessionState("sess-1")
	s.AgentIDs = []string{"a", "b"}
	s.SpeakCounts["a"] = 3

	snap := s.Snapshot()
	snap.SpeakCounts["a"] = 99
	snap.AgentIDs[0] = "mutated"

	assert.Equal(t, 3, s.SpeakCounts["a"])
	assert.Equal(t, "a", s.AgentIDs[0])
}

func TestSessionStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusAborted.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.False(t, StatusPaused.Terminal())
	assert.False(t, StatusPending.Terminal())
}
