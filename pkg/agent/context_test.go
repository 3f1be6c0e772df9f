package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagora/agora/pkg/llm"
	"github.com/openagora/agora/pkg/models"
)

func speechEvent(seq int64, agentID, message string) models.Event {
	return models.Event{
		ID:        fmt.Sprintf("evt-%d", seq),
		SessionID: "session-1",
		Sequence:  seq,
		Timestamp: time.Now(),
		Type:      models.EventSpeech,
		Speaker:   agentID,
		Content: models.SpeechContent{
			AgentID:   agentID,
			AgentName: agentID,
			Message:   message,
		}.ToContent(),
	}
}

func TestContextSkipsOwnTransientAndInvisibleEvents(t *testing.T) {
	c := NewContext("agent-a")

	c.Receive(speechEvent(1, "agent-a", "me talking"))

	transient := speechEvent(2, "agent-b", "partial")
	transient.Meta = &models.Meta{Transient: true}
	c.Receive(transient)

	private := speechEvent(3, "agent-b", "whisper")
	private.Meta = &models.Meta{Visibility: []string{"agent-c"}}
	c.Receive(private)

	c.Receive(speechEvent(4, "agent-b", "public remark"))

	events := c.Events()
	require.Len(t, events, 1)
	assert.Equal(t, int64(4), events[0].Sequence)
}

func TestContextCompressesOlderHalf(t *testing.T) {
	c := NewContext("agent-a")
	c.maxEvents = 10

	for i := 1; i <= 11; i++ {
		speaker := "agent-b"
		if i%2 == 0 {
			speaker = "agent-c"
		}
		c.Receive(speechEvent(int64(i), speaker, fmt.Sprintf("line %d", i)))
	}

	// Overflow folded events 1..5 into one memory line, keeping 6..11.
	events := c.Events()
	require.Len(t, events, 6)
	assert.Equal(t, int64(6), events[0].Sequence)
	assert.Equal(t, 1, c.MemorySize())

	messages := c.BuildMessages()
	require.Len(t, messages, 7)
	assert.Equal(t, llm.RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, "2 participants made 5 utterances")
}

func TestBuildMessagesRolesAndFormat(t *testing.T) {
	c := NewContext("agent-a")

	c.Receive(speechEvent(1, "agent-b", "first point"))
	system := models.Event{
		Sequence: 2,
		Type:     models.EventSystem,
		Speaker:  models.SpeakerModerator,
		Content:  models.SystemContent(models.ActionModeratorWarn, "stay on topic", nil),
	}
	c.Receive(system)

	messages := c.BuildMessages()
	require.Len(t, messages, 2)
	assert.Equal(t, llm.RoleUser, messages[0].Role)
	assert.Equal(t, "[agent-b] first point", messages[0].Content)
	assert.Equal(t, "[moderator] stay on topic", messages[1].Content)
}

func TestContextReset(t *testing.T) {
	c := NewContext("agent-a")
	c.maxEvents = 4
	for i := 1; i <= 6; i++ {
		c.Receive(speechEvent(int64(i), "agent-b", "x"))
	}
	require.NotZero(t, c.MemorySize())

	c.Reset()
	assert.Empty(t, c.Events())
	assert.Zero(t, c.MemorySize())
	assert.Empty(t, c.BuildMessages())
}

func TestModelAgentGenerateResponse(t *testing.T) {
	client := llm.NewScriptedClient("a considered reply")
	a := NewModelAgent(Profile{ID: "agent-a", Name: "Alice", Role: "economist"}, client, "trade policy", llm.Options{})
	a.Initialize("session-1")
	a.ReceiveEvent(speechEvent(1, "agent-b", "opening"))

	resp, err := a.GenerateResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a considered reply", resp.Content)
	require.NotNil(t, resp.Tokens)

	state := a.State()
	assert.Equal(t, 1, state.SpeakCount)
	assert.Equal(t, StatusIdle, state.Status)
	assert.NotNil(t, state.LastActiveAt)
}

func TestModelAgentStreamSettlesState(t *testing.T) {
	client := llm.NewScriptedClient("streamed reply text")
	a := NewModelAgent(Profile{ID: "agent-a", Name: "Alice"}, client, "", llm.Options{})
	require.True(t, a.SupportsStreaming())

	chunks, err := a.GenerateResponseStream(context.Background())
	require.NoError(t, err)

	var text string
	for chunk := range chunks {
		if chunk.Kind == llm.ChunkText {
			text += chunk.Text
		}
	}
	assert.Equal(t, "streamed reply text", text)
	assert.Equal(t, 1, a.State().SpeakCount)
}

func TestModelAgentGenerateIntent(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		expect *models.Intent
	}{
		{"pass", "PASS", nil},
		{"lowercase pass", "pass", nil},
		{"garbage counts as pass", "maybe later?", nil},
		{
			"speak json",
			`{"type":"speak","urgency":3,"preview":"counterpoint"}`,
			&models.Intent{Type: models.IntentSpeak, Urgency: 3, UrgencyLevel: models.UrgencyRaiseHand},
		},
		{
			"interrupt json in fence",
			"```json\n{\"type\":\"interrupt\",\"urgency\":5,\"preview\":\"objection\"}\n```",
			&models.Intent{Type: models.IntentInterrupt, Urgency: 5, UrgencyLevel: models.UrgencyInterrupt},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := llm.NewScriptedClient(tt.reply)
			a := NewModelAgent(Profile{ID: "agent-a", Name: "Alice"}, client, "", llm.Options{})

			intent, err := a.GenerateIntent(context.Background(), nil, 1)
			require.NoError(t, err)
			if tt.expect == nil {
				assert.Nil(t, intent)
				return
			}
			require.NotNil(t, intent)
			assert.Equal(t, "agent-a", intent.AgentID)
			assert.Equal(t, tt.expect.Type, intent.Type)
			assert.Equal(t, tt.expect.Urgency, intent.Urgency)
			assert.Equal(t, tt.expect.UrgencyLevel, intent.UrgencyLevel)
		})
	}
}

func TestScriptedAgentDeterministicTurns(t *testing.T) {
	a := NewScriptedAgent("agent-a", "Alice")

	r1, err := a.GenerateResponse(context.Background())
	require.NoError(t, err)
	r2, err := a.GenerateResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Alice statement 1", r1.Content)
	assert.Equal(t, "Alice statement 2", r2.Content)

	intent, err := a.GenerateIntent(context.Background(), nil, 2)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, models.IntentSpeak, intent.Type)

	a.AlwaysIntend = false
	intent, err = a.GenerateIntent(context.Background(), nil, 3)
	require.NoError(t, err)
	assert.Nil(t, intent)
}
