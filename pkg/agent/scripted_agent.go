package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openagora/agora/pkg/llm"
	"github.com/openagora/agora/pkg/models"
)

// ScriptedAgent is a deterministic participant for tests and offline demo
// sessions. It speaks numbered lines and accepts or declines intents
// according to its configuration.
type ScriptedAgent struct {
	id   string
	name string

	// AlwaysIntend makes GenerateIntent always request the floor.
	AlwaysIntend bool
	// Streaming toggles SupportsStreaming.
	Streaming bool
	// RespondDelay simulates thinking time before each response.
	RespondDelay time.Duration
	// FailResponses makes every generation call fail with this error.
	FailResponses error

	context *Context

	mu         sync.Mutex
	sessionID  string
	turn       int
	speakCount int
	lastActive *time.Time
}

// NewScriptedAgent creates a scripted participant.
func NewScriptedAgent(id, name string) *ScriptedAgent {
	return &ScriptedAgent{
		id:           id,
		name:         name,
		AlwaysIntend: true,
		context:      NewContext(id),
	}
}

func (a *ScriptedAgent) ID() string              { return a.id }
func (a *ScriptedAgent) Name() string            { return a.name }
func (a *ScriptedAgent) Role() string            { return "participant" }
func (a *ScriptedAgent) Stance() string          { return "" }
func (a *ScriptedAgent) SupportsStreaming() bool { return a.Streaming }

func (a *ScriptedAgent) Initialize(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = sessionID
}

func (a *ScriptedAgent) ReceiveEvent(event models.Event) {
	a.context.Receive(event)
}

// ContextEvents exposes the agent's accumulated context for inspection.
func (a *ScriptedAgent) ContextEvents() []models.Event {
	return a.context.Events()
}

func (a *ScriptedAgent) GenerateResponse(ctx context.Context) (*Response, error) {
	if a.RespondDelay > 0 {
		select {
		case <-time.After(a.RespondDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.FailResponses != nil {
		return nil, a.FailResponses
	}

	a.mu.Lock()
	a.turn++
	a.speakCount++
	now := time.Now()
	a.lastActive = &now
	text := fmt.Sprintf("%s statement %d", a.name, a.turn)
	a.mu.Unlock()

	return &Response{
		Content: text,
		Tokens:  &models.TokenUsage{Completion: 5, Total: 5},
	}, nil
}

func (a *ScriptedAgent) GenerateResponseStream(ctx context.Context) (<-chan llm.StreamChunk, error) {
	resp, err := a.GenerateResponse(ctx)
	if err != nil {
		return nil, err
	}
	chunks := make(chan llm.StreamChunk, 4)
	go func() {
		defer close(chunks)
		half := len(resp.Content) / 2
		chunks <- llm.StreamChunk{Kind: llm.ChunkText, Text: resp.Content[:half]}
		chunks <- llm.StreamChunk{Kind: llm.ChunkText, Text: resp.Content[half:]}
		chunks <- llm.StreamChunk{Kind: llm.ChunkDone, Tokens: *resp.Tokens, FinishReason: llm.FinishStop}
	}()
	return chunks, nil
}

func (a *ScriptedAgent) GenerateIntent(ctx context.Context, recentEvents []models.Event, round int) (*models.Intent, error) {
	if !a.AlwaysIntend {
		return nil, nil
	}
	intent := &models.Intent{
		AgentID: a.id,
		Type:    models.IntentSpeak,
		Urgency: 2,
		Preview: fmt.Sprintf("%s wants to speak in round %d", a.name, round),
	}
	intent.Normalize()
	return intent, nil
}

func (a *ScriptedAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := State{
		AgentID:    a.id,
		Status:     StatusIdle,
		SpeakCount: a.speakCount,
	}
	if a.lastActive != nil {
		t := *a.lastActive
		s.LastActiveAt = &t
	}
	return s
}

func (a *ScriptedAgent) Reset() {
	a.context.Reset()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turn = 0
	a.speakCount = 0
	a.lastActive = nil
}

func (a *ScriptedAgent) Destroy() {
	a.context.Reset()
}
