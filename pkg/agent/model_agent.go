package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openagora/agora/pkg/llm"
	"github.com/openagora/agora/pkg/models"
)

// Profile describes a model-backed participant.
type Profile struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Role         string `yaml:"role" json:"role"`
	Stance       string `yaml:"stance,omitempty" json:"stance,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
}

// ModelAgent drives one participant through an llm.Client.
type ModelAgent struct {
	profile Profile
	client  llm.Client
	topic   string
	opts    llm.Options

	context *Context

	mu          sync.Mutex
	sessionID   string
	status      Status
	speakCount  int
	totalTokens int
	lastActive  *time.Time
}

// NewModelAgent creates an agent for the given profile and model client.
func NewModelAgent(profile Profile, client llm.Client, topic string, opts llm.Options) *ModelAgent {
	return &ModelAgent{
		profile: profile,
		client:  client,
		topic:   topic,
		opts:    opts,
		context: NewContext(profile.ID),
		status:  StatusIdle,
	}
}

func (a *ModelAgent) ID() string     { return a.profile.ID }
func (a *ModelAgent) Name() string   { return a.profile.Name }
func (a *ModelAgent) Role() string   { return a.profile.Role }
func (a *ModelAgent) Stance() string { return a.profile.Stance }

func (a *ModelAgent) SupportsStreaming() bool {
	return a.client.HasCapability(llm.CapabilityStreaming)
}

func (a *ModelAgent) Initialize(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = sessionID
}

// ReceiveEvent folds a session event into the agent's private context.
func (a *ModelAgent) ReceiveEvent(event models.Event) {
	a.context.Receive(event)
}

// systemPrompt renders the persona instruction for model calls.
func (a *ModelAgent) systemPrompt() string {
	var b strings.Builder
	if a.profile.SystemPrompt != "" {
		b.WriteString(a.profile.SystemPrompt)
	} else {
		fmt.Fprintf(&b, "You are %s, participating in a multi-party discussion", a.profile.Name)
		if a.profile.Role != "" {
			fmt.Fprintf(&b, " in the role of %s", a.profile.Role)
		}
		b.WriteString(".")
	}
	if a.profile.Stance != "" {
		fmt.Fprintf(&b, "\nYour stance: %s", a.profile.Stance)
	}
	if a.topic != "" {
		fmt.Fprintf(&b, "\nDiscussion topic: %s", a.topic)
	}
	b.WriteString("\nRespond with your next contribution only, in plain text, without naming yourself.")
	return b.String()
}

func (a *ModelAgent) messages() []llm.Message {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: a.systemPrompt()}}
	return append(messages, a.context.BuildMessages()...)
}

func (a *ModelAgent) setThinking() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = StatusThinking
}

func (a *ModelAgent) settle(tokens int, spoke bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = StatusIdle
	a.totalTokens += tokens
	if spoke {
		a.speakCount++
		now := time.Now()
		a.lastActive = &now
	}
}

// GenerateResponse produces one utterance synchronously.
func (a *ModelAgent) GenerateResponse(ctx context.Context) (*Response, error) {
	a.setThinking()
	result, err := a.client.Chat(ctx, a.messages(), a.opts)
	if err != nil {
		a.settle(0, false)
		return nil, err
	}
	a.settle(result.Tokens.Total, true)
	tokens := result.Tokens
	return &Response{Content: result.Text, Tokens: &tokens}, nil
}

// GenerateResponseStream produces one utterance as a chunk stream. The
// caller accumulates text; usage arrives on the final ChunkDone.
func (a *ModelAgent) GenerateResponseStream(ctx context.Context) (<-chan llm.StreamChunk, error) {
	a.setThinking()
	upstream, err := a.client.ChatStream(ctx, a.messages(), a.opts)
	if err != nil {
		a.settle(0, false)
		return nil, err
	}

	chunks := make(chan llm.StreamChunk, 16)
	go func() {
		defer close(chunks)
		for chunk := range upstream {
			switch chunk.Kind {
			case llm.ChunkDone:
				a.settle(chunk.Tokens.Total, true)
			case llm.ChunkError:
				a.settle(0, false)
			}
			chunks <- chunk
		}
	}()
	return chunks, nil
}

// intentReply is the JSON shape the intent prompt asks for.
type intentReply struct {
	Type    string `json:"type"`
	Urgency int    `json:"urgency"`
	Preview string `json:"preview"`
}

// GenerateIntent asks the model whether this agent wants the floor. The model
// answers either PASS or a small JSON object; anything unparseable counts as
// a decline.
func (a *ModelAgent) GenerateIntent(ctx context.Context, recentEvents []models.Event, round int) (*models.Intent, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d of the discussion. Recent events:\n", round)
	for _, e := range recentEvents {
		fmt.Fprintf(&b, "- [%s] %s\n", speakerName(e), eventText(e))
	}
	b.WriteString("\nDo you want to speak next? Answer PASS to stay silent, or a JSON object " +
		`{"type":"speak"|"interrupt","urgency":0-5,"preview":"one line"} to request the floor.`)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: a.systemPrompt()},
		{Role: llm.RoleUser, Content: b.String()},
	}
	result, err := a.client.Chat(ctx, messages, a.opts)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(result.Text)
	if text == "" || strings.EqualFold(text, "PASS") {
		return nil, nil
	}
	// Tolerate fenced or prefixed JSON.
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}
	var reply intentReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		slog.Debug("Agent intent reply unparseable, treating as pass",
			"agent_id", a.profile.ID, "reply", text)
		return nil, nil
	}

	intent := &models.Intent{
		AgentID: a.profile.ID,
		Type:    models.IntentSpeak,
		Urgency: reply.Urgency,
		Preview: reply.Preview,
	}
	if reply.Type == string(models.IntentInterrupt) {
		intent.Type = models.IntentInterrupt
	}
	intent.Normalize()
	return intent, nil
}

// State returns a diagnostic snapshot.
func (a *ModelAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := State{
		AgentID:     a.profile.ID,
		Status:      a.status,
		SpeakCount:  a.speakCount,
		TotalTokens: a.totalTokens,
	}
	if a.lastActive != nil {
		t := *a.lastActive
		s.LastActiveAt = &t
	}
	return s
}

// Reset clears accumulated context and counters, keeping the profile.
func (a *ModelAgent) Reset() {
	a.context.Reset()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = StatusIdle
	a.speakCount = 0
	a.totalTokens = 0
	a.lastActive = nil
}

// Destroy releases the agent. The model client is shared and stays open.
func (a *ModelAgent) Destroy() {
	a.context.Reset()
}
