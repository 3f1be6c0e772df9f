// Package agent defines the participant capability the scheduler drives and
// two implementations: a model-backed agent and a scripted agent for
// deterministic runs.
package agent

import (
	"context"
	"time"

	"github.com/openagora/agora/pkg/llm"
	"github.com/openagora/agora/pkg/models"
)

// Status is an agent's activity state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusThinking Status = "thinking"
)

// State is a diagnostic snapshot of one agent.
type State struct {
	AgentID      string     `json:"agent_id"`
	Status       Status     `json:"status"`
	SpeakCount   int        `json:"speak_count"`
	TotalTokens  int        `json:"total_tokens"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// Response is a completed utterance.
type Response struct {
	Content string
	Tokens  *models.TokenUsage
}

// Agent is a discussion participant. ReceiveEvent must not block; generation
// methods may run long and honour ctx cancellation.
type Agent interface {
	ID() string
	Name() string
	Role() string
	Stance() string
	SupportsStreaming() bool

	Initialize(sessionID string)
	ReceiveEvent(event models.Event)

	GenerateResponse(ctx context.Context) (*Response, error)
	// GenerateResponseStream yields chunks ending in a ChunkDone carrying
	// the final token usage, or a ChunkError.
	GenerateResponseStream(ctx context.Context) (<-chan llm.StreamChunk, error)
	// GenerateIntent asks whether the agent wants the floor this round.
	// (nil, nil) means the agent declines.
	GenerateIntent(ctx context.Context, recentEvents []models.Event, round int) (*models.Intent, error)

	State() State
	Reset()
	Destroy()
}
