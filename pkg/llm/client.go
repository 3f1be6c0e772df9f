// Package llm defines the model-client capability the engine consumes and
// provides an OpenAI-compatible implementation with retry semantics.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openagora/agora/pkg/models"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single model invocation. Zero values defer to the client's
// configured defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// FinishReason tells why the model stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// ChatResult is a completed non-streaming invocation.
type ChatResult struct {
	Text         string
	Tokens       models.TokenUsage
	FinishReason FinishReason
	Latency      time.Duration
}

// EmbedResult carries embeddings for a batch of texts.
type EmbedResult struct {
	Embeddings [][]float32
	Tokens     models.TokenUsage
	Latency    time.Duration
}

// ConnectionResult reports a connectivity probe.
type ConnectionResult struct {
	Success bool
	Latency time.Duration
	Models  []string
	Error   string
}

// ChunkKind discriminates StreamChunk variants.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkDone
	ChunkError
)

// StreamChunk is the tagged union carried on a streaming channel. Kind
// discriminates which variant fields are meaningful.
type StreamChunk struct {
	Kind ChunkKind

	// Text is set for ChunkText.
	Text string
	// Tokens and FinishReason are set for ChunkDone.
	Tokens       models.TokenUsage
	FinishReason FinishReason
	// Err is set for ChunkError. The stream ends after an error chunk.
	Err error
}

// Capability names accepted by HasCapability.
const (
	CapabilityStreaming  = "streaming"
	CapabilityEmbeddings = "embeddings"
	CapabilityTools      = "tools"
)

// Client is the model capability the engine consumes. Implementations retry
// transient failures internally; every other failure surfaces immediately as
// a *ModelError.
type Client interface {
	Chat(ctx context.Context, messages []Message, opts Options) (*ChatResult, error)
	// ChatStream returns a channel of chunks. The channel closes after a
	// ChunkDone or ChunkError. Cancelling ctx terminates the stream.
	ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error)
	Embed(ctx context.Context, texts []string, opts Options) (*EmbedResult, error)
	TestConnection(ctx context.Context) *ConnectionResult
	HasCapability(name string) bool
}

// ErrorCode classifies model failures for callers that branch on them.
type ErrorCode string

const (
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeRateLimit    ErrorCode = "RATE_LIMIT"
	CodeAuth         ErrorCode = "AUTH_ERROR"
	CodeNotSupported ErrorCode = "NOT_SUPPORTED"
	CodeAPIError     ErrorCode = "API_ERROR"
	CodeValidation   ErrorCode = "VALIDATION"
)

// ModelError is the error type all Client implementations return.
type ModelError struct {
	Code    ErrorCode
	Message string
	// Status is the upstream HTTP status when one applies, else 0.
	Status int
	Err    error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying.
func (e *ModelError) Retryable() bool {
	switch e.Code {
	case CodeTimeout, CodeRateLimit:
		return true
	case CodeAPIError:
		return e.Status >= 500
	default:
		return false
	}
}

// CodeOf extracts the error code from err, or CodeAPIError for foreign errors.
func CodeOf(err error) ErrorCode {
	var me *ModelError
	if errors.As(err, &me) {
		return me.Code
	}
	return CodeAPIError
}
