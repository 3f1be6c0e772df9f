package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/openagora/agora/pkg/models"
)

// ScriptedClient replays canned responses in order. It backs deterministic
// tests and offline demo runs; once the script is exhausted it repeats the
// last entry.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []string
	errs      map[int]error // keyed by call index, overrides the response
	calls     int
	// ChunkSize splits streamed responses; default 8 runes.
	ChunkSize int
	// Streaming toggles the streaming capability, default true.
	NoStreaming bool
}

// NewScriptedClient creates a client that cycles through responses.
func NewScriptedClient(responses ...string) *ScriptedClient {
	return &ScriptedClient{responses: responses, errs: make(map[int]error)}
}

// FailCall makes the nth call (0-based) return err instead of a response.
func (c *ScriptedClient) FailCall(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[n] = err
}

// Calls returns how many chat invocations have been made.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *ScriptedClient) next() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.calls
	c.calls++
	if err, ok := c.errs[n]; ok {
		return "", err
	}
	if len(c.responses) == 0 {
		return "", &ModelError{Code: CodeAPIError, Message: "script empty"}
	}
	if n >= len(c.responses) {
		n = len(c.responses) - 1
	}
	return c.responses[n], nil
}

func (c *ScriptedClient) Chat(ctx context.Context, messages []Message, opts Options) (*ChatResult, error) {
	text, err := c.next()
	if err != nil {
		return nil, err
	}
	return &ChatResult{
		Text: text,
		Tokens: models.TokenUsage{
			Prompt:     len(messages) * 10,
			Completion: len(text) / 4,
			Total:      len(messages)*10 + len(text)/4,
		},
		FinishReason: FinishStop,
		Latency:      time.Millisecond,
	}, nil
}

func (c *ScriptedClient) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	if c.NoStreaming {
		return nil, &ModelError{Code: CodeNotSupported, Message: "streaming disabled"}
	}
	text, err := c.next()
	if err != nil {
		return nil, err
	}
	size := c.ChunkSize
	if size <= 0 {
		size = 8
	}

	chunks := make(chan StreamChunk, 16)
	go func() {
		defer close(chunks)
		runes := []rune(text)
		for start := 0; start < len(runes); start += size {
			end := start + size
			if end > len(runes) {
				end = len(runes)
			}
			select {
			case chunks <- StreamChunk{Kind: ChunkText, Text: string(runes[start:end])}:
			case <-ctx.Done():
				chunks <- StreamChunk{Kind: ChunkError, Err: &ModelError{
					Code: CodeTimeout, Message: "stream cancelled", Err: ctx.Err()}}
				return
			}
		}
		chunks <- StreamChunk{
			Kind:         ChunkDone,
			Tokens:       models.TokenUsage{Completion: len(runes) / 4, Total: len(runes) / 4},
			FinishReason: FinishStop,
		}
	}()
	return chunks, nil
}

func (c *ScriptedClient) Embed(ctx context.Context, texts []string, opts Options) (*EmbedResult, error) {
	embeddings := make([][]float32, len(texts))
	for i, t := range texts {
		v := float32(len(strings.Fields(t)))
		embeddings[i] = []float32{v, v / 2, v / 4}
	}
	return &EmbedResult{Embeddings: embeddings, Latency: time.Millisecond}, nil
}

func (c *ScriptedClient) TestConnection(ctx context.Context) *ConnectionResult {
	return &ConnectionResult{Success: true, Latency: time.Millisecond, Models: []string{"scripted"}}
}

func (c *ScriptedClient) HasCapability(name string) bool {
	switch name {
	case CapabilityStreaming:
		return !c.NoStreaming
	case CapabilityEmbeddings:
		return true
	default:
		return false
	}
}
