package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/openagora/agora/pkg/models"
)

// OpenAIConfig configures an OpenAI-compatible client. BaseURL may point at
// any compatible endpoint (vLLM, Ollama, a proxy).
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxRetries int           // retries after the first attempt, default 2
	Timeout    time.Duration // per-attempt timeout, default 60s
}

// OpenAIClient implements Client over the OpenAI chat/embeddings API.
type OpenAIClient struct {
	api        *openai.Client
	model      string
	maxRetries int
	timeout    time.Duration
}

// retryBaseDelay is the first back-off step; each retry doubles it.
const retryBaseDelay = time.Second

// NewOpenAIClient builds a client from config.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIClient{
		api:        openai.NewClientWithConfig(apiCfg),
		model:      cfg.Model,
		maxRetries: maxRetries,
		timeout:    timeout,
	}
}

func (c *OpenAIClient) resolve(opts Options) (string, time.Duration) {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	return model, timeout
}

// Chat performs a non-streaming completion, retrying transient failures with
// exponential back-off.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, opts Options) (*ChatResult, error) {
	if len(messages) == 0 {
		return nil, &ModelError{Code: CodeValidation, Message: "no messages"}
	}
	model, timeout := c.resolve(opts)
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(messages),
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}

	var result *ChatResult
	err := c.withRetries(ctx, "chat", func(attemptCtx context.Context) error {
		start := time.Now()
		resp, err := c.api.CreateChatCompletion(attemptCtx, req)
		if err != nil {
			return classify(err)
		}
		if len(resp.Choices) == 0 {
			return &ModelError{Code: CodeAPIError, Message: "empty completion"}
		}
		choice := resp.Choices[0]
		result = &ChatResult{
			Text: choice.Message.Content,
			Tokens: models.TokenUsage{
				Prompt:     resp.Usage.PromptTokens,
				Completion: resp.Usage.CompletionTokens,
				Total:      resp.Usage.TotalTokens,
			},
			FinishReason: mapFinishReason(choice.FinishReason),
			Latency:      time.Since(start),
		}
		return nil
	}, timeout)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ChatStream starts a streaming completion. The first attempt is retried on
// transient connect failures; once chunks flow, errors surface on the channel.
func (c *OpenAIClient) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	if len(messages) == 0 {
		return nil, &ModelError{Code: CodeValidation, Message: "no messages"}
	}
	model, _ := c.resolve(opts)
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(messages),
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	var stream *openai.ChatCompletionStream
	err := c.withRetries(ctx, "chat_stream", func(attemptCtx context.Context) error {
		var err error
		// The stream outlives this attempt, so it uses the caller's ctx.
		stream, err = c.api.CreateChatCompletionStream(ctx, req)
		if err != nil {
			return classify(err)
		}
		return nil
	}, 0)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, 16)
	go func() {
		defer close(chunks)
		defer stream.Close()

		var usage models.TokenUsage
		finish := FinishStop
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				chunks <- StreamChunk{Kind: ChunkDone, Tokens: usage, FinishReason: finish}
				return
			}
			if err != nil {
				chunks <- StreamChunk{Kind: ChunkError, Err: classify(err)}
				return
			}
			if resp.Usage != nil {
				usage = models.TokenUsage{
					Prompt:     resp.Usage.PromptTokens,
					Completion: resp.Usage.CompletionTokens,
					Total:      resp.Usage.TotalTokens,
				}
			}
			for _, choice := range resp.Choices {
				if choice.FinishReason != "" {
					finish = mapFinishReason(choice.FinishReason)
				}
				if choice.Delta.Content == "" {
					continue
				}
				select {
				case chunks <- StreamChunk{Kind: ChunkText, Text: choice.Delta.Content}:
				case <-ctx.Done():
					chunks <- StreamChunk{Kind: ChunkError, Err: &ModelError{
						Code: CodeTimeout, Message: "stream cancelled", Err: ctx.Err()}}
					return
				}
			}
		}
	}()
	return chunks, nil
}

// Embed returns embeddings for the given texts.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string, opts Options) (*EmbedResult, error) {
	if len(texts) == 0 {
		return nil, &ModelError{Code: CodeValidation, Message: "no texts"}
	}
	model, timeout := c.resolve(opts)
	var result *EmbedResult
	err := c.withRetries(ctx, "embed", func(attemptCtx context.Context) error {
		start := time.Now()
		resp, err := c.api.CreateEmbeddings(attemptCtx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(model),
			Input: texts,
		})
		if err != nil {
			return classify(err)
		}
		embeddings := make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			embeddings[i] = d.Embedding
		}
		result = &EmbedResult{
			Embeddings: embeddings,
			Tokens: models.TokenUsage{
				Prompt: resp.Usage.PromptTokens,
				Total:  resp.Usage.TotalTokens,
			},
			Latency: time.Since(start),
		}
		return nil
	}, timeout)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TestConnection probes the models endpoint.
func (c *OpenAIClient) TestConnection(ctx context.Context) *ConnectionResult {
	start := time.Now()
	resp, err := c.api.ListModels(ctx)
	if err != nil {
		return &ConnectionResult{Success: false, Latency: time.Since(start), Error: err.Error()}
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.ID)
	}
	return &ConnectionResult{Success: true, Latency: time.Since(start), Models: names}
}

// HasCapability reports supported capabilities.
func (c *OpenAIClient) HasCapability(name string) bool {
	switch name {
	case CapabilityStreaming, CapabilityEmbeddings:
		return true
	default:
		return false
	}
}

// withRetries runs fn up to 1+maxRetries times, backing off exponentially on
// retryable failures. timeout 0 means no per-attempt deadline.
func (c *OpenAIClient) withRetries(ctx context.Context, op string, fn func(context.Context) error, timeout time.Duration) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err

		var me *ModelError
		if !errors.As(err, &me) || !me.Retryable() || attempt == c.maxRetries {
			return err
		}
		slog.Warn("Model call failed, retrying",
			"operation", op,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"delay", delay.String(),
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &ModelError{Code: CodeTimeout, Message: "cancelled during back-off", Err: ctx.Err()}
		}
		delay *= 2
	}
	return lastErr
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func mapFinishReason(r openai.FinishReason) FinishReason {
	switch r {
	case openai.FinishReasonStop:
		return FinishStop
	case openai.FinishReasonLength:
		return FinishLength
	case openai.FinishReasonToolCalls:
		return FinishToolCalls
	default:
		return FinishError
	}
}

// classify maps transport and API errors into the engine's error taxonomy.
func classify(err error) error {
	var me *ModelError
	if errors.As(err, &me) {
		return me
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ModelError{Code: CodeTimeout, Message: "model call timed out", Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			return &ModelError{Code: CodeAuth, Message: "authentication failed", Status: apiErr.HTTPStatusCode, Err: err}
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &ModelError{Code: CodeRateLimit, Message: "rate limited", Status: apiErr.HTTPStatusCode, Err: err}
		case apiErr.HTTPStatusCode == http.StatusBadRequest:
			return &ModelError{Code: CodeValidation, Message: "request rejected", Status: apiErr.HTTPStatusCode, Err: err}
		default:
			return &ModelError{Code: CodeAPIError, Message: "api error", Status: apiErr.HTTPStatusCode, Err: err}
		}
	}
	if strings.Contains(err.Error(), "timeout") {
		return &ModelError{Code: CodeTimeout, Message: "model call timed out", Err: err}
	}
	return &ModelError{Code: CodeAPIError, Message: "model call failed", Err: err}
}
