package llm

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelErrorRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       *ModelError
		retryable bool
	}{
		{"timeout", &ModelError{Code: CodeTimeout}, true},
		{"rate limit", &ModelError{Code: CodeRateLimit}, true},
		{"server error", &ModelError{Code: CodeAPIError, Status: 503}, true},
		{"client error", &ModelError{Code: CodeAPIError, Status: 404}, false},
		{"auth", &ModelError{Code: CodeAuth, Status: 401}, false},
		{"validation", &ModelError{Code: CodeValidation, Status: 400}, false},
		{"not supported", &ModelError{Code: CodeNotSupported}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.err.Retryable())
		})
	}
}

func TestClassifyAPIErrors(t *testing.T) {
	tests := []struct {
		status int
		code   ErrorCode
	}{
		{401, CodeAuth},
		{403, CodeAuth},
		{429, CodeRateLimit},
		{400, CodeValidation},
		{500, CodeAPIError},
		{502, CodeAPIError},
	}
	for _, tt := range tests {
		err := classify(&openai.APIError{HTTPStatusCode: tt.status})
		var me *ModelError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, tt.code, me.Code, "status %d", tt.status)
		assert.Equal(t, tt.status, me.Status)
	}
}

func TestClassifyContextErrors(t *testing.T) {
	assert.Equal(t, CodeTimeout, CodeOf(classify(context.DeadlineExceeded)))
	assert.Equal(t, CodeTimeout, CodeOf(classify(context.Canceled)))
	assert.Equal(t, CodeAPIError, CodeOf(classify(errors.New("connection refused"))))
}

func TestCodeOfForeignError(t *testing.T) {
	assert.Equal(t, CodeAPIError, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeAuth, CodeOf(&ModelError{Code: CodeAuth}))
}

func TestScriptedClientChat(t *testing.T) {
	c := NewScriptedClient("first", "second")
	ctx := context.Background()

	r, err := c.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "first", r.Text)

	r, err = c.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "second", r.Text)

	// Exhausted script repeats the last entry.
	r, err = c.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "second", r.Text)
	assert.Equal(t, 3, c.Calls())
}

func TestScriptedClientStreamAccumulates(t *testing.T) {
	c := NewScriptedClient("a longer streamed response body")
	c.ChunkSize = 5

	chunks, err := c.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "go"}}, Options{})
	require.NoError(t, err)

	var accumulated string
	var done bool
	for chunk := range chunks {
		switch chunk.Kind {
		case ChunkText:
			accumulated += chunk.Text
		case ChunkDone:
			done = true
			assert.Equal(t, FinishStop, chunk.FinishReason)
		case ChunkError:
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
	}
	assert.True(t, done)
	assert.Equal(t, "a longer streamed response body", accumulated)
}

func TestScriptedClientFailCall(t *testing.T) {
	c := NewScriptedClient("ok")
	c.FailCall(1, &ModelError{Code: CodeRateLimit, Message: "slow down"})
	ctx := context.Background()

	_, err := c.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	require.NoError(t, err)

	_, err = c.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	assert.Equal(t, CodeRateLimit, CodeOf(err))
}

func TestScriptedClientCapabilities(t *testing.T) {
	c := NewScriptedClient("x")
	assert.True(t, c.HasCapability(CapabilityStreaming))
	assert.True(t, c.HasCapability(CapabilityEmbeddings))
	assert.False(t, c.HasCapability(CapabilityTools))

	c.NoStreaming = true
	assert.False(t, c.HasCapability(CapabilityStreaming))
	_, err := c.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{})
	assert.Equal(t, CodeNotSupported, CodeOf(err))
}
