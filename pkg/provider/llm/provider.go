// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a local or remote model API (a local Ollama instance,
// OpenRouter, or any backend reachable through any-llm-go) and exposes a uniform
// interface for the chat turn manager without coupling it to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// FinishError is the FinishReason of a chunk that reports a mid-stream failure.
const FinishError = "error"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the user and drives the response.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model. Providers that
	// do not support tool calling ignore it.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// SystemPrompt is prepended as a system message by providers without a
	// dedicated system field.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text of this chunk (a delta, not the full text).
	Text string

	// FinishReason is set on the final chunk: "stop", "length", "tool_calls",
	// or FinishError. Empty on intermediate chunks.
	FinishReason string

	// Err carries the cause when FinishReason is FinishError.
	Err error

	ToolCalls []types.ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content   string
	ToolCalls []types.ToolCall
	Usage     Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel of chunks.
	// The channel is closed when generation finishes or ctx is cancelled.
	// Errors after the stream opened arrive as a chunk with FinishReason
	// FinishError; the returned error covers failures to start the stream.
	// The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the token count of messages. It may approximate but
	// should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() types.ModelCapabilities
}

// Pinger is implemented by providers that can check backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ModelLister is implemented by providers that can enumerate installed models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// ErrStream is returned by Collect when a stream ends with FinishError and no cause.
var ErrStream = errors.New("llm: stream failed")

// Collect drains ch into a CompletionResponse. It is the usual way for
// streaming-only backends to implement Complete.
func Collect(ch <-chan Chunk) (*CompletionResponse, error) {
	var sb strings.Builder
	var calls []types.ToolCall
	for c := range ch {
		if c.FinishReason == FinishError {
			for range ch {
			}
			if c.Err != nil {
				return nil, c.Err
			}
			return nil, ErrStream
		}
		sb.WriteString(c.Text)
		calls = append(calls, c.ToolCalls...)
	}
	return &CompletionResponse{Content: sb.String(), ToolCalls: calls}, nil
}

// EstimateTokens approximates a token count at four characters per token,
// rounding up per message. Used by backends without a tokeniser endpoint.
func EstimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}
