package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/observe"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// Request is the input of one generation.
type Request struct {
	SystemPrompt string
	Messages     []types.Message
}

// Generator produces an assistant reply. onPartial receives the full text
// generated so far, never a delta; each call supersedes the previous one.
type Generator interface {
	Generate(ctx context.Context, req Request, onPartial func(text string)) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request, onPartial func(string)) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req Request, onPartial func(string)) (string, error) {
	return f(ctx, req, onPartial)
}

// LLMGenerator streams replies from an llm.Provider and accumulates its
// deltas into cumulative partials.
type LLMGenerator struct {
	Provider    llm.Provider
	Name        string
	Temperature float64
	MaxTokens   int
	Metrics     *observe.Metrics
}

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, req Request, onPartial func(string)) (text string, err error) {
	start := time.Now()
	if g.Metrics != nil {
		defer func() { g.Metrics.ObserveProvider(ctx, g.Name, observe.KindLLM, start, err) }()
	}

	ch, err := g.Provider.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: req.SystemPrompt,
		Messages:     req.Messages,
		Temperature:  g.Temperature,
		MaxTokens:    g.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat: start generation: %w", err)
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.FinishReason == llm.FinishError {
			for range ch {
			}
			if chunk.Err == nil {
				chunk.Err = llm.ErrStream
			}
			return "", fmt.Errorf("chat: generation: %w", chunk.Err)
		}
		if chunk.Text == "" {
			continue
		}
		sb.WriteString(chunk.Text)
		if onPartial != nil {
			onPartial(sb.String())
		}
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("chat: generation: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
