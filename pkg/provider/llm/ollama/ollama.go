// Package ollama provides an LLM provider backed by a local Ollama server.
//
// It talks to Ollama's native /api/chat endpoint with stream=true. Ollama
// answers with newline-delimited JSON objects, each carrying a content delta in
// message.content; the final object has done=true.
//
//	p, err := ollama.New("", "llama3.2") // connects to http://localhost:11434
//	ch, err := p.StreamCompletion(ctx, req)
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

// maxLineSize bounds a single NDJSON line. Ollama lines are small; this only
// guards against a misbehaving proxy.
const maxLineSize = 1 << 20

var (
	_ llm.Provider    = (*Provider)(nil)
	_ llm.Pinger      = (*Provider)(nil)
	_ llm.ModelLister = (*Provider)(nil)
)

// Provider implements llm.Provider using Ollama's chat API. It is safe for
// concurrent use.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	options    map[string]any
	keepAlive  string
	caps       types.ModelCapabilities
}

type config struct {
	timeout    time.Duration
	httpClient *http.Client
	options    map[string]any
	keepAlive  string
	contextLen int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets an overall HTTP timeout. Streaming responses count against
// it, so keep it generous. Zero means no timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithOptions sets Ollama model options (temperature, num_ctx, top_p, ...)
// sent with every request. Request-level Temperature and MaxTokens override
// the matching keys.
func WithOptions(opts map[string]any) Option {
	return func(c *config) { c.options = opts }
}

// WithKeepAlive sets how long Ollama keeps the model loaded, e.g. "10m".
func WithKeepAlive(d string) Option {
	return func(c *config) { c.keepAlive = d }
}

// WithContextWindow overrides the context window reported by Capabilities.
func WithContextWindow(n int) Option {
	return func(c *config) { c.contextLen = n }
}

// New constructs a Provider. An empty baseURL selects DefaultBaseURL; model
// must not be empty.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{contextLen: 8192}
	for _, o := range opts {
		o(cfg)
	}
	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.timeout > 0 {
		hc.Timeout = cfg.timeout
	}

	return &Provider{
		baseURL:    baseURL,
		model:      model,
		httpClient: hc,
		options:    cfg.options,
		keepAlive:  cfg.keepAlive,
		caps: types.ModelCapabilities{
			ContextWindow:     cfg.contextLen,
			SupportsStreaming: true,
		},
	}, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// BaseURL returns the server base URL without a trailing slash.
func (p *Provider) BaseURL() string { return p.baseURL }

// ---- wire types ----

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string         `json:"model"`
	Messages  []chatMessage  `json:"messages"`
	Stream    bool           `json:"stream"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	Error           string      `json:"error,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
}

func (p *Provider) buildRequest(req llm.CompletionRequest) chatRequest {
	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: string(types.RoleSystem), Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	var opts map[string]any
	if len(p.options) > 0 || req.Temperature > 0 || req.MaxTokens > 0 {
		opts = make(map[string]any, len(p.options)+2)
		for k, v := range p.options {
			opts[k] = v
		}
		if req.Temperature > 0 {
			opts["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			opts["num_predict"] = req.MaxTokens
		}
	}

	return chatRequest{
		Model:     p.model,
		Messages:  msgs,
		Stream:    true,
		Options:   opts,
		KeepAlive: p.keepAlive,
	}
}

// StreamCompletion posts the conversation to /api/chat and streams content deltas.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("ollama: chat: request has no messages")
	}
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("ollama: chat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: chat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: chat: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("chat", resp)
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		p.readStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

func (p *Provider) readStream(ctx context.Context, r io.Reader, ch chan<- llm.Chunk) {
	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		send(llm.Chunk{FinishReason: llm.FinishError, Err: err})
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var cr chatResponse
		if err := json.Unmarshal(line, &cr); err != nil {
			fail(fmt.Errorf("ollama: chat: malformed stream line: %w", err))
			return
		}
		if cr.Error != "" {
			fail(fmt.Errorf("ollama: chat: %s", cr.Error))
			return
		}
		if cr.Done {
			reason := cr.DoneReason
			if reason == "" {
				reason = "stop"
			}
			send(llm.Chunk{Text: cr.Message.Content, FinishReason: reason})
			return
		}
		if cr.Message.Content == "" {
			continue
		}
		if !send(llm.Chunk{Text: cr.Message.Content}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		fail(fmt.Errorf("ollama: chat: read stream: %w", err))
		return
	}
	fail(fmt.Errorf("ollama: chat: stream ended before done"))
}

// Complete streams the response and returns the concatenated text.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.Collect(ch)
}

// CountTokens approximates the token count; Ollama exposes no tokeniser endpoint.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities returns the static capabilities of the configured model.
func (p *Provider) Capabilities() types.ModelCapabilities { return p.caps }

// Ping checks that the server answers GET /api/version.
func (p *Provider) Ping(ctx context.Context) error {
	resp, err := p.get(ctx, "/api/version")
	if err != nil {
		return fmt.Errorf("ollama: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return statusError("ping", resp)
	}
	return nil
}

// ListModels returns the names of locally installed models from GET /api/tags.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	resp, err := p.get(ctx, "/api/tags")
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list models", resp)
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama: list models: decode response: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (p *Provider) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return p.httpClient.Do(req)
}

// ErrModelNotFound is returned when Ollama answers 404 for the configured model.
var ErrModelNotFound = errors.New("ollama: model not found")

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var apiErr struct {
		Error string `json:"error"`
	}
	text := strings.TrimSpace(string(msg))
	if json.Unmarshal(msg, &apiErr) == nil && apiErr.Error != "" {
		text = apiErr.Error
	}
	if resp.StatusCode == http.StatusNotFound && op == "chat" {
		return fmt.Errorf("%w: %s", ErrModelNotFound, text)
	}
	return fmt.Errorf("ollama: %s: unexpected status %d: %s", op, resp.StatusCode, text)
}
