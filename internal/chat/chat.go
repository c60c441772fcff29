// Package chat manages the ordered chat history between the user and the
// assistant and runs one generation turn per user message.
//
// A turn appends the user message and a pending assistant placeholder, streams
// partial text into the placeholder, and finalises it. On failure the
// placeholder carries the error text instead; the user message is always kept.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/observe"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// ErrEmptyMessage is returned by Send for blank input.
var ErrEmptyMessage = errors.New("chat: message is empty")

// ErrCleared is returned by Send when Clear discarded the turn mid-flight.
var ErrCleared = errors.New("chat: history cleared during generation")

// Message is one entry of the chat history.
type Message struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	Role    types.Role `json:"role"`
	// Pending is true while the assistant is still generating this message.
	Pending bool `json:"pending"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithSettings supplies the repository the response language is read from.
func WithSettings(repo settings.Repository) Option {
	return func(m *Manager) { m.settings = repo }
}

// WithSearch supplies the backend used by WithWebSearch sends.
func WithSearch(p search.Provider) Option {
	return func(m *Manager) { m.search = p }
}

// WithSystemPrompt replaces the base persona prompt.
func WithSystemPrompt(prompt string) Option {
	return func(m *Manager) { m.systemPrompt = prompt }
}

// WithHistoryLimit caps how many prior messages are sent to the model.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) { m.historyLimit = n }
}

// WithMetrics records turn counts on met.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// SendOption configures one Send call.
type SendOption func(*sendConfig)

type sendConfig struct {
	webSearch bool
	source    string
	onUpdate  func(Message)
}

// WithWebSearch runs a web search on the message first and hands the results
// to the model as context.
func WithWebSearch() SendOption {
	return func(c *sendConfig) { c.webSearch = true }
}

// WithSource labels the turn for metrics ("text" or "voice").
func WithSource(source string) SendOption {
	return func(c *sendConfig) { c.source = source }
}

// OnUpdate registers fn to receive a snapshot of the user message and of every
// placeholder change, in order, from the calling goroutine.
func OnUpdate(fn func(Message)) SendOption {
	return func(c *sendConfig) { c.onUpdate = fn }
}

// Manager owns the chat history. It is safe for concurrent use. It does not
// serialise turns; callers that want one turn at a time check Generating.
type Manager struct {
	gen          Generator
	settings     settings.Repository
	search       search.Provider
	systemPrompt string
	historyLimit int
	metrics      *observe.Metrics

	mu       sync.Mutex
	messages []Message
	inflight int
	// epoch is bumped by Clear; turns started in an older epoch stop
	// touching the history.
	epoch uint64
}

// New returns a Manager generating replies with gen.
func New(gen Generator, opts ...Option) *Manager {
	m := &Manager{
		gen:          gen,
		systemPrompt: DefaultSystemPrompt,
		historyLimit: 20,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Messages returns a copy of the history.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Generating reports whether a turn is in flight.
func (m *Manager) Generating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight > 0
}

// Clear empties the history. Turns in flight finish without writing back.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.epoch++
}

// Send runs one turn for text and returns the final assistant message. On a
// generation error the returned message holds the error text and the error is
// returned as well.
func (m *Manager) Send(ctx context.Context, text string, opts ...SendOption) (_ Message, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	cfg := sendConfig{source: "text"}
	for _, o := range opts {
		o(&cfg)
	}
	ctx, span := observe.StartSpan(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("chat.source", cfg.source),
		attribute.Bool("chat.web_search", cfg.webSearch),
	))
	defer func() { observe.EndSpan(span, err) }()
	notify := func(msg Message) {
		if cfg.onUpdate != nil {
			cfg.onUpdate(msg)
		}
	}

	user := Message{ID: uuid.NewString(), Role: types.RoleUser, Content: text}
	reply := Message{ID: uuid.NewString(), Role: types.RoleAssistant, Pending: true}

	m.mu.Lock()
	history := m.historyLocked()
	m.messages = append(m.messages, user, reply)
	epoch := m.epoch
	m.inflight++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	notify(user)
	notify(reply)

	var req Request
	req, err = m.buildRequest(ctx, history, text, cfg.webSearch)
	if err == nil {
		var final string
		final, err = m.gen.Generate(ctx, req, func(partial string) {
			if snap, ok := m.update(epoch, reply.ID, partial, true); ok {
				notify(snap)
			}
		})
		reply.Content = final
	}

	status := "ok"
	if err != nil {
		status = "error"
		reply.Content = errorText(err)
		slog.Warn("chat: generation failed", "err", err, "source", cfg.source)
	}
	if m.metrics != nil {
		m.metrics.RecordChatTurn(ctx, cfg.source, status)
	}

	snap, ok := m.update(epoch, reply.ID, reply.Content, false)
	if !ok {
		return Message{ID: reply.ID, Role: types.RoleAssistant, Content: reply.Content}, ErrCleared
	}
	notify(snap)
	return snap, err
}

// Respond runs a voice turn and returns the reply text.
func (m *Manager) Respond(ctx context.Context, transcript string) (string, error) {
	msg, err := m.Send(ctx, transcript, WithSource("voice"))
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// RespondStream is Respond with the cumulative reply text reported to
// onPartial while it is generated.
func (m *Manager) RespondStream(ctx context.Context, transcript string, onPartial func(text string)) (string, error) {
	msg, err := m.Send(ctx, transcript, WithSource("voice"), OnUpdate(func(u Message) {
		if u.Role == types.RoleAssistant && u.Pending && u.Content != "" && onPartial != nil {
			onPartial(u.Content)
		}
	}))
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// update sets the content of message id if the history has not been cleared
// since epoch.
func (m *Manager) update(epoch uint64, id, content string, pending bool) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return Message{}, false
	}
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].ID == id {
			m.messages[i].Content = content
			m.messages[i].Pending = pending
			return m.messages[i], true
		}
	}
	return Message{}, false
}

// historyLocked returns the completed messages sent as model context. Must be
// called with mu held.
func (m *Manager) historyLocked() []types.Message {
	var out []types.Message
	for _, msg := range m.messages {
		if msg.Pending || msg.Content == "" {
			continue
		}
		out = append(out, types.Message{Role: msg.Role, Content: msg.Content})
	}
	if m.historyLimit > 0 && len(out) > m.historyLimit {
		out = out[len(out)-m.historyLimit:]
	}
	return out
}

func (m *Manager) buildRequest(ctx context.Context, history []types.Message, text string, webSearch bool) (Request, error) {
	lang := settings.DefaultLanguage
	if m.settings != nil {
		s, err := m.settings.Load(ctx)
		if err != nil {
			slog.Warn("chat: load settings failed, using default language", "err", err)
		} else {
			lang = s.Language
		}
	}

	var searchContext string
	if webSearch {
		if m.search == nil {
			return Request{}, fmt.Errorf("chat: web search requested: %w", search.ErrNotConfigured)
		}
		start := time.Now()
		resp, err := m.search.Search(ctx, search.Query{Text: text})
		if m.metrics != nil {
			m.metrics.ObserveProvider(ctx, "tavily", observe.KindSearch, start, err)
		}
		if err != nil {
			return Request{}, fmt.Errorf("chat: web search: %w", err)
		}
		searchContext = search.FormatContext(resp, 600)
	}

	msgs := append(history, types.Message{Role: types.RoleUser, Content: text})
	return Request{
		SystemPrompt: SystemPrompt(m.systemPrompt, lang, searchContext),
		Messages:     msgs,
	}, nil
}

// errorText is the content shown in place of a failed reply.
func errorText(err error) string {
	switch {
	case errors.Is(err, search.ErrNotConfigured):
		return "Error: web search is not configured. Add a Tavily API key in the settings."
	case errors.Is(err, context.Canceled):
		return "Error: generation cancelled."
	default:
		return "Error: " + err.Error()
	}
}
