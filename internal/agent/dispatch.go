package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/chat"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/observe"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/audio"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/tts"
)

var (
	// ErrBusy is returned for a chat request while another generation runs.
	ErrBusy = errors.New("agent: a reply is already being generated")

	// ErrUnavailable is returned when the backend a request needs is not
	// configured.
	ErrUnavailable = errors.New("agent: backend not configured")
)

// Chatter is the part of chat.Manager the dispatcher needs.
type Chatter interface {
	Send(ctx context.Context, text string, opts ...chat.SendOption) (chat.Message, error)
	Generating() bool
}

// SettingsUpdater is a settings repository with atomic read-modify-write.
type SettingsUpdater interface {
	settings.Repository
	Update(ctx context.Context, fn func(*settings.Settings) error) (settings.Settings, error)
}

// Result is the typed outcome of a request.
type Result interface {
	Kind() Kind
}

// ChatResult holds the final assistant message.
type ChatResult struct {
	Message chat.Message `json:"message"`
}

// SearchResult holds the search response.
type SearchResult struct {
	Response *search.Response `json:"response"`
}

// SpeakResult holds the synthesised speech as a WAV file.
type SpeakResult struct {
	WAV      []byte        `json:"wav"`
	Duration time.Duration `json:"duration"`
}

// SettingsResult holds the settings with the API key redacted.
type SettingsResult struct {
	Settings settings.Settings `json:"settings"`
	kind     Kind
}

func (ChatResult) Kind() Kind   { return KindChat }
func (SearchResult) Kind() Kind { return KindSearch }
func (SpeakResult) Kind() Kind  { return KindSpeak }

// Kind is the request that produced the result.
func (r SettingsResult) Kind() Kind { return r.kind }

// Dispatcher executes requests against the assistant's components. Nil
// components make the requests that need them fail with ErrUnavailable.
type Dispatcher struct {
	Chat     Chatter
	Search   search.Provider
	TTS      tts.Provider
	Settings SettingsUpdater
	Metrics  *observe.Metrics
}

// Dispatch validates and executes req.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (res Result, err error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidRequest, req.Kind(), err)
	}
	ctx, span := observe.StartSpan(ctx, "agent."+string(req.Kind()))
	defer func() { observe.EndSpan(span, err) }()
	if d.Metrics != nil {
		defer func() {
			status := "ok"
			if err != nil {
				status = "error"
			}
			d.Metrics.RecordToolCall(ctx, string(req.Kind()), status)
		}()
	}

	switch r := req.(type) {
	case ChatRequest:
		return d.chat(ctx, r)
	case SearchRequest:
		return d.search(ctx, r)
	case SpeakRequest:
		return d.speak(ctx, r)
	case GetSettingsRequest:
		return d.getSettings(ctx)
	case SetLanguageRequest:
		return d.update(ctx, KindSetLanguage, func(s *settings.Settings) error {
			s.Language = r.Language
			return nil
		})
	case SetVoiceRequest:
		return d.update(ctx, KindSetVoice, func(s *settings.Settings) error {
			s.Voice = r.Voice
			return nil
		})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, req)
	}
}

func (d *Dispatcher) chat(ctx context.Context, r ChatRequest) (Result, error) {
	if d.Chat == nil {
		return nil, fmt.Errorf("%w: chat", ErrUnavailable)
	}
	if d.Chat.Generating() {
		return nil, ErrBusy
	}
	var opts []chat.SendOption
	if r.WebSearch {
		opts = append(opts, chat.WithWebSearch())
	}
	msg, err := d.Chat.Send(ctx, r.Message, append(opts, chat.WithSource("agent"))...)
	if err != nil {
		return nil, fmt.Errorf("agent: chat: %w", err)
	}
	return ChatResult{Message: msg}, nil
}

func (d *Dispatcher) search(ctx context.Context, r SearchRequest) (Result, error) {
	if d.Search == nil {
		return nil, fmt.Errorf("%w: search", ErrUnavailable)
	}
	resp, err := d.Search.Search(ctx, r.SearchQuery())
	if err != nil {
		return nil, fmt.Errorf("agent: search: %w", err)
	}
	return SearchResult{Response: resp}, nil
}

func (d *Dispatcher) speak(ctx context.Context, r SpeakRequest) (Result, error) {
	if d.TTS == nil {
		return nil, fmt.Errorf("%w: tts", ErrUnavailable)
	}
	s := settings.Defaults()
	if d.Settings != nil {
		loaded, err := d.Settings.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("agent: speak: load settings: %w", err)
		}
		s = loaded
	}
	pcm, err := tts.Speak(ctx, d.TTS, r.Text, s.Voice.Profile(s.Language))
	if err != nil {
		return nil, fmt.Errorf("agent: speak: %w", err)
	}
	f := d.TTS.OutputFormat()
	wav, err := audio.EncodeWAV(pcm, f)
	if err != nil {
		return nil, fmt.Errorf("agent: speak: %w", err)
	}
	return SpeakResult{WAV: wav, Duration: f.Duration(len(pcm))}, nil
}

func (d *Dispatcher) getSettings(ctx context.Context) (Result, error) {
	if d.Settings == nil {
		return nil, fmt.Errorf("%w: settings", ErrUnavailable)
	}
	s, err := d.Settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent: get settings: %w", err)
	}
	return SettingsResult{Settings: s.Redacted(), kind: KindGetSettings}, nil
}

func (d *Dispatcher) update(ctx context.Context, kind Kind, fn func(*settings.Settings) error) (Result, error) {
	if d.Settings == nil {
		return nil, fmt.Errorf("%w: settings", ErrUnavailable)
	}
	s, err := d.Settings.Update(ctx, fn)
	if err != nil {
		return nil, fmt.Errorf("agent: %s: %w", kind, err)
	}
	return SettingsResult{Settings: s.Redacted(), kind: kind}, nil
}
