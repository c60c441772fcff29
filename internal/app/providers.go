package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/config"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/resilience"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm/anyllm"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm/ollama"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm/openai"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search/tavily"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/stt"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/stt/whisper"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/tts"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/tts/fastspeech2"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/tts/marytts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by [BuildProviders] or by tests.
type Providers struct {
	LLM    llm.Provider
	STT    stt.Provider
	TTS    tts.Provider
	Search search.Provider

	// LLMFallback and TTSFallback are tried when the primary fails.
	LLMFallback llm.Provider
	TTSFallback tts.Provider
}

// BuiltinProviders maps provider kinds to the implementations that ship with
// J.A.R.V.I.S. Used for startup logging.
var BuiltinProviders = map[string][]string{
	"llm":    append([]string{"openrouter"}, anyllm.Backends...),
	"stt":    {"whisper"},
	"tts":    {"marytts", "fastspeech2"},
	"search": {"tavily"},
}

// RegisterBuiltinProviders wires all built-in provider factories into reg.
// keys resolves the Tavily key per request, so a key saved in the settings
// takes effect without a restart. A nil keys uses the configured key only.
func RegisterBuiltinProviders(reg *config.Registry, keys tavily.KeyFunc) {
	// ── LLM ───────────────────────────────────────────────────────────────
	// Ollama talks to the native /api/chat endpoint so that keep_alive and
	// the model options reach the server.
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []ollama.Option
		if e.Timeout > 0 {
			opts = append(opts, ollama.WithTimeout(e.Timeout))
		}
		if o := config.Option[map[string]any](e, "model_options", nil); o != nil {
			opts = append(opts, ollama.WithOptions(o))
		}
		if ka := config.Option(e, "keep_alive", ""); ka != "" {
			opts = append(opts, ollama.WithKeepAlive(ka))
		}
		if n := config.Option(e, "context_window", 0); n > 0 {
			opts = append(opts, ollama.WithContextWindow(n))
		}
		return ollama.New(e.BaseURL, e.Model, opts...)
	})

	// OpenRouter speaks the OpenAI chat completions protocol.
	reg.RegisterLLM("openrouter", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if e.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(e.Timeout))
		}
		referer := config.Option(e, "referer", "")
		title := config.Option(e, "title", "J.A.R.V.I.S")
		opts = append(opts, openai.WithAppInfo(referer, title))
		if n := config.Option(e, "max_retries", 0); n > 0 {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})

	// The remaining LLM backends share the same pattern: optional APIKey and
	// optional BaseURL.
	for _, name := range anyllm.Backends {
		if name == "ollama" {
			continue
		}
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(name, e.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────
	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if rms := config.Option(e, "rms_threshold", 0.0); rms > 0 {
			opts = append(opts, whisper.WithRMSThreshold(rms))
		}
		if d := optDuration(e, "silence"); d > 0 {
			opts = append(opts, whisper.WithSilence(d))
		}
		if d := optDuration(e, "max_utterance"); d > 0 {
			opts = append(opts, whisper.WithMaxUtterance(d))
		}
		if d := optDuration(e, "min_speech"); d > 0 {
			opts = append(opts, whisper.WithMinSpeech(d))
		}
		return whisper.New(e.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────
	reg.RegisterTTS("marytts", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []marytts.Option
		if e.Timeout > 0 {
			opts = append(opts, marytts.WithTimeout(e.Timeout))
		}
		if locale := config.Option(e, "locale", ""); locale != "" {
			opts = append(opts, marytts.WithLocale(locale))
		}
		if e.Model != "" {
			opts = append(opts, marytts.WithDefaultVoice(e.Model))
		}
		if rate := config.Option(e, "sample_rate", 0); rate > 0 {
			opts = append(opts, marytts.WithOutputSampleRate(rate))
		}
		if n := config.Option(e, "lookahead", 0); n > 0 {
			opts = append(opts, marytts.WithLookahead(n))
		}
		return marytts.New(e.BaseURL, opts...)
	})

	reg.RegisterTTS("fastspeech2", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []fastspeech2.Option
		if e.Timeout > 0 {
			opts = append(opts, fastspeech2.WithTimeout(e.Timeout))
		}
		if lang := config.Option(e, "language", ""); lang != "" {
			opts = append(opts, fastspeech2.WithLanguage(lang))
		}
		if e.Model != "" {
			opts = append(opts, fastspeech2.WithSpeaker(e.Model))
		}
		if rate := config.Option(e, "sample_rate", 0); rate > 0 {
			opts = append(opts, fastspeech2.WithOutputSampleRate(rate))
		}
		return fastspeech2.New(e.BaseURL, opts...)
	})

	// ── Search ────────────────────────────────────────────────────────────
	reg.RegisterSearch("tavily", func(e config.ProviderEntry) (search.Provider, error) {
		opts := []tavily.Option{tavily.WithAPIKey(e.APIKey)}
		if keys != nil {
			opts = append(opts, tavily.WithKeyFunc(keys))
		}
		if e.BaseURL != "" {
			opts = append(opts, tavily.WithBaseURL(e.BaseURL))
		}
		depth := search.Depth(config.Option(e, "search_depth", string(search.DepthBasic)))
		if !depth.IsValid() {
			return nil, fmt.Errorf("tavily: invalid search_depth %q", depth)
		}
		opts = append(opts, tavily.WithDefaults(depth, config.Option(e, "max_results", 0)))
		return tavily.New(opts...), nil
	})

	kinds := make([]string, 0, len(BuiltinProviders))
	for kind := range BuiltinProviders {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	for _, kind := range kinds {
		slog.Debug("registered providers", "kind", kind, "names", BuiltinProviders[kind])
	}
}

// SettingsKeyFunc returns a Tavily key source that prefers the key saved in
// repo. The configured key is the fallback when none is saved.
func SettingsKeyFunc(repo settings.Repository, configured string) tavily.KeyFunc {
	return func(ctx context.Context) (string, error) {
		cur, err := repo.Load(ctx)
		if err != nil {
			return "", fmt.Errorf("load settings: %w", err)
		}
		if cur.TavilyAPIKey != "" {
			return cur.TavilyAPIKey, nil
		}
		return configured, nil
	}
}

// BuildProviders instantiates all providers named in cfg using the registry
// and returns them in a [Providers] struct for the application to consume.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}
	var err error

	if ps.LLM, err = create("llm", cfg.Providers.LLM, reg.CreateLLM); err != nil {
		return nil, err
	}
	if ps.LLMFallback, err = create("llm_fallback", cfg.Providers.LLMFallback, reg.CreateLLM); err != nil {
		return nil, err
	}
	if ps.STT, err = create("stt", cfg.Providers.STT, reg.CreateSTT); err != nil {
		return nil, err
	}
	if ps.TTS, err = create("tts", cfg.Providers.TTS, reg.CreateTTS); err != nil {
		return nil, err
	}
	if ps.TTSFallback, err = create("tts_fallback", cfg.Providers.TTSFallback, reg.CreateTTS); err != nil {
		return nil, err
	}
	if ps.Search, err = create("search", cfg.Providers.Search, reg.CreateSearch); err != nil {
		return nil, err
	}
	return ps, nil
}

// create builds one provider slot. An unregistered name leaves the slot
// empty; any other factory error is fatal.
func create[T any](kind string, e config.ProviderEntry, fn func(config.ProviderEntry) (T, error)) (T, error) {
	var zero T
	if e.Name == "" {
		return zero, nil
	}
	p, err := fn(e)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("provider not registered, skipping", "kind", kind, "name", e.Name)
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("create %s provider %q: %w", kind, e.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", e.Name, "model", e.Model)
	return p, nil
}

// wrapLLM puts the configured LLM providers behind a fallback group so that
// the primary gets a circuit breaker even without a fallback.
func wrapLLM(ps *Providers, cfg *config.Config) *resilience.LLMFallback {
	if ps.LLM == nil {
		return nil
	}
	fb := resilience.NewLLMFallback(ps.LLM, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
	if ps.LLMFallback != nil {
		fb.AddFallback(cfg.Providers.LLMFallback.Name, ps.LLMFallback)
	}
	return fb
}

// wrapTTS is the TTS counterpart of wrapLLM.
func wrapTTS(ps *Providers, cfg *config.Config) *resilience.TTSFallback {
	if ps.TTS == nil {
		return nil
	}
	fb := resilience.NewTTSFallback(ps.TTS, cfg.Providers.TTS.Name, resilience.FallbackConfig{})
	if ps.TTSFallback != nil {
		fb.AddFallback(cfg.Providers.TTSFallback.Name, ps.TTSFallback)
	}
	return fb
}

// optDuration reads a duration option written as a Go duration string
// ("700ms") or as a number of milliseconds.
func optDuration(e config.ProviderEntry, key string) time.Duration {
	switch v := e.Options[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("ignoring invalid duration option", "provider", e.Name, "key", key, "value", v)
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return 0
}
