package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":    {"ollama", "openrouter", "openai", "anthropic", "gemini", "mistral", "groq", "deepseek", "llamacpp"},
	"stt":    {"whisper"},
	"tts":    {"marytts", "fastspeech2"},
	"search": {"tavily"},
}

// LoadEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing files
// are skipped.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			slog.Debug("config: env file not found, skipping", "path", p)
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references, decodes the YAML in r, applies
// defaults and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	expanded := os.Expand(string(raw), expandVar)
	if strings.TrimSpace(expanded) != "" {
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	FromEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given: defaults plus
// the environment variables read by [FromEnv].
func Default() *Config {
	cfg := &Config{}
	FromEnv(cfg)
	ApplyDefaults(cfg)
	return cfg
}

// FromEnv fills unset provider endpoints and keys from OLLAMA_HOST,
// JARVIS_LLM_MODEL, MARYTTS_URL, WHISPER_URL and TAVILY_API_KEY.
func FromEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	set(&cfg.Providers.LLM.BaseURL, "OLLAMA_HOST")
	set(&cfg.Providers.LLM.Model, "JARVIS_LLM_MODEL")
	set(&cfg.Providers.TTS.BaseURL, "MARYTTS_URL")
	set(&cfg.Providers.STT.BaseURL, "WHISPER_URL")
	set(&cfg.Providers.Search.APIKey, "TAVILY_API_KEY")
}

// expandVar resolves ${VAR} and ${VAR:-default}. A literal "$" is written "$$".
func expandVar(key string) string {
	if key == "$" {
		return "$"
	}
	name, def, hasDef := strings.Cut(key, ":-")
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	if hasDef {
		return def
	}
	return ""
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json, tint", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.LLMFallback.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("tts", cfg.Providers.TTSFallback.Name)
	validateProviderName("search", cfg.Providers.Search.Name)

	if fb, p := cfg.Providers.LLMFallback, cfg.Providers.LLM; fb.Name != "" && fb.Name == p.Name && fb.BaseURL == p.BaseURL && fb.Model == p.Model {
		slog.Warn("providers.llm_fallback is identical to providers.llm; fallback has no effect")
	}
	if cfg.Providers.STT.Name == "" || cfg.Providers.TTS.Name == "" {
		slog.Warn("no STT or TTS provider configured; the voice endpoint will be unavailable")
	}
	for kind, e := range map[string]ProviderEntry{
		"llm": cfg.Providers.LLM, "llm_fallback": cfg.Providers.LLMFallback,
		"stt": cfg.Providers.STT, "tts": cfg.Providers.TTS, "tts_fallback": cfg.Providers.TTSFallback,
		"search": cfg.Providers.Search,
	} {
		if e.Timeout < 0 {
			errs = append(errs, fmt.Errorf("providers.%s.timeout must not be negative", kind))
		}
	}

	// Settings
	if cfg.Settings.Backend != "" && !cfg.Settings.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("settings.backend %q is invalid; valid values: memory, file, badger, postgres", cfg.Settings.Backend))
	}
	if (cfg.Settings.Backend == StoreFile || cfg.Settings.Backend == StoreBadger) && cfg.Settings.Path == "" {
		errs = append(errs, fmt.Errorf("settings.path is required for the %s backend", cfg.Settings.Backend))
	}
	if cfg.Settings.Backend == StorePostgres && cfg.Settings.PostgresDSN == "" {
		errs = append(errs, errors.New("settings.postgres_dsn is required for the postgres backend"))
	}

	// Conversation
	c := cfg.Conversation
	if s := c.Sensitivity; s != nil && (*s < 0 || *s > 1) {
		errs = append(errs, fmt.Errorf("conversation.sensitivity %.2f is out of range [0, 1]", *s))
	}
	if c.SustainFrames < 0 {
		errs = append(errs, errors.New("conversation.sustain_frames must not be negative"))
	}
	if c.ListenTimeout < 0 {
		errs = append(errs, errors.New("conversation.listen_timeout must not be negative"))
	}
	if c.MaxNoSpeech < 0 {
		errs = append(errs, errors.New("conversation.max_no_speech must not be negative"))
	}
	if c.SampleRate != 0 && (c.SampleRate < 8000 || c.SampleRate > 48000) {
		errs = append(errs, fmt.Errorf("conversation.sample_rate %d is out of range [8000, 48000]", c.SampleRate))
	}

	// Chat
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}
	if cfg.Chat.MaxTokens < 0 {
		errs = append(errs, errors.New("chat.max_tokens must not be negative"))
	}

	// Paths
	for name, p := range map[string]string{"telemetry.metrics_path": cfg.Telemetry.MetricsPath, "mcp.path": cfg.MCP.Path} {
		if p != "" && !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("%s %q must start with /", name, p))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
