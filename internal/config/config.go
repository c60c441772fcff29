// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for the J.A.R.V.I.S backend.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	// LogFormatText is slog's key=value handler.
	LogFormatText LogFormat = "text"
	// LogFormatJSON is slog's JSON handler.
	LogFormatJSON LogFormat = "json"
	// LogFormatTint is a coloured console handler.
	LogFormatTint LogFormat = "tint"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON || f == LogFormatTint
}

// StoreBackend selects where user settings are persisted.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreFile     StoreBackend = "file"
	StoreBadger   StoreBackend = "badger"
	StorePostgres StoreBackend = "postgres"
)

// IsValid reports whether b is a recognised settings backend.
func (b StoreBackend) IsValid() bool {
	switch b {
	case StoreMemory, StoreFile, StoreBadger, StorePostgres:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Settings     SettingsConfig     `yaml:"settings"`
	Conversation ConversationConfig `yaml:"conversation"`
	Chat         ChatConfig         `yaml:"chat"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	MCP          MCPConfig          `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins lists the origins accepted on the voice WebSocket in
	// addition to the server's own host. "*" accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation backs each stage.
// Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallback, when named, takes over while LLM's circuit is open.
	LLMFallback ProviderEntry `yaml:"llm_fallback"`

	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`

	// TTSFallback, when named, synthesises while TTS's circuit is open.
	TTSFallback ProviderEntry `yaml:"tts_fallback"`

	Search ProviderEntry `yaml:"search"`
}

// ProviderEntry is the configuration block shared by all provider kinds. Name
// is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "ollama", "marytts").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model or voice within the provider.
	Model string `yaml:"model"`

	// Timeout bounds a single request. Zero uses the provider default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// Option returns Options[key] as T, or def when absent or of another type.
func Option[T any](e ProviderEntry, key string, def T) T {
	if v, ok := e.Options[key].(T); ok {
		return v
	}
	return def
}

// SettingsConfig selects the user settings store.
type SettingsConfig struct {
	Backend StoreBackend `yaml:"backend"`

	// Path is the JSON file (file backend) or directory (badger backend).
	Path string `yaml:"path"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ConversationConfig tunes the voice loop. Sensitivity and AutoReactivate can
// be hot-reloaded.
type ConversationConfig struct {
	// Sensitivity is the loudness in [0,1] that counts as speech. Nil keeps
	// the controller default; 0 is a valid threshold.
	Sensitivity *float64 `yaml:"sensitivity"`

	// SustainFrames is how many consecutive loud frames start listening.
	SustainFrames int `yaml:"sustain_frames"`

	ListenTimeout time.Duration `yaml:"listen_timeout"`
	MaxNoSpeech   int           `yaml:"max_no_speech"`

	// AutoReactivate re-arms the voice trigger after each turn. Nil means on.
	AutoReactivate *bool `yaml:"auto_reactivate"`

	// SampleRate of the PCM the browser streams.
	SampleRate int `yaml:"sample_rate"`
}

// AutoReactivateEnabled resolves the AutoReactivate default.
func (c ConversationConfig) AutoReactivateEnabled() bool {
	return c.AutoReactivate == nil || *c.AutoReactivate
}

// ChatConfig tunes text generation.
type ChatConfig struct {
	// SystemPrompt replaces the built-in persona when set.
	SystemPrompt string  `yaml:"system_prompt"`
	HistoryLimit int     `yaml:"history_limit"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where Prometheus metrics are served. Empty disables it.
	MetricsPath string `yaml:"metrics_path"`
}

// MCPConfig configures the Model Context Protocol endpoint.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultSampleRate      = 16000
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMetricsPath     = "/metrics"
	DefaultMCPPath         = "/mcp"
	DefaultHistoryLimit    = 20
	DefaultTemperature     = 0.7

	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "llama3.2"
	DefaultMaryTTSURL  = "http://localhost:59125"
	DefaultWhisperURL  = "http://localhost:9000"
)

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	defName(&cfg.Providers.LLM, "ollama")
	defName(&cfg.Providers.STT, "whisper")
	defName(&cfg.Providers.TTS, "marytts")
	defName(&cfg.Providers.Search, "tavily")
	if p := &cfg.Providers.LLM; p.Name == "ollama" {
		defString(&p.BaseURL, DefaultOllamaURL)
		defString(&p.Model, DefaultOllamaModel)
	}
	if p := &cfg.Providers.TTS; p.Name == "marytts" {
		defString(&p.BaseURL, DefaultMaryTTSURL)
	}
	if p := &cfg.Providers.STT; p.Name == "whisper" {
		defString(&p.BaseURL, DefaultWhisperURL)
	}
	if cfg.Settings.Backend == "" {
		cfg.Settings.Backend = StoreFile
	}
	if cfg.Settings.Path == "" {
		switch cfg.Settings.Backend {
		case StoreFile:
			cfg.Settings.Path = "jarvis-settings.json"
		case StoreBadger:
			cfg.Settings.Path = "jarvis-settings.db"
		}
	}
	if cfg.Conversation.SampleRate <= 0 {
		cfg.Conversation.SampleRate = DefaultSampleRate
	}
	if cfg.Chat.HistoryLimit <= 0 {
		cfg.Chat.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Chat.Temperature == 0 {
		cfg.Chat.Temperature = DefaultTemperature
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "jarvis"
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
	if cfg.MCP.Path == "" {
		cfg.MCP.Path = DefaultMCPPath
	}
}

func defName(e *ProviderEntry, name string) {
	defString(&e.Name, name)
}

func defString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}
