// Package app wires all J.A.R.V.I.S subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the background loops, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithSettings,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/agent"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/chat"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/config"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/conversation"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/health"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/mcp"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/observe"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/resilience"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/server"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/tts"
)

// ErrNoLLM is returned by New when no LLM provider is configured.
var ErrNoLLM = errors.New("app: an llm provider is required")

// App owns all subsystem lifetimes of the assistant.
type App struct {
	cfg       *config.Config
	providers *Providers

	version        string
	level          *slog.LevelVar
	configPath     string
	watchOpts      []config.WatcherOption
	metricsHandler http.Handler

	// Subsystems: initialised in New, torn down in Shutdown.
	repo       *settings.KVRepository
	metrics    *observe.Metrics
	llm        *resilience.LLMFallback
	tts        *resilience.TTSFallback
	monitors   []*resilience.Monitor
	chat       *chat.Manager
	dispatcher *agent.Dispatcher
	mcp        *mcp.Server
	health     *health.Handler
	server     *server.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSettings injects the settings repository instead of opening the store
// named by the config. The caller keeps ownership of the underlying store.
func WithSettings(repo *settings.KVRepository) Option {
	return func(a *App) { a.repo = repo }
}

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets the version reported by /api/status and the MCP server.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithLogLevel hands the App the level of the default logger so that config
// reloads can change it.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigWatch makes Run poll the config file at path and apply the
// hot-reloadable changes.
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.watchOpts = opts
	}
}

// WithMetricsHandler replaces the /metrics handler. Default: promhttp.Handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from [BuildProviders] (or a test). New performs all initialisation
// synchronously; nothing talks to the network until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.providers.LLM == nil {
		return nil, ErrNoLLM
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Settings ──────────────────────────────────────────────────────
	if err := a.initSettings(ctx); err != nil {
		return nil, fmt.Errorf("app: init settings: %w", err)
	}

	// ── 2. Fallbacks + backend monitors ──────────────────────────────────
	a.initResilience()

	// ── 3. Chat ──────────────────────────────────────────────────────────
	a.initChat()

	// ── 4. Agent dispatcher + MCP ────────────────────────────────────────
	a.dispatcher = &agent.Dispatcher{
		Chat:     a.chat,
		Search:   a.providers.Search,
		TTS:      a.ttsProvider(),
		Settings: a.repo,
		Metrics:  a.metrics,
	}
	if cfg.MCP.Enabled {
		a.mcp = mcp.NewServer(a.dispatcher, a.version)
	}

	// ── 5. Health ────────────────────────────────────────────────────────
	a.initHealth()

	// ── 6. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSettings opens the configured store unless a repository was injected.
func (a *App) initSettings(ctx context.Context) error {
	if a.repo != nil {
		return nil
	}
	store, err := OpenSettingsStore(ctx, a.cfg.Settings)
	if err != nil {
		return err
	}
	a.repo = settings.NewKVRepository(store)
	a.closers = append(a.closers, store.Close)
	return nil
}

// initResilience wraps the LLM and TTS providers in fallback groups and
// starts a monitor for every primary backend that can be pinged. A monitor
// resets the primary's breaker when the backend comes back.
func (a *App) initResilience() {
	a.llm = wrapLLM(a.providers, a.cfg)
	if p, ok := a.providers.LLM.(llm.Pinger); ok {
		name := a.cfg.Providers.LLM.Name
		a.monitors = append(a.monitors, resilience.NewMonitor(resilience.MonitorConfig{
			Name:     name,
			Probe:    p.Ping,
			Breaker:  a.llm.Breaker(name),
			OnChange: logBackendChange(name),
		}))
	}

	a.tts = wrapTTS(a.providers, a.cfg)
	if a.tts == nil {
		return
	}
	if p, ok := a.providers.TTS.(tts.Pinger); ok {
		name := a.cfg.Providers.TTS.Name
		a.monitors = append(a.monitors, resilience.NewMonitor(resilience.MonitorConfig{
			Name:     name,
			Probe:    p.Ping,
			Breaker:  a.tts.Breaker(name),
			OnChange: logBackendChange(name),
		}))
	}
}

func logBackendChange(name string) func(bool) {
	return func(online bool) {
		if online {
			slog.Info("backend online", "backend", name)
			return
		}
		slog.Warn("backend offline", "backend", name)
	}
}

func (a *App) initChat() {
	gen := &chat.LLMGenerator{
		Provider:    a.llm,
		Name:        a.cfg.Providers.LLM.Name,
		Temperature: a.cfg.Chat.Temperature,
		MaxTokens:   a.cfg.Chat.MaxTokens,
		Metrics:     a.metrics,
	}
	opts := []chat.Option{
		chat.WithSettings(a.repo),
		chat.WithHistoryLimit(a.cfg.Chat.HistoryLimit),
		chat.WithMetrics(a.metrics),
	}
	if a.cfg.Chat.SystemPrompt != "" {
		opts = append(opts, chat.WithSystemPrompt(a.cfg.Chat.SystemPrompt))
	}
	if a.providers.Search != nil {
		opts = append(opts, chat.WithSearch(a.providers.Search))
	}
	a.chat = chat.New(gen, opts...)
}

// initHealth registers the readiness checks. The LLM, TTS and settings store
// are critical; the recognizer only degrades readiness.
func (a *App) initHealth() {
	checkers := []health.Checker{
		{Name: "llm", Check: a.llm.Ping},
		{Name: "settings", Check: func(ctx context.Context) error {
			_, err := a.repo.Load(ctx)
			return err
		}},
	}
	if a.tts != nil {
		checkers = append(checkers, health.Checker{Name: "tts", Check: a.tts.Ping})
	}
	if a.providers.STT != nil && a.cfg.Providers.STT.BaseURL != "" {
		checkers = append(checkers, health.Checker{
			Name:     "stt",
			Check:    health.HTTPCheck(nil, a.cfg.Providers.STT.BaseURL),
			Optional: true,
		})
	}
	a.health = health.New(checkers...)
}

func (a *App) initServer() {
	cfg := server.Config{
		Version:         a.version,
		SampleRate:      a.cfg.Conversation.SampleRate,
		Conversation:    conversationConfig(a.cfg.Conversation),
		AllowedOrigins:  a.cfg.Server.AllowedOrigins,
		MetricsPath:     a.cfg.Telemetry.MetricsPath,
		MCPPath:         a.cfg.MCP.Path,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		STTName:         a.cfg.Providers.STT.Name,
		TTSName:         a.cfg.Providers.TTS.Name,
	}
	if tls := a.cfg.Server.TLS; tls != nil {
		cfg.TLSCertFile = tls.CertFile
		cfg.TLSKeyFile = tls.KeyFile
	}

	deps := server.Deps{
		Chat:           a.chat,
		Settings:       a.repo,
		Search:         a.providers.Search,
		TTS:            a.ttsProvider(),
		STT:            a.providers.STT,
		Models:         a.llm,
		Agent:          a.dispatcher,
		MetricsHandler: a.metricsHandler,
		Health:         a.health,
		Metrics:        a.metrics,
		Monitors:       a.monitors,
		Fallbacks:      map[string]func() []resilience.EntryStatus{"llm": a.llm.Status},
	}
	if a.tts != nil {
		deps.Fallbacks["tts"] = a.tts.Status
	}
	if a.mcp != nil {
		deps.MCP = a.mcp.Handler()
	}
	a.server = server.New(cfg, deps)
}

// ttsProvider returns the TTS fallback group as an interface value, nil when
// no TTS provider is configured.
func (a *App) ttsProvider() tts.Provider {
	if a.tts == nil {
		return nil
	}
	return a.tts
}

// conversationConfig maps the config section onto the controller defaults.
// Zero values keep the default; a nil sensitivity does too.
func conversationConfig(c config.ConversationConfig) conversation.Config {
	cc := conversation.DefaultConfig()
	if c.Sensitivity != nil {
		cc.VAD.Sensitivity = *c.Sensitivity
	}
	if c.SustainFrames > 0 {
		cc.SustainFrames = c.SustainFrames
	}
	if c.ListenTimeout > 0 {
		cc.ListenTimeout = c.ListenTimeout
	}
	if c.MaxNoSpeech > 0 {
		cc.MaxNoSpeech = c.MaxNoSpeech
	}
	cc.AutoReactivate = c.AutoReactivateEnabled()
	return cc
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Chat returns the chat turn manager.
func (a *App) Chat() *chat.Manager { return a.chat }

// Settings returns the settings repository.
func (a *App) Settings() *settings.KVRepository { return a.repo }

// Dispatcher returns the agent request dispatcher.
func (a *App) Dispatcher() *agent.Dispatcher { return a.dispatcher }

// Health returns the readiness checks.
func (a *App) Health() *health.Handler { return a.health }

// Handler returns the HTTP handler without starting a listener.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and runs the backend monitors
// and the config watcher until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.ListenAndServe(ctx, a.cfg.Server.ListenAddr)
	})
	for _, m := range a.monitors {
		g.Go(func() error { return m.Run(ctx) })
	}
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.reload, a.watchOpts...)
		if err != nil {
			slog.Warn("config hot-reload disabled", "path", a.configPath, "err", err)
		} else {
			g.Go(func() error { return w.Run(ctx) })
		}
	}

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"monitors", len(a.monitors),
		"mcp", a.mcp != nil,
	)
	return g.Wait()
}

// reload applies the hot-reloadable part of a config change.
func (a *App) reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ConversationChanged {
		cc := conversationConfig(new.Conversation)
		a.server.UpdateConversation(cc.VAD, cc.AutoReactivate)
		slog.Info("conversation settings changed",
			"sensitivity", cc.VAD.Sensitivity,
			"auto_reactivate", cc.AutoReactivate,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to apply", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown runs the closers in order. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
