// Package server is the assistant's HTTP surface: the JSON API used by the web
// client, the /ws/voice WebSocket that runs a conversation controller per
// connection, health probes, Prometheus metrics and the MCP endpoint.
//
//	srv := server.New(server.Config{Version: version}, deps)
//	err := srv.ListenAndServe(ctx, ":8080")
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/agent"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/chat"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/conversation"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/health"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/observe"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/resilience"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/stt"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/tts"
)

// Config holds the server parameters. Zero fields take defaults.
type Config struct {
	Version string

	// SampleRate is the rate of the PCM16 mono frames exchanged on /ws/voice.
	// Default: 16000.
	SampleRate int

	// Conversation is the controller configuration for new voice sessions.
	// Default: conversation.DefaultConfig().
	Conversation conversation.Config

	// AllowedOrigins are the WebSocket origin patterns accepted besides the
	// request host.
	AllowedOrigins []string

	// MetricsPath and MCPPath default to /metrics and /mcp.
	MetricsPath string
	MCPPath     string

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// STTName and TTSName label provider metrics of voice sessions.
	STTName string
	TTSName string
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.MCPPath == "" {
		c.MCPPath = "/mcp"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Conversation == (conversation.Config{}) {
		c.Conversation = conversation.DefaultConfig()
	}
	return c
}

// Deps are the components served. Only Chat is required; endpoints whose
// component is nil answer 503.
type Deps struct {
	Chat     *chat.Manager
	Settings agent.SettingsUpdater
	Search   search.Provider
	TTS      tts.Provider
	STT      stt.Provider
	Models   llm.ModelLister
	Agent    *agent.Dispatcher

	// MCP and MetricsHandler are mounted when non-nil.
	MCP            http.Handler
	MetricsHandler http.Handler

	Health  *health.Handler
	Metrics *observe.Metrics

	// Monitors and Fallbacks feed GET /api/status.
	Monitors  []*resilience.Monitor
	Fallbacks map[string]func() []resilience.EntryStatus
}

// Server serves the HTTP API. Create with New.
type Server struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	sessions map[*voiceSession]struct{}
	vad      conversation.VADSettings
	auto     bool
}

// New returns a Server for deps.
func New(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Agent == nil {
		deps.Agent = &agent.Dispatcher{
			Chat:     deps.Chat,
			Search:   deps.Search,
			TTS:      deps.TTS,
			Settings: deps.Settings,
			Metrics:  deps.Metrics,
		}
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[*voiceSession]struct{}),
		vad:      cfg.Conversation.VAD,
		auto:     cfg.Conversation.AutoReactivate,
	}
}

// Handler returns the root handler with tracing, metrics and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("DELETE /api/messages", s.handleClearMessages)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("PUT /api/settings/language", s.handlePutLanguage)
	mux.HandleFunc("PUT /api/settings/voice", s.handlePutVoice)
	mux.HandleFunc("PUT /api/settings/tavily-key", s.handlePutTavilyKey)

	mux.HandleFunc("POST /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/tts", s.handleTTS)
	mux.HandleFunc("GET /api/voices", s.handleVoices)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/agent", s.handleAgent)

	mux.HandleFunc("GET /ws/voice", s.handleVoice)

	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	if s.deps.MetricsHandler != nil {
		mux.Handle("GET "+s.cfg.MetricsPath, s.deps.MetricsHandler)
	}
	if s.deps.MCP != nil {
		mux.Handle(s.cfg.MCPPath, s.deps.MCP)
	}
	return observe.Middleware(s.deps.Metrics)(mux)
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully:
// voice sessions are stopped and in-flight requests get ShutdownTimeout to
// finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	useTLS := s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != ""
	if useTLS {
		hs.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", useTLS)
		var err error
		if useTLS {
			err = hs.ServeTLS(ln, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = hs.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.stopSessions()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		slog.Info("http server stopped")
		return nil
	})
	return g.Wait()
}

// UpdateConversation applies new voice trigger settings to future and live
// voice sessions.
func (s *Server) UpdateConversation(vad conversation.VADSettings, autoReactivate bool) {
	s.mu.Lock()
	s.vad = vad
	s.auto = autoReactivate
	live := make([]*voiceSession, 0, len(s.sessions))
	for vs := range s.sessions {
		live = append(live, vs)
	}
	s.mu.Unlock()

	for _, vs := range live {
		vs.ctrl.UpdateVADSettings(vad)
		vs.ctrl.SetAutoReactivate(autoReactivate)
	}
}

// VoiceSessions returns the number of open /ws/voice connections.
func (s *Server) VoiceSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) conversationConfig() conversation.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg.Conversation
	cfg.VAD = s.vad
	cfg.AutoReactivate = s.auto
	return cfg
}

func (s *Server) addSession(vs *voiceSession) {
	s.mu.Lock()
	s.sessions[vs] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeSession(vs *voiceSession) {
	s.mu.Lock()
	delete(s.sessions, vs)
	s.mu.Unlock()
}

func (s *Server) stopSessions() {
	s.mu.Lock()
	live := make([]*voiceSession, 0, len(s.sessions))
	for vs := range s.sessions {
		live = append(live, vs)
	}
	s.mu.Unlock()
	for _, vs := range live {
		vs.close()
	}
}
