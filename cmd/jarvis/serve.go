package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/app"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/config"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/observe"
)

func (c *cli) serveCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload log level and voice settings when the config file changes")
	return cmd
}

func (c *cli) serve(parent context.Context, watch bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("jarvis starting",
		"version", version,
		"config", c.configPath,
		"listen_addr", c.cfg.Server.ListenAddr,
		"log_level", c.cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    c.cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	opts := []app.Option{app.WithMetricsHandler(tel.MetricsHandler)}
	if watch && c.configPath != "" {
		opts = append(opts, app.WithConfigWatch(c.configPath))
	}
	a, cleanup, err := c.openApp(ctx, opts...)
	if err != nil {
		return err
	}
	defer cleanup()

	printStartupSummary(c.out, c.cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	slog.Info("shutdown signal received, stopping")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║      J.A.R.V.I.S · startup summary    ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "LLM", cfg.Providers.LLM)
	printProvider(w, "LLM fallback", cfg.Providers.LLMFallback)
	printProvider(w, "STT", cfg.Providers.STT)
	printProvider(w, "TTS", cfg.Providers.TTS)
	printProvider(w, "TTS fallback", cfg.Providers.TTSFallback)
	printProvider(w, "Search", cfg.Providers.Search)
	printRow(w, "Settings", string(cfg.Settings.Backend))
	if cfg.MCP.Enabled {
		printRow(w, "MCP", cfg.MCP.Path)
	} else {
		printRow(w, "MCP", "(disabled)")
	}
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind string, e config.ProviderEntry) {
	value := e.Name
	if value == "" {
		value = "(not configured)"
	} else if e.Model != "" {
		value = e.Name + " / " + e.Model
	}
	printRow(w, kind, value)
}

func printRow(w io.Writer, label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", label, value)
}
