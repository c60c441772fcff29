package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/app"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/config"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
)

// cli holds the global flags and the state shared by all subcommands.
type cli struct {
	configPath string
	envFile    string
	logLevel   string

	cfg   *config.Config
	level *slog.LevelVar
	out   io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{level: new(slog.LevelVar), out: os.Stdout}

	root := &cobra.Command{
		Use:   "jarvis",
		Short: "J.A.R.V.I.S voice assistant backend",
		Long: `jarvis serves the J.A.R.V.I.S voice assistant: a chat interface over
Ollama or OpenRouter, speech recognition through a whisper server, speech
synthesis through MaryTTS or FastSpeech2, and web search through Tavily.

Without --config the built-in defaults apply, overridden by OLLAMA_HOST,
JARVIS_LLM_MODEL, MARYTTS_URL, WHISPER_URL and TAVILY_API_KEY.

Examples:
  # Run the server
  jarvis serve --config config.yaml

  # Ask a question from the terminal, with a web search first
  jarvis chat --web-search "Quel temps fait-il à Paris ?"

  # Switch the response language
  jarvis settings language en-US
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.out = cmd.OutOrStdout()
			return c.init()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "path to the YAML configuration file (default: built-in defaults)")
	pf.StringVar(&c.envFile, "env-file", ".env", "env file loaded before the configuration; missing files are ignored")
	pf.StringVar(&c.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		c.serveCmd(),
		c.chatCmd(),
		c.searchCmd(),
		c.settingsCmd(),
		c.healthCmd(),
		versionCmd(),
	)
	return root
}

// init loads the env file and the configuration and installs the logger.
func (c *cli) init() error {
	if err := config.LoadEnv(c.envFile); err != nil {
		return err
	}

	if c.configPath != "" {
		cfg, err := config.Load(c.configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", c.configPath)
			}
			return err
		}
		c.cfg = cfg
	} else {
		c.cfg = config.Default()
		if err := config.Validate(c.cfg); err != nil {
			return err
		}
	}

	if c.logLevel != "" {
		lvl := config.LogLevel(c.logLevel)
		if !lvl.IsValid() {
			return fmt.Errorf("invalid --log-level %q; valid values: debug, info, warn, error", c.logLevel)
		}
		c.cfg.Server.LogLevel = lvl
	}
	c.level.Set(c.cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(c.cfg.Server.LogFormat, c.level, os.Stderr))
	return nil
}

// newLogger builds the slog handler selected by format. The level is read on
// every record, so changing it takes effect immediately.
func newLogger(format config.LogFormat, level slog.Leveler, w io.Writer) *slog.Logger {
	switch format {
	case config.LogFormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	case config.LogFormatTint:
		return slog.New(tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.TimeOnly}))
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	}
}

// openSettings opens the configured settings store. The returned func closes it.
func (c *cli) openSettings(ctx context.Context) (*settings.KVRepository, func(), error) {
	store, err := app.OpenSettingsStore(ctx, c.cfg.Settings)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			slog.Warn("settings store close error", "err", err)
		}
	}
	return settings.NewKVRepository(store), closeStore, nil
}

// openApp builds the full application on top of the configured providers.
// The returned func shuts it down and closes the settings store.
func (c *cli) openApp(ctx context.Context, opts ...app.Option) (*app.App, func(), error) {
	repo, closeStore, err := c.openSettings(ctx)
	if err != nil {
		return nil, nil, err
	}

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg, app.SettingsKeyFunc(repo, c.cfg.Providers.Search.APIKey))

	providers, err := app.BuildProviders(c.cfg, reg)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	opts = append([]app.Option{
		app.WithSettings(repo),
		app.WithVersion(version),
		app.WithLogLevel(c.level),
	}, opts...)
	a, err := app.New(ctx, c.cfg, providers, opts...)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		closeStore()
	}
	return a, cleanup, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Skip config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "jarvis", version)
		},
	}
}
