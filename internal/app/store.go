package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/config"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings/badgerstore"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings/postgres"
)

// OpenSettingsStore opens the key-value store selected by cfg.Backend. The
// caller owns the store and must Close it.
func OpenSettingsStore(ctx context.Context, cfg config.SettingsConfig) (settings.Store, error) {
	var (
		store settings.Store
		err   error
	)
	switch cfg.Backend {
	case config.StoreMemory:
		store = settings.NewMemoryStore()
	case config.StoreFile, "":
		store, err = settings.OpenFileStore(cfg.Path)
	case config.StoreBadger:
		store, err = badgerstore.Open(badgerstore.Options{Dir: cfg.Path})
	case config.StorePostgres:
		store, err = postgres.Connect(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("app: unknown settings backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("app: open %s settings store: %w", cfg.Backend, err)
	}
	slog.Info("settings store opened", "backend", cfg.Backend, "path", cfg.Path)
	return store, nil
}
