package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// KVRepository is a Repository over a Store.
type KVRepository struct {
	store Store

	// mu serialises Update so concurrent read-modify-write cycles do not
	// lose changes.
	mu sync.Mutex
}

var _ Repository = (*KVRepository)(nil)

// NewKVRepository returns a repository persisting to store.
func NewKVRepository(store Store) *KVRepository {
	return &KVRepository{store: store}
}

// Store returns the underlying store.
func (r *KVRepository) Store() Store { return r.store }

// Load reads all records. Absent records take their default; a voice record
// that cannot be decoded is logged and replaced by the default voice. Fields
// missing from a stored voice record keep their default value.
func (r *KVRepository) Load(ctx context.Context) (Settings, error) {
	s := Defaults()

	raw, err := r.get(ctx, KeyVoice)
	if err != nil {
		return Settings{}, err
	}
	if raw != nil {
		v := DefaultVoice()
		if err := json.Unmarshal(raw, &v); err != nil {
			slog.Warn("settings: stored voice settings are not valid JSON, using defaults", "err", err)
		} else if err := v.Validate(); err != nil {
			slog.Warn("settings: stored voice settings out of range, using defaults", "err", err)
		} else {
			s.Voice = v
		}
	}

	raw, err = r.get(ctx, KeyLanguage)
	if err != nil {
		return Settings{}, err
	}
	if lang := string(raw); lang != "" {
		s.Language = lang
	}

	raw, err = r.get(ctx, KeyTavilyAPIKey)
	if err != nil {
		return Settings{}, err
	}
	s.TavilyAPIKey = string(raw)
	return s, nil
}

func (r *KVRepository) get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: get %s: %w", key, err)
	}
	return v, nil
}

// Save validates s and writes every record. An empty API key removes the record.
func (r *KVRepository) Save(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	voice, err := json.Marshal(s.Voice)
	if err != nil {
		return fmt.Errorf("settings: marshal voice: %w", err)
	}
	if err := r.store.Set(ctx, KeyVoice, voice); err != nil {
		return fmt.Errorf("settings: set %s: %w", KeyVoice, err)
	}
	if err := r.store.Set(ctx, KeyLanguage, []byte(s.Language)); err != nil {
		return fmt.Errorf("settings: set %s: %w", KeyLanguage, err)
	}
	if s.TavilyAPIKey == "" {
		err = r.store.Delete(ctx, KeyTavilyAPIKey)
	} else {
		err = r.store.Set(ctx, KeyTavilyAPIKey, []byte(s.TavilyAPIKey))
	}
	if err != nil {
		return fmt.Errorf("settings: write %s: %w", KeyTavilyAPIKey, err)
	}
	return nil
}

// Update loads the settings, applies fn and saves the result. Nothing is
// written when fn returns an error or the result does not validate.
func (r *KVRepository) Update(ctx context.Context, fn func(*Settings) error) (Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.Load(ctx)
	if err != nil {
		return Settings{}, err
	}
	if err := fn(&s); err != nil {
		return Settings{}, err
	}
	if err := r.Save(ctx, s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
