// Package settings persists the user's assistant preferences: the synthesis
// voice, the response language and the Tavily API key.
//
// The three records are stored under separate keys of a key-value Store and
// loaded or saved as one Settings value by a Repository. Missing or damaged
// records fall back to defaults so that a fresh or corrupted store still
// yields a usable configuration.
package settings

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

// Storage keys.
const (
	KeyVoice        = "jarvis-voice-settings"
	KeyLanguage     = "jarvis-response-language"
	KeyTavilyAPIKey = "tavily-api-key"
)

// DefaultLanguage is the response language of a fresh installation.
const DefaultLanguage = "fr-FR"

// ErrNotFound is returned by Store.Get for an absent key.
var ErrNotFound = errors.New("settings: key not found")

// VoiceSettings controls speech synthesis.
type VoiceSettings struct {
	VoiceName     string  `json:"voiceName"`
	Rate          float64 `json:"rate"`
	Pitch         float64 `json:"pitch"`
	Volume        float64 `json:"volume"`
	RoboticEffect bool    `json:"roboticEffect"`
}

// DefaultVoice returns the neutral voice settings.
func DefaultVoice() VoiceSettings {
	return VoiceSettings{Rate: 1, Pitch: 1, Volume: 1}
}

// Validate checks that every prosody value is in range.
func (v VoiceSettings) Validate() error {
	var errs []error
	if v.Rate < 0.1 || v.Rate > 10 {
		errs = append(errs, fmt.Errorf("voice rate %v out of range [0.1, 10]", v.Rate))
	}
	if v.Pitch < 0 || v.Pitch > 2 {
		errs = append(errs, fmt.Errorf("voice pitch %v out of range [0, 2]", v.Pitch))
	}
	if v.Volume < 0 || v.Volume > 1 {
		errs = append(errs, fmt.Errorf("voice volume %v out of range [0, 1]", v.Volume))
	}
	return errors.Join(errs...)
}

// Profile converts v into a synthesis voice for locale.
func (v VoiceSettings) Profile(locale string) types.VoiceProfile {
	return types.VoiceProfile{
		ID:      v.VoiceName,
		Name:    v.VoiceName,
		Locale:  locale,
		Rate:    v.Rate,
		Pitch:   v.Pitch,
		Volume:  v.Volume,
		Robotic: v.RoboticEffect,
	}
}

// Settings is the full preference set.
type Settings struct {
	Voice        VoiceSettings `json:"voice"`
	Language     string        `json:"language"`
	TavilyAPIKey string        `json:"tavilyApiKey"`
}

// Defaults returns the settings of a fresh installation.
func Defaults() Settings {
	return Settings{Voice: DefaultVoice(), Language: DefaultLanguage}
}

var localeRE = regexp.MustCompile(`^[A-Za-z]{2,3}([-_][A-Za-z0-9]{2,8})*$`)

// ValidateLanguage checks that lang looks like a BCP-47 locale.
func ValidateLanguage(lang string) error {
	if !localeRE.MatchString(lang) {
		return fmt.Errorf("invalid language %q", lang)
	}
	return nil
}

// Validate checks the whole preference set.
func (s Settings) Validate() error {
	return errors.Join(s.Voice.Validate(), ValidateLanguage(s.Language))
}

// Redacted returns a copy safe to log or return to clients: the API key is
// reduced to its last four characters.
func (s Settings) Redacted() Settings {
	if n := len(s.TavilyAPIKey); n > 0 {
		if n > 4 {
			s.TavilyAPIKey = "…" + s.TavilyAPIKey[n-4:]
		} else {
			s.TavilyAPIKey = "…"
		}
	}
	return s
}

// Repository loads and saves Settings as a unit.
type Repository interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

// Store is a flat string key-value store.
type Store interface {
	// Get returns ErrNotFound for an absent key.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete is a no-op for an absent key.
	Delete(ctx context.Context, key string) error
	Close() error
}
