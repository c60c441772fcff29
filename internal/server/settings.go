package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
)

// settingsPatch is the body of PUT /api/settings. Absent fields are kept.
type settingsPatch struct {
	Voice        *settings.VoiceSettings `json:"voice,omitempty"`
	Language     *string                 `json:"language,omitempty"`
	TavilyAPIKey *string                 `json:"tavilyApiKey,omitempty"`
}

type languageBody struct {
	Language string `json:"language"`
}

type tavilyKeyBody struct {
	APIKey string `json:"apiKey"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		writeError(w, r, unavailable("settings"))
		return
	}
	cur, err := s.deps.Settings.Load(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("load settings: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, cur.Redacted())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var p settingsPatch
	if err := decodeJSON(w, r, &p, false); err != nil {
		writeError(w, r, err)
		return
	}
	s.updateSettings(w, r, func(cur *settings.Settings) {
		if p.Voice != nil {
			cur.Voice = *p.Voice
		}
		if p.Language != nil {
			cur.Language = *p.Language
		}
		if p.TavilyAPIKey != nil {
			cur.TavilyAPIKey = strings.TrimSpace(*p.TavilyAPIKey)
		}
	})
}

func (s *Server) handlePutLanguage(w http.ResponseWriter, r *http.Request) {
	var b languageBody
	if err := decodeJSON(w, r, &b, false); err != nil {
		writeError(w, r, err)
		return
	}
	s.updateSettings(w, r, func(cur *settings.Settings) { cur.Language = b.Language })
}

// handlePutVoice merges the body over the current voice settings.
func (s *Server) handlePutVoice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		writeError(w, r, unavailable("settings"))
		return
	}
	cur, err := s.deps.Settings.Load(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("load settings: %w", err))
		return
	}
	voice := cur.Voice
	if err := decodeJSON(w, r, &voice, false); err != nil {
		writeError(w, r, err)
		return
	}
	s.updateSettings(w, r, func(cur *settings.Settings) { cur.Voice = voice })
}

// handlePutTavilyKey stores the key; an empty key removes it.
func (s *Server) handlePutTavilyKey(w http.ResponseWriter, r *http.Request) {
	var b tavilyKeyBody
	if err := decodeJSON(w, r, &b, false); err != nil {
		writeError(w, r, err)
		return
	}
	s.updateSettings(w, r, func(cur *settings.Settings) { cur.TavilyAPIKey = strings.TrimSpace(b.APIKey) })
}

// updateSettings applies fn, validates the result and answers with the
// redacted settings. Nothing is saved when validation fails.
func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request, fn func(*settings.Settings)) {
	if s.deps.Settings == nil {
		writeError(w, r, unavailable("settings"))
		return
	}
	var invalid error
	updated, err := s.deps.Settings.Update(r.Context(), func(cur *settings.Settings) error {
		fn(cur)
		if err := cur.Validate(); err != nil {
			invalid = fmt.Errorf("%w: %w", errBadRequest, err)
			return invalid
		}
		return nil
	})
	if invalid != nil {
		writeError(w, r, invalid)
		return
	}
	if err != nil {
		writeError(w, r, fmt.Errorf("save settings: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, updated.Redacted())
}
