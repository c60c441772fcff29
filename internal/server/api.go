package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/agent"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/health"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/resilience"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

type voicesResponse struct {
	Voices []types.VoiceProfile `json:"voices"`
}

type modelsResponse struct {
	Models []string `json:"models"`
}

// statusResponse is the body of GET /api/status.
type statusResponse struct {
	Version       string                              `json:"version"`
	Generating    bool                                `json:"generating"`
	VoiceSessions int                                 `json:"voice_sessions"`
	Backends      []resilience.MonitorStatus          `json:"backends"`
	Fallbacks     map[string][]resilience.EntryStatus `json:"fallbacks,omitempty"`
	Health        *health.Report                      `json:"health,omitempty"`
}

// agentResponse wraps a dispatcher result with its kind.
type agentResponse struct {
	Type   agent.Kind   `json:"type"`
	Result agent.Result `json:"result"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req agent.SearchRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Agent.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res.(agent.SearchResult).Response)
}

// handleTTS answers with the synthesised text as a WAV file.
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req agent.SpeakRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Agent.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	speech := res.(agent.SpeakResult)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(speech.WAV)))
	w.Header().Set("X-Audio-Duration-Ms", strconv.FormatInt(speech.Duration.Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(speech.WAV)
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if s.deps.TTS == nil {
		writeError(w, r, unavailable("tts"))
		return
	}
	voices, err := s.deps.TTS.ListVoices(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("list voices: %w", err))
		return
	}
	if voices == nil {
		voices = []types.VoiceProfile{}
	}
	writeJSON(w, http.StatusOK, voicesResponse{Voices: voices})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Models == nil {
		writeError(w, r, unavailable("model listing"))
		return
	}
	models, err := s.deps.Models.ListModels(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("list models: %w", err))
		return
	}
	if models == nil {
		models = []string{}
	}
	sort.Strings(models)
	writeJSON(w, http.StatusOK, modelsResponse{Models: models})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:       s.cfg.Version,
		VoiceSessions: s.VoiceSessions(),
		Backends:      make([]resilience.MonitorStatus, 0, len(s.deps.Monitors)),
	}
	if s.deps.Chat != nil {
		resp.Generating = s.deps.Chat.Generating()
	}
	for _, m := range s.deps.Monitors {
		resp.Backends = append(resp.Backends, m.Status())
	}
	if len(s.deps.Fallbacks) > 0 {
		resp.Fallbacks = make(map[string][]resilience.EntryStatus, len(s.deps.Fallbacks))
		for kind, status := range s.deps.Fallbacks {
			resp.Fallbacks[kind] = status()
		}
	}
	if s.deps.Health != nil {
		rep := s.deps.Health.Check(r.Context())
		resp.Health = &rep
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAgent decodes a tagged request envelope and dispatches it.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var env agent.Envelope
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&env); err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	req, err := agent.Decode(env)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Agent.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agentResponse{Type: res.Kind(), Result: res})
}
