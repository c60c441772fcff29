package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/agent"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/chat"
)

type chatRequest struct {
	Message   string `json:"message"`
	WebSearch bool   `json:"web_search"`
}

// chatEvent is one NDJSON line of a /api/chat stream.
type chatEvent struct {
	// Type is "message" for an update, "done" for the final reply and
	// "error" when the turn failed.
	Type    string        `json:"type"`
	Message *chat.Message `json:"message,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type messagesResponse struct {
	Messages   []chat.Message `json:"messages"`
	Generating bool           `json:"generating"`
}

// handleChat runs one turn and streams every history change as NDJSON.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		writeError(w, r, unavailable("chat"))
		return
	}
	var req chatRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, r, chat.ErrEmptyMessage)
		return
	}
	if s.deps.Chat.Generating() {
		writeError(w, r, agent.ErrBusy)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	emit := func(ev chatEvent) {
		if err := enc.Encode(ev); err != nil {
			return
		}
		_ = rc.Flush()
	}

	opts := []chat.SendOption{chat.OnUpdate(func(m chat.Message) {
		emit(chatEvent{Type: "message", Message: &m})
	})}
	if req.WebSearch {
		opts = append(opts, chat.WithWebSearch())
	}
	final, err := s.deps.Chat.Send(r.Context(), req.Message, opts...)
	switch {
	case err == nil:
		emit(chatEvent{Type: "done", Message: &final})
	case errors.Is(err, chat.ErrCleared):
		emit(chatEvent{Type: "error", Error: err.Error()})
	default:
		emit(chatEvent{Type: "error", Message: &final, Error: err.Error()})
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		writeError(w, r, unavailable("chat"))
		return
	}
	msgs := s.deps.Chat.Messages()
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs, Generating: s.deps.Chat.Generating()})
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		writeError(w, r, unavailable("chat"))
		return
	}
	s.deps.Chat.Clear()
	w.WriteHeader(http.StatusNoContent)
}
