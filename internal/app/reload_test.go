package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/config"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/conversation"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
	llmmock "github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/llm/mock"
)

func TestReload_LogLevel(t *testing.T) {
	old := &config.Config{}
	config.ApplyDefaults(old)
	next := *old
	next.Server.LogLevel = config.LogDebug

	lv := new(slog.LevelVar)
	a, err := New(context.Background(), old, &Providers{LLM: &llmmock.Provider{}},
		WithSettings(settings.NewKVRepository(settings.NewMemoryStore())),
		WithLogLevel(lv),
	)
	if err != nil {
		t.Fatal(err)
	}

	a.reload(old, &next)
	if got := lv.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}

	// A restart-only change leaves the level alone.
	third := next
	third.Server.ListenAddr = ":9999"
	a.reload(&next, &third)
	if got := lv.Level(); got != slog.LevelDebug {
		t.Errorf("level after unrelated change = %v, want debug", got)
	}
}

func TestConversationConfig(t *testing.T) {
	off, s, zero := false, 0.6, 0.0
	tests := []struct {
		name string
		in   config.ConversationConfig
		want conversation.Config
	}{
		{
			name: "zero keeps defaults",
			want: conversation.DefaultConfig(),
		},
		{
			name: "overrides",
			in: config.ConversationConfig{
				Sensitivity:    &s,
				SustainFrames:  5,
				ListenTimeout:  3 * time.Second,
				MaxNoSpeech:    2,
				AutoReactivate: &off,
			},
			want: func() conversation.Config {
				c := conversation.DefaultConfig()
				c.VAD.Sensitivity = 0.6
				c.SustainFrames = 5
				c.ListenTimeout = 3 * time.Second
				c.MaxNoSpeech = 2
				c.AutoReactivate = false
				return c
			}(),
		},
		{
			name: "explicit zero sensitivity",
			in:   config.ConversationConfig{Sensitivity: &zero},
			want: func() conversation.Config {
				c := conversation.DefaultConfig()
				c.VAD.Sensitivity = 0
				return c
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := conversationConfig(tt.in); got != tt.want {
				t.Errorf("conversationConfig() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
