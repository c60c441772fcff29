package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/config"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// writeConfig writes a config that stores settings in a temp JSON file.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "server:\n  log_level: error\nsettings:\n  backend: file\n  path: " + filepath.Join(dir, "settings.json") + "\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "jarvis dev") {
		t.Errorf("output = %q", out)
	}
}

func TestSettings_RoundTrip(t *testing.T) {
	cfg := writeConfig(t)

	if _, err := execute(t, "--config", cfg, "settings", "language", "en-US"); err != nil {
		t.Fatalf("language: %v", err)
	}
	if _, err := execute(t, "--config", cfg, "settings", "voice", "--rate", "1.5", "--robotic"); err != nil {
		t.Fatalf("voice: %v", err)
	}
	if _, err := execute(t, "--config", cfg, "settings", "tavily-key", "tvly-abcdef123456"); err != nil {
		t.Fatalf("tavily-key: %v", err)
	}

	out, err := execute(t, "--config", cfg, "settings", "show")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var got struct {
		Language string `json:"language"`
		Voice    struct {
			Rate          float64 `json:"rate"`
			Pitch         float64 `json:"pitch"`
			RoboticEffect bool    `json:"roboticEffect"`
		} `json:"voice"`
		TavilyAPIKey string `json:"tavilyApiKey"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.Language != "en-US" || got.Voice.Rate != 1.5 || !got.Voice.RoboticEffect {
		t.Errorf("settings = %+v", got)
	}
	if got.Voice.Pitch != 1 {
		t.Errorf("pitch changed without --pitch: %v", got.Voice.Pitch)
	}
	if strings.Contains(got.TavilyAPIKey, "abcdef") {
		t.Errorf("key not redacted: %q", got.TavilyAPIKey)
	}
}

func TestSettings_RejectsInvalid(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := execute(t, "--config", cfg, "settings", "language", "not a locale"); err == nil {
		t.Error("expected error for invalid language")
	}
}

func TestRoot_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing config", []string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "settings", "show"}},
		{"bad log level", []string{"--log-level", "loud", "settings", "show"}},
		{"unknown command", []string{"dance"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPrintStartupSummary(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Providers.LLM.Model = "a-very-long-model-name:70b-instruct"

	var buf bytes.Buffer
	printStartupSummary(&buf, cfg)
	out := buf.String()
	for _, want := range []string{"ollama / a-very-lo…", "marytts", "(not configured)", "(disabled)", ":8080"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary misses %q:\n%s", want, out)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	for _, tt := range []struct {
		format config.LogFormat
		want   string
	}{
		{config.LogFormatText, "msg=hello"},
		{config.LogFormatJSON, `"msg":"hello"`},
		{config.LogFormatTint, "hello"},
	} {
		var buf bytes.Buffer
		lv := new(slog.LevelVar)
		log := newLogger(tt.format, lv, &buf)
		log.Debug("hidden")
		log.Info("hello")
		if strings.Contains(buf.String(), "hidden") {
			t.Errorf("%s: debug record written at info level", tt.format)
		}
		if !strings.Contains(buf.String(), tt.want) {
			t.Errorf("%s: output %q does not contain %q", tt.format, buf.String(), tt.want)
		}

		lv.Set(slog.LevelDebug)
		log.Debug("now visible")
		if !strings.Contains(buf.String(), "now visible") {
			t.Errorf("%s: level change not applied", tt.format)
		}
	}
}
