package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked individually; all
// other changes set RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConversationChanged is true if sensitivity or auto-reactivation changed.
	ConversationChanged bool
	NewSensitivity      *float64
	NewAutoReactivate   bool

	// RestartRequired lists the sections whose changes only apply on restart.
	RestartRequired []string
}

// Empty reports whether d holds no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ConversationChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oc, nc := old.Conversation, new.Conversation
	if !sameFloat(oc.Sensitivity, nc.Sensitivity) || oc.AutoReactivateEnabled() != nc.AutoReactivateEnabled() {
		d.ConversationChanged = true
		d.NewSensitivity = nc.Sensitivity
		d.NewAutoReactivate = nc.AutoReactivateEnabled()
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat ||
		!sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameEntry(old.Providers.LLM, new.Providers.LLM) || !sameEntry(old.Providers.LLMFallback, new.Providers.LLMFallback) ||
		!sameEntry(old.Providers.STT, new.Providers.STT) || !sameEntry(old.Providers.TTS, new.Providers.TTS) ||
		!sameEntry(old.Providers.TTSFallback, new.Providers.TTSFallback) ||
		!sameEntry(old.Providers.Search, new.Providers.Search) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Settings != new.Settings {
		d.RestartRequired = append(d.RestartRequired, "settings")
	}
	if oc.SustainFrames != nc.SustainFrames || oc.ListenTimeout != nc.ListenTimeout ||
		oc.MaxNoSpeech != nc.MaxNoSpeech || oc.SampleRate != nc.SampleRate {
		d.RestartRequired = append(d.RestartRequired, "conversation")
	}
	if old.Chat != new.Chat {
		d.RestartRequired = append(d.RestartRequired, "chat")
	}
	if old.Telemetry != new.Telemetry || old.MCP != new.MCP {
		d.RestartRequired = append(d.RestartRequired, "telemetry/mcp")
	}

	return d
}

// sameEntry compares provider entries ignoring Options.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && a.Timeout == b.Timeout
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
