package conversation

// Event is an input to the conversation state machine. The set of events is
// closed; every variant is declared in this file.
type Event interface {
	isEvent()
}

// VolumeSample is one analysed microphone frame.
type VolumeSample struct {
	Level float64
	PCM   []byte
}

// ManualTrigger forces listening regardless of volume.
type ManualTrigger struct{}

// TranscriptPartial is an interim recognition hypothesis for Turn.
type TranscriptPartial struct {
	Turn uint64
	Text string
}

// TranscriptFinal is the recognizer's final result for Turn.
type TranscriptFinal struct {
	Turn uint64
	Text string
}

// ResponseChunk carries reply text for Turn. Text is cumulative; Done marks
// the complete reply.
type ResponseChunk struct {
	Turn uint64
	Text string
	Done bool
}

// PlaybackDone reports that the reply for Turn finished playing.
type PlaybackDone struct {
	Turn uint64
}

// ListenTimeout fires when listening for Turn lasted too long.
type ListenTimeout struct {
	Turn uint64
}

// FailureKind classifies a Failure.
type FailureKind int

const (
	// FailureNetwork is a recoverable backend failure (recognizer, LLM, TTS).
	FailureNetwork FailureKind = iota
	// FailureMalformed is a reply the controller cannot use.
	FailureMalformed
	// FailurePermission means microphone access was refused.
	FailurePermission
	// FailureSourceLost means the microphone went away.
	FailureSourceLost
)

// Fatal reports whether the failure ends the session.
func (k FailureKind) Fatal() bool {
	return k == FailurePermission || k == FailureSourceLost
}

// Failure reports an error. Turn zero marks a session-level failure that is
// never stale.
type Failure struct {
	Turn uint64
	Kind FailureKind
	Err  error
}

// SettingsChanged applies new VAD settings from the next volume sample.
type SettingsChanged struct {
	VAD VADSettings
}

// AutoReactivateChanged toggles re-arming the voice trigger.
type AutoReactivateChanged struct {
	Enabled bool
}

// Shutdown stops the session and returns to idle.
type Shutdown struct{}

func (VolumeSample) isEvent()          {}
func (ManualTrigger) isEvent()         {}
func (TranscriptPartial) isEvent()     {}
func (TranscriptFinal) isEvent()       {}
func (ResponseChunk) isEvent()         {}
func (PlaybackDone) isEvent()          {}
func (ListenTimeout) isEvent()         {}
func (Failure) isEvent()               {}
func (SettingsChanged) isEvent()       {}
func (AutoReactivateChanged) isEvent() {}
func (Shutdown) isEvent()              {}
