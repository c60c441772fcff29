package conversation

import (
	"errors"
	"fmt"
	"strings"
)

// effect is a side effect requested by the state machine and executed by the
// controller loop.
type effect interface {
	isEffect()
}

type effSetState struct {
	From, To State
}

type effVolume struct {
	Level float64
}

type effTranscript struct {
	Text  string
	Final bool
}

type effResponse struct {
	Text  string
	Final bool
}

type effError struct {
	Message string
}

type effStartRecognition struct {
	Turn uint64
}

type effFeedAudio struct {
	PCM []byte
}

type effStopRecognition struct{}

type effGenerate struct {
	Turn       uint64
	Transcript string
}

type effSpeak struct {
	Turn uint64
	Text string
}

type effCancelTurn struct{}

// effTeardown releases the audio source and ends the loop.
type effTeardown struct{}

func (effSetState) isEffect()         {}
func (effVolume) isEffect()           {}
func (effTranscript) isEffect()       {}
func (effResponse) isEffect()         {}
func (effError) isEffect()            {}
func (effStartRecognition) isEffect() {}
func (effFeedAudio) isEffect()        {}
func (effStopRecognition) isEffect()  {}
func (effGenerate) isEffect()         {}
func (effSpeak) isEffect()            {}
func (effCancelTurn) isEffect()       {}
func (effTeardown) isEffect()         {}

// Messages surfaced through OnError.
const (
	msgPermission = "Microphone access was denied. Allow the microphone and start the conversation again."
	msgSourceLost = "The microphone stopped responding. Check the device and start the conversation again."
	msgNoSpeech   = "I could not hear anything. Try speaking closer to the microphone or raise the sensitivity."
	msgMalformed  = "I received a reply I cannot read out."
)

// machine is the conversation state machine. It owns no resources and does
// no I/O; apply is a pure function of its fields and the event.
type machine struct {
	state State
	turn  uint64

	sensitivity    float64
	sustain        int
	maxNoSpeech    int
	autoReactivate bool

	armed    bool
	loud     int
	noSpeech int
	stopped  bool
}

func newMachine(cfg Config) *machine {
	cfg = cfg.withDefaults()
	return &machine{
		state:          StateIdle,
		sensitivity:    cfg.VAD.Sensitivity,
		sustain:        cfg.SustainFrames,
		maxNoSpeech:    cfg.MaxNoSpeech,
		autoReactivate: cfg.AutoReactivate,
		armed:          true,
	}
}

// apply advances the machine by one event and returns the effects to run, in
// order.
func (m *machine) apply(ev Event) []effect {
	if m.stopped {
		return nil
	}
	switch ev := ev.(type) {
	case VolumeSample:
		return m.onVolume(ev)
	case ManualTrigger:
		if m.state != StateIdle {
			return nil
		}
		return m.beginListening(nil)
	case TranscriptPartial:
		if ev.Turn != m.turn || m.state != StateListening || ev.Text == "" {
			return nil
		}
		return []effect{effTranscript{Text: ev.Text}}
	case TranscriptFinal:
		if ev.Turn != m.turn || m.state != StateListening {
			return nil
		}
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return m.noSpeechTurn()
		}
		m.noSpeech = 0
		return []effect{
			effStopRecognition{},
			effTranscript{Text: text, Final: true},
			m.set(StateProcessing),
			effGenerate{Turn: m.turn, Transcript: text},
		}
	case ListenTimeout:
		if ev.Turn != m.turn || m.state != StateListening {
			return nil
		}
		return m.noSpeechTurn()
	case ResponseChunk:
		if ev.Turn != m.turn || m.state != StateProcessing {
			return nil
		}
		if !ev.Done {
			if ev.Text == "" {
				return nil
			}
			return []effect{effResponse{Text: ev.Text}}
		}
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return append([]effect{effCancelTurn{}}, m.toIdle()...)
		}
		return []effect{
			effResponse{Text: text, Final: true},
			m.set(StateSpeaking),
			effSpeak{Turn: m.turn, Text: text},
		}
	case PlaybackDone:
		if ev.Turn != m.turn || m.state != StateSpeaking {
			return nil
		}
		return append([]effect{effCancelTurn{}}, m.toIdle()...)
	case Failure:
		return m.onFailure(ev)
	case SettingsChanged:
		m.sensitivity = ev.VAD.clamped().Sensitivity
		return nil
	case AutoReactivateChanged:
		m.autoReactivate = ev.Enabled
		if m.state == StateIdle {
			m.armed = ev.Enabled
			m.loud = 0
		}
		return nil
	case Shutdown:
		m.stopped = true
		effs := []effect{effCancelTurn{}, effStopRecognition{}}
		if m.state != StateIdle {
			effs = append(effs, m.set(StateIdle))
		}
		return append(effs, effTeardown{})
	default:
		panic(fmt.Sprintf("conversation: unhandled event %T", ev))
	}
}

func (m *machine) onVolume(ev VolumeSample) []effect {
	effs := []effect{effVolume{Level: ev.Level}}
	switch m.state {
	case StateIdle:
		if !m.armed {
			return effs
		}
		if ev.Level < m.sensitivity {
			m.loud = 0
			return effs
		}
		m.loud++
		if m.loud < m.sustain {
			return effs
		}
		return append(effs, m.beginListening(ev.PCM)...)
	case StateListening:
		if len(ev.PCM) > 0 {
			effs = append(effs, effFeedAudio{PCM: ev.PCM})
		}
	}
	return effs
}

// beginListening opens a new turn. pcm is the frame that triggered it.
func (m *machine) beginListening(pcm []byte) []effect {
	m.turn++
	m.loud = 0
	effs := []effect{m.set(StateListening), effStartRecognition{Turn: m.turn}}
	if len(pcm) > 0 {
		effs = append(effs, effFeedAudio{PCM: pcm})
	}
	return effs
}

// noSpeechTurn ends a listening turn that produced nothing usable.
func (m *machine) noSpeechTurn() []effect {
	m.noSpeech++
	effs := []effect{effStopRecognition{}, effCancelTurn{}}
	effs = append(effs, m.toIdle()...)
	if m.noSpeech >= m.maxNoSpeech {
		m.noSpeech = 0
		effs = append(effs, effError{Message: msgNoSpeech})
	}
	return effs
}

func (m *machine) onFailure(ev Failure) []effect {
	if ev.Kind.Fatal() {
		m.stopped = true
		msg := msgSourceLost
		if ev.Kind == FailurePermission {
			msg = msgPermission
		}
		return []effect{
			effCancelTurn{},
			effStopRecognition{},
			m.set(StateError),
			effError{Message: msg},
			effTeardown{},
		}
	}
	if ev.Turn != 0 && ev.Turn != m.turn {
		return nil
	}
	if m.state == StateIdle || m.state == StateError {
		return nil
	}
	effs := []effect{effStopRecognition{}, effCancelTurn{}, effError{Message: failureMessage(ev)}}
	return append(effs, m.toIdle()...)
}

func failureMessage(f Failure) string {
	if f.Kind == FailureMalformed || errors.Is(f.Err, ErrMalformedResponse) {
		return msgMalformed
	}
	if f.Err == nil {
		return "A service is unreachable. Try again in a moment."
	}
	return "A service is unreachable: " + f.Err.Error()
}

// toIdle returns to idle and re-arms the trigger if auto-reactivate is on.
func (m *machine) toIdle() []effect {
	m.loud = 0
	m.armed = m.autoReactivate
	return []effect{m.set(StateIdle)}
}

func (m *machine) set(to State) effect {
	from := m.state
	m.state = to
	return effSetState{From: from, To: to}
}
