package conversation

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testMachine() *machine {
	return newMachine(Config{
		VAD:            VADSettings{Sensitivity: 0.5},
		SustainFrames:  3,
		MaxNoSpeech:    3,
		AutoReactivate: true,
	})
}

// transitions extracts the target states of every state change in effs.
func transitions(effs []effect) []State {
	var out []State
	for _, e := range effs {
		if s, ok := e.(effSetState); ok {
			out = append(out, s.To)
		}
	}
	return out
}

func count[T effect](effs []effect) int {
	n := 0
	for _, e := range effs {
		if _, ok := e.(T); ok {
			n++
		}
	}
	return n
}

func find[T effect](effs []effect) (T, bool) {
	for _, e := range effs {
		if v, ok := e.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// listen drives m from idle to listening with three loud samples.
func listen(t *testing.T, m *machine) {
	t.Helper()
	for i := 0; i < 3; i++ {
		m.apply(VolumeSample{Level: 0.9, PCM: []byte{1, 2}})
	}
	if m.state != StateListening {
		t.Fatalf("state: got %v, want listening", m.state)
	}
}

// TestMachine_SustainedVolumeStartsListening checks the sustain counter.
func TestMachine_SustainedVolumeStartsListening(t *testing.T) {
	m := testMachine()

	var effs []effect
	for _, lvl := range []float64{0.9, 0.9, 0.1, 0.9, 0.9} {
		effs = m.apply(VolumeSample{Level: lvl})
		if m.state != StateIdle {
			t.Fatalf("started listening after a dip (level %v)", lvl)
		}
	}
	if count[effVolume](effs) != 1 {
		t.Error("every sample should report its volume")
	}

	effs = m.apply(VolumeSample{Level: 0.5, PCM: []byte{9, 9}})
	if diff := cmp.Diff([]State{StateListening}, transitions(effs)); diff != "" {
		t.Fatalf("transitions (-want +got):\n%s", diff)
	}
	start, ok := find[effStartRecognition](effs)
	if !ok || start.Turn != 1 {
		t.Errorf("start recognition: got %+v, %v", start, ok)
	}
	if feed, ok := find[effFeedAudio](effs); !ok || len(feed.PCM) != 2 {
		t.Error("the triggering frame should be fed to the recognizer")
	}
}

// TestMachine_ListeningFeedsAudio checks that frames reach the recognizer only
// while listening.
func TestMachine_ListeningFeedsAudio(t *testing.T) {
	m := testMachine()
	if count[effFeedAudio](m.apply(VolumeSample{Level: 0.1, PCM: []byte{1}})) != 0 {
		t.Error("idle frames must not be fed")
	}
	listen(t, m)
	if count[effFeedAudio](m.apply(VolumeSample{Level: 0.0, PCM: []byte{1}})) != 1 {
		t.Error("quiet frames while listening must still be fed")
	}
}

// TestMachine_FullTurn walks idle → listening → processing → speaking → idle.
func TestMachine_FullTurn(t *testing.T) {
	m := testMachine()
	m.apply(ManualTrigger{})
	if m.state != StateListening {
		t.Fatalf("state: got %v, want listening", m.state)
	}

	if effs := m.apply(TranscriptPartial{Turn: 1, Text: "Quelle"}); count[effTranscript](effs) != 1 {
		t.Error("partial should be reported")
	}

	effs := m.apply(TranscriptFinal{Turn: 1, Text: "  Quelle heure est-il ?  "})
	if diff := cmp.Diff([]State{StateProcessing}, transitions(effs)); diff != "" {
		t.Fatalf("transitions (-want +got):\n%s", diff)
	}
	gen, _ := find[effGenerate](effs)
	if gen.Transcript != "Quelle heure est-il ?" || gen.Turn != 1 {
		t.Errorf("generate: got %+v", gen)
	}
	if count[effStopRecognition](effs) != 1 {
		t.Error("recognition should stop on the final transcript")
	}

	if effs := m.apply(ResponseChunk{Turn: 1, Text: "Il est"}); count[effResponse](effs) != 1 || m.state != StateProcessing {
		t.Error("partial response should be reported without a transition")
	}

	effs = m.apply(ResponseChunk{Turn: 1, Text: "Il est midi.", Done: true})
	if diff := cmp.Diff([]State{StateSpeaking}, transitions(effs)); diff != "" {
		t.Fatalf("transitions (-want +got):\n%s", diff)
	}
	if sp, _ := find[effSpeak](effs); sp.Text != "Il est midi." {
		t.Errorf("speak: got %+v", sp)
	}

	effs = m.apply(PlaybackDone{Turn: 1})
	if diff := cmp.Diff([]State{StateIdle}, transitions(effs)); diff != "" {
		t.Fatalf("transitions (-want +got):\n%s", diff)
	}
	if !m.armed {
		t.Error("trigger should be re-armed with auto-reactivate on")
	}
}

// TestMachine_EmptyResponseReturnsIdle checks that nothing is spoken.
func TestMachine_EmptyResponseReturnsIdle(t *testing.T) {
	m := testMachine()
	m.apply(ManualTrigger{})
	m.apply(TranscriptFinal{Turn: 1, Text: "hein"})
	effs := m.apply(ResponseChunk{Turn: 1, Text: "  ", Done: true})
	if m.state != StateIdle || count[effSpeak](effs) != 0 {
		t.Errorf("state %v, effects %#v", m.state, effs)
	}
}

// TestMachine_StaleEventsIgnored checks the turn guard.
func TestMachine_StaleEventsIgnored(t *testing.T) {
	m := testMachine()
	m.apply(ManualTrigger{})
	m.apply(ListenTimeout{Turn: 1})
	m.apply(ManualTrigger{})
	if m.turn != 2 {
		t.Fatalf("turn: got %d, want 2", m.turn)
	}

	if effs := m.apply(TranscriptFinal{Turn: 1, Text: "old"}); effs != nil {
		t.Errorf("stale final produced %#v", effs)
	}
	m.apply(TranscriptFinal{Turn: 2, Text: "new"})
	if effs := m.apply(ResponseChunk{Turn: 1, Text: "late", Done: true}); effs != nil {
		t.Errorf("stale response produced %#v", effs)
	}
	if effs := m.apply(Failure{Turn: 1, Kind: FailureNetwork, Err: errors.New("x")}); effs != nil {
		t.Errorf("stale failure produced %#v", effs)
	}
	if m.state != StateProcessing {
		t.Errorf("state: got %v, want processing", m.state)
	}
}

// TestMachine_NoSpeechSuggestion checks that three empty turns produce one
// suggestion and the counter resets.
func TestMachine_NoSpeechSuggestion(t *testing.T) {
	m := testMachine()
	var errs int
	for turn := uint64(1); turn <= 6; turn++ {
		m.apply(ManualTrigger{})
		var effs []effect
		if turn%2 == 0 {
			effs = m.apply(TranscriptFinal{Turn: turn, Text: "   "})
		} else {
			effs = m.apply(ListenTimeout{Turn: turn})
		}
		if m.state != StateIdle {
			t.Fatalf("turn %d: state %v, want idle", turn, m.state)
		}
		if e, ok := find[effError](effs); ok {
			errs++
			if e.Message != msgNoSpeech {
				t.Errorf("message: got %q", e.Message)
			}
			if turn != 3 && turn != 6 {
				t.Errorf("suggestion on turn %d", turn)
			}
		}
	}
	if errs != 2 {
		t.Errorf("suggestions: got %d, want 2", errs)
	}
}

// TestMachine_TranscriptResetsNoSpeech checks that a good turn clears the count.
func TestMachine_TranscriptResetsNoSpeech(t *testing.T) {
	m := testMachine()
	m.apply(ManualTrigger{})
	m.apply(ListenTimeout{Turn: 1})
	m.apply(ManualTrigger{})
	m.apply(ListenTimeout{Turn: 2})
	m.apply(ManualTrigger{})
	m.apply(TranscriptFinal{Turn: 3, Text: "bonjour"})
	if m.noSpeech != 0 {
		t.Errorf("noSpeech: got %d, want 0", m.noSpeech)
	}
}

// TestMachine_AutoReactivateDisabled checks that the trigger stays disarmed
// after a turn until a manual trigger.
func TestMachine_AutoReactivateDisabled(t *testing.T) {
	m := testMachine()
	m.apply(AutoReactivateChanged{Enabled: false})
	m.apply(ManualTrigger{})
	m.apply(TranscriptFinal{Turn: 1, Text: "salut"})
	m.apply(ResponseChunk{Turn: 1, Text: "Bonjour.", Done: true})
	m.apply(PlaybackDone{Turn: 1})

	for i := 0; i < 10; i++ {
		m.apply(VolumeSample{Level: 1})
	}
	if m.state != StateIdle {
		t.Fatalf("state: got %v, want idle", m.state)
	}
	m.apply(ManualTrigger{})
	if m.state != StateListening {
		t.Errorf("manual trigger: state %v, want listening", m.state)
	}

	m.apply(ListenTimeout{Turn: 2})
	m.apply(AutoReactivateChanged{Enabled: true})
	listen(t, m)
}

// TestMachine_SettingsChangedAppliesToNextSample checks the live sensitivity.
func TestMachine_SettingsChangedAppliesToNextSample(t *testing.T) {
	m := testMachine()
	m.apply(VolumeSample{Level: 0.3})
	m.apply(SettingsChanged{VAD: VADSettings{Sensitivity: 0.2}})
	m.apply(VolumeSample{Level: 0.3})
	m.apply(VolumeSample{Level: 0.3})
	if m.state != StateIdle {
		t.Fatal("the sample before the change must not count")
	}
	m.apply(VolumeSample{Level: 0.3})
	if m.state != StateListening {
		t.Errorf("state: got %v, want listening", m.state)
	}
}

// TestMachine_ZeroSensitivityTriggersOnAmbient checks that 0 is a threshold,
// not an unset value.
func TestMachine_ZeroSensitivityTriggersOnAmbient(t *testing.T) {
	m := testMachine()
	m.apply(SettingsChanged{VAD: VADSettings{Sensitivity: 0}})
	if m.sensitivity != 0 {
		t.Fatalf("sensitivity after update: got %v, want 0", m.sensitivity)
	}
	for range 3 {
		m.apply(VolumeSample{Level: 0.1})
	}
	if m.state != StateListening {
		t.Errorf("ambient 0.1 above sensitivity 0: state %v, want listening", m.state)
	}

	z := newMachine(Config{SustainFrames: 1})
	z.apply(VolumeSample{Level: 0.1})
	if z.state != StateListening {
		t.Errorf("configured sensitivity 0: state %v, want listening", z.state)
	}
}

// TestMachine_SensitivityClamped checks out-of-range updates.
func TestMachine_SensitivityClamped(t *testing.T) {
	m := testMachine()
	m.apply(SettingsChanged{VAD: VADSettings{Sensitivity: -0.5}})
	if m.sensitivity != 0 {
		t.Errorf("negative: got %v, want 0", m.sensitivity)
	}
	m.apply(SettingsChanged{VAD: VADSettings{Sensitivity: 3}})
	if m.sensitivity != 1 {
		t.Errorf("above range: got %v, want 1", m.sensitivity)
	}
}

// TestMachine_ManualTriggerIgnoredWhenBusy checks that a turn is not restarted.
func TestMachine_ManualTriggerIgnoredWhenBusy(t *testing.T) {
	m := testMachine()
	m.apply(ManualTrigger{})
	m.apply(TranscriptFinal{Turn: 1, Text: "x"})
	if effs := m.apply(ManualTrigger{}); effs != nil || m.turn != 1 {
		t.Errorf("manual trigger while processing: %#v, turn %d", effs, m.turn)
	}
}

// TestMachine_NetworkFailureRecovers checks recoverable errors.
func TestMachine_NetworkFailureRecovers(t *testing.T) {
	m := testMachine()
	m.apply(ManualTrigger{})
	m.apply(TranscriptFinal{Turn: 1, Text: "x"})
	effs := m.apply(Failure{Turn: 1, Kind: FailureNetwork, Err: errors.New("ollama: connection refused")})
	if m.state != StateIdle {
		t.Fatalf("state: got %v, want idle", m.state)
	}
	e, ok := find[effError](effs)
	if !ok || e.Message != "A service is unreachable: ollama: connection refused" {
		t.Errorf("error: got %+v", e)
	}
	if count[effCancelTurn](effs) != 1 {
		t.Error("turn should be cancelled")
	}
}

// TestMachine_MalformedFailure checks the malformed reply message.
func TestMachine_MalformedFailure(t *testing.T) {
	m := testMachine()
	m.apply(ManualTrigger{})
	m.apply(TranscriptFinal{Turn: 1, Text: "x"})
	effs := m.apply(Failure{Turn: 1, Kind: FailureMalformed, Err: ErrMalformedResponse})
	if e, _ := find[effError](effs); e.Message != msgMalformed {
		t.Errorf("message: got %q", e.Message)
	}
}

// TestMachine_FatalFailure checks that permission and source failures end the
// session from any state.
func TestMachine_FatalFailure(t *testing.T) {
	for _, kind := range []FailureKind{FailurePermission, FailureSourceLost} {
		m := testMachine()
		m.apply(ManualTrigger{})
		effs := m.apply(Failure{Kind: kind, Err: ErrSourceLost})
		if diff := cmp.Diff([]State{StateError}, transitions(effs)); diff != "" {
			t.Errorf("kind %d transitions (-want +got):\n%s", kind, diff)
		}
		if count[effTeardown](effs) != 1 || count[effError](effs) != 1 {
			t.Errorf("kind %d: effects %#v", kind, effs)
		}
		if effs := m.apply(ManualTrigger{}); effs != nil {
			t.Errorf("events after a fatal failure must be ignored, got %#v", effs)
		}
	}
}

// TestMachine_Shutdown checks teardown from a busy state.
func TestMachine_Shutdown(t *testing.T) {
	m := testMachine()
	m.apply(ManualTrigger{})
	effs := m.apply(Shutdown{})
	if diff := cmp.Diff([]State{StateIdle}, transitions(effs)); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}
	if _, ok := effs[len(effs)-1].(effTeardown); !ok {
		t.Error("teardown must be the last effect")
	}
	if effs := m.apply(PlaybackDone{Turn: 1}); effs != nil {
		t.Error("events after shutdown must be ignored")
	}
}

// TestState_String checks wire names.
func TestState_String(t *testing.T) {
	want := map[State]string{StateIdle: "idle", StateListening: "listening", StateProcessing: "processing", StateSpeaking: "speaking", StateError: "error", State(42): "unknown"}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("%d: got %q, want %q", s, s.String(), name)
		}
	}
}
