package fastspeech2

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/audio"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

func wavOf(t *testing.T, samples []int16, rate int) []byte {
	t.Helper()
	wav, err := audio.EncodeWAV(audio.Int16ToBytes(samples), audio.Format{SampleRate: rate, Channels: 1})
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return wav
}

func one(s string) <-chan string {
	ch := make(chan string, 1)
	ch <- s
	close(ch)
	return ch
}

// TestSynthesizeStream_Request checks the JSON body and volume gain.
func TestSynthesizeStream_Request(t *testing.T) {
	var got ttsRequest
	wav := wavOf(t, []int16{1000, -1000, 1000, -1000}, 16000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write(wav)
	}))
	defer srv.Close()

	p, _ := New(srv.URL, WithSpeaker("siwis"))
	ch, err := p.SynthesizeStream(context.Background(), one("Bonjour."), types.VoiceProfile{Rate: 1.2, Pitch: 0.9, Volume: 0.5, Locale: "fr-FR"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var pcm []byte
	for c := range ch {
		pcm = append(pcm, c...)
	}

	if got.Text != "Bonjour." || got.Speaker != "siwis" || got.Speed != 1.2 || got.Pitch != 0.9 || got.Language != "fr" {
		t.Errorf("request: got %+v", got)
	}
	samples := audio.BytesToInt16(pcm)
	if len(samples) != 4 || samples[0] != 500 || samples[1] != -500 {
		t.Errorf("samples: got %v, want gain 0.5 applied", samples)
	}
}

// TestSynthesizeStream_Defaults checks neutral prosody for an unset profile.
func TestSynthesizeStream_Defaults(t *testing.T) {
	var got ttsRequest
	wav := wavOf(t, []int16{1, 2}, 16000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write(wav)
	}))
	defer srv.Close()

	p, _ := New(srv.URL, WithLanguage("en"))
	ch, _ := p.SynthesizeStream(context.Background(), one("Hi."), types.VoiceProfile{})
	for range ch {
	}
	if got.Speed != 1 || got.Pitch != 1 || got.Language != "en" {
		t.Errorf("request: got %+v", got)
	}
}

// TestSynthesize_Error checks that non-200 responses are errors.
func TestSynthesize_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "speaker unknown", http.StatusBadRequest)
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	if _, err := p.synthesize(context.Background(), ttsRequest{Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

// TestListVoicesAndPing checks /speakers and /health.
func TestListVoicesAndPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/speakers":
			w.Write([]byte(`{"speakers":["siwis","bernard"]}`))
		case "/health":
			w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[1].ID != "bernard" || voices[1].Provider != "fastspeech2" {
		t.Errorf("voices: got %+v", voices)
	}
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

// TestNew_Empty checks constructor validation.
func TestNew_Empty(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error")
	}
}
