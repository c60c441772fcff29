package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestLoad_EmptyStoreDefaults checks defaults on a fresh store.
func TestLoad_EmptyStoreDefaults(t *testing.T) {
	got, err := NewKVRepository(NewMemoryStore()).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Settings{Voice: VoiceSettings{Rate: 1, Pitch: 1, Volume: 1}, Language: "fr-FR"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("defaults (-want +got):\n%s", diff)
	}
}

// TestSaveLoad_RoundTrip checks that saved settings load back unchanged.
func TestSaveLoad_RoundTrip(t *testing.T) {
	repo := NewKVRepository(NewMemoryStore())
	ctx := context.Background()
	want := Settings{
		Voice:        VoiceSettings{VoiceName: "upmc-pierre-hsmm", Rate: 1.3, Pitch: 0.8, Volume: 0.6, RoboticEffect: true},
		Language:     "en-US",
		TavilyAPIKey: "tvly-abc123",
	}
	if err := repo.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

// TestLoad_StoredFormat checks the on-store encoding of each key.
func TestLoad_StoredFormat(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Set(ctx, KeyVoice, []byte(`{"voiceName":"bits1","rate":2,"pitch":1.5,"volume":0.5,"roboticEffect":true}`))
	store.Set(ctx, KeyLanguage, []byte("de-DE"))
	store.Set(ctx, KeyTavilyAPIKey, []byte("raw-key"))

	got, err := NewKVRepository(store).Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Settings{Voice: VoiceSettings{"bits1", 2, 1.5, 0.5, true}, Language: "de-DE", TavilyAPIKey: "raw-key"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	if err := NewKVRepository(store).Save(ctx, got); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, _ := store.Get(ctx, KeyLanguage)
	if string(raw) != "de-DE" {
		t.Errorf("language stored as %q, want raw string", raw)
	}
}

// TestLoad_CorruptVoiceFallsBack checks that damaged or out-of-range voice
// records are replaced by defaults without failing the load.
func TestLoad_CorruptVoiceFallsBack(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":     "{rate:",
		"out of range": `{"rate":50,"pitch":1,"volume":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStore()
			store.Set(context.Background(), KeyVoice, []byte(raw))
			got, err := NewKVRepository(store).Load(context.Background())
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Voice != DefaultVoice() {
				t.Errorf("voice: got %+v, want defaults", got.Voice)
			}
		})
	}
}

// TestLoad_PartialVoiceKeepsDefaults checks field-level defaulting.
func TestLoad_PartialVoiceKeepsDefaults(t *testing.T) {
	store := NewMemoryStore()
	store.Set(context.Background(), KeyVoice, []byte(`{"voiceName":"x","rate":1.5}`))
	got, _ := NewKVRepository(store).Load(context.Background())
	want := VoiceSettings{VoiceName: "x", Rate: 1.5, Pitch: 1, Volume: 1}
	if got.Voice != want {
		t.Errorf("got %+v, want %+v", got.Voice, want)
	}
}

// TestSave_Validates checks that invalid settings are rejected before writing.
func TestSave_Validates(t *testing.T) {
	store := NewMemoryStore()
	repo := NewKVRepository(store)
	bad := Defaults()
	bad.Voice.Rate = 0
	bad.Voice.Volume = 1.5
	bad.Language = "not a locale"

	err := repo.Save(context.Background(), bad)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"rate", "volume", "language"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
	if _, err := store.Get(context.Background(), KeyVoice); !errors.Is(err, ErrNotFound) {
		t.Error("nothing should have been written")
	}
}

// TestSave_EmptyKeyDeletes checks that clearing the API key removes the record.
func TestSave_EmptyKeyDeletes(t *testing.T) {
	store := NewMemoryStore()
	repo := NewKVRepository(store)
	ctx := context.Background()
	s := Defaults()
	s.TavilyAPIKey = "k"
	repo.Save(ctx, s)
	s.TavilyAPIKey = ""
	if err := repo.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := store.Get(ctx, KeyTavilyAPIKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("key record: got %v, want ErrNotFound", err)
	}
}

// TestUpdate_Concurrent checks that concurrent updates do not lose writes.
func TestUpdate_Concurrent(t *testing.T) {
	repo := NewKVRepository(NewMemoryStore())
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			repo.Update(ctx, func(s *Settings) error {
				s.Voice.Rate += 0.1
				return nil
			})
		}()
	}
	wg.Wait()
	got, _ := repo.Load(ctx)
	if got.Voice.Rate < 2.99 || got.Voice.Rate > 3.01 {
		t.Errorf("rate: got %v, want 3.0", got.Voice.Rate)
	}
}

// TestUpdate_FnErrorWritesNothing checks that a failing mutation is discarded.
func TestUpdate_FnErrorWritesNothing(t *testing.T) {
	store := NewMemoryStore()
	repo := NewKVRepository(store)
	boom := errors.New("boom")
	_, err := repo.Update(context.Background(), func(s *Settings) error {
		s.Language = "en-US"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	if _, err := store.Get(context.Background(), KeyLanguage); !errors.Is(err, ErrNotFound) {
		t.Error("nothing should have been written")
	}
}

// TestRedacted checks API key masking.
func TestRedacted(t *testing.T) {
	s := Defaults()
	s.TavilyAPIKey = "tvly-secret-9f3a"
	if got := s.Redacted().TavilyAPIKey; got != "…9f3a" {
		t.Errorf("got %q", got)
	}
	s.TavilyAPIKey = "abc"
	if got := s.Redacted().TavilyAPIKey; got != "…" {
		t.Errorf("short key: got %q", got)
	}
	if got := Defaults().Redacted().TavilyAPIKey; got != "" {
		t.Errorf("empty key: got %q", got)
	}
}

// TestVoiceProfile checks the conversion used for synthesis.
func TestVoiceProfile(t *testing.T) {
	p := VoiceSettings{VoiceName: "v", Rate: 2, Pitch: 0.5, Volume: 0.7, RoboticEffect: true}.Profile("fr-FR")
	if p.ID != "v" || p.Locale != "fr-FR" || p.Rate != 2 || p.Pitch != 0.5 || p.Volume != 0.7 || !p.Robotic {
		t.Errorf("got %+v", p)
	}
}

// TestFileStore_PersistsAndReopens checks the JSON file backend.
func TestFileStore_PersistsAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	ctx := context.Background()

	fs, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	want := Defaults()
	want.Language = "it-IT"
	want.TavilyAPIKey = "k"
	if err := NewKVRepository(fs).Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(raw), `"jarvis-response-language": "it-IT"`) {
		t.Errorf("file content:\n%s", raw)
	}

	fs2, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := NewKVRepository(fs2).Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

// TestOpenFileStore_Corrupt checks that a broken file is reported.
func TestOpenFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	os.WriteFile(path, []byte("{"), 0o644)
	if _, err := OpenFileStore(path); err == nil {
		t.Fatal("expected error")
	}
}

// TestValidateLanguage checks accepted locale shapes.
func TestValidateLanguage(t *testing.T) {
	for _, ok := range []string{"fr-FR", "en", "en_US", "zh-Hant-TW"} {
		if err := ValidateLanguage(ok); err != nil {
			t.Errorf("%q: unexpected error %v", ok, err)
		}
	}
	for _, bad := range []string{"", "f", "fr FR", "123"} {
		if err := ValidateLanguage(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}
