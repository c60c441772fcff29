package badgerstore

import (
	"context"
	"errors"
	"testing"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
)

// TestStore_CRUD checks the basic store contract in memory.
func TestStore_CRUD(t *testing.T) {
	s, err := Open(Options{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, settings.ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get: got %q, %v", got, err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, settings.ErrNotFound) {
		t.Fatalf("Get after delete: got %v", err)
	}
}

// TestStore_PersistsAcrossReopen checks on-disk durability through the repository.
func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := settings.Defaults()
	want.Language = "en-GB"
	want.Voice.Rate = 1.5
	if err := settings.NewKVRepository(s).Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := settings.NewKVRepository(s).Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

// TestOpen_RequiresDir checks option validation.
func TestOpen_RequiresDir(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Fatal("expected error")
	}
}
