package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
)

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockDB keeps rows in a map and interprets the handful of statements Store issues.
type mockDB struct {
	rows  map[string][]byte
	execs []string
	err   error
}

func newMockDB() *mockDB { return &mockDB{rows: map[string][]byte{}} }

func (m *mockDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return &mockRow{scanFunc: func(dest ...any) error {
		if m.err != nil {
			return m.err
		}
		if strings.Contains(sql, "SELECT 1") {
			*dest[0].(*int) = 1
			return nil
		}
		v, ok := m.rows[args[0].(string)]
		if !ok {
			return pgx.ErrNoRows
		}
		*dest[0].(*[]byte) = v
		return nil
	}}
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.err != nil {
		return pgconn.CommandTag{}, m.err
	}
	m.execs = append(m.execs, sql)
	switch {
	case strings.Contains(sql, "INSERT"):
		m.rows[args[0].(string)] = args[1].([]byte)
	case strings.Contains(sql, "DELETE"):
		delete(m.rows, args[0].(string))
	}
	return pgconn.CommandTag{}, nil
}

// TestStore_WithMockDB checks the store contract against the fake database.
func TestStore_WithMockDB(t *testing.T) {
	db := newMockDB()
	s := New(db)
	ctx := context.Background()

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(db.execs[0], "CREATE TABLE IF NOT EXISTS jarvis_settings") {
		t.Errorf("migrate SQL: %q", db.execs[0])
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, settings.ErrNotFound) {
		t.Fatalf("Get missing: got %v", err)
	}
	if err := s.Set(ctx, "k", []byte("fr-FR")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := s.Get(ctx, "k"); err != nil || string(v) != "fr-FR" {
		t.Fatalf("Get: got %q, %v", v, err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// TestStore_ErrorsWrapped checks that driver errors keep their identity.
func TestStore_ErrorsWrapped(t *testing.T) {
	boom := errors.New("connection reset")
	db := newMockDB()
	db.err = boom
	s := New(db)
	ctx := context.Background()

	if _, err := s.Get(ctx, "k"); !errors.Is(err, boom) {
		t.Errorf("Get: got %v", err)
	}
	if err := s.Set(ctx, "k", nil); !errors.Is(err, boom) {
		t.Errorf("Set: got %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, boom) {
		t.Errorf("Ping: got %v", err)
	}
}

// TestStore_Postgres runs the repository round trip against a real database
// when JARVIS_TEST_POSTGRES_DSN is set.
func TestStore_Postgres(t *testing.T) {
	dsn := os.Getenv("JARVIS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JARVIS_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	repo := settings.NewKVRepository(s)
	want := settings.Defaults()
	want.TavilyAPIKey = "tvly-integration"
	if err := repo.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
