// Package badgerstore provides a settings.Store backed by BadgerDB v4.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
)

// Options configures the store.
type Options struct {
	// Dir is the data directory. Required unless InMemory is set.
	Dir string

	// InMemory keeps all data in memory; used by tests.
	InMemory bool
}

// Store is a settings.Store over a Badger database.
type Store struct {
	db *badger.DB
}

var _ settings.Store = (*Store)(nil)

// Open opens or creates the database.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badgerstore: Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(slogLogger{})
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true).WithLogger(slogLogger{})
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, settings.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badgerstore: get %s: %w", key, err)
	}
	return val, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("badgerstore: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("badgerstore: delete %s: %w", key, err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// slogLogger routes Badger's logging to slog, demoting its chatty info output
// to debug.
type slogLogger struct{}

func (slogLogger) Errorf(f string, v ...any)   { slog.Error(fmt.Sprintf("badger: "+f, v...)) }
func (slogLogger) Warningf(f string, v ...any) { slog.Warn(fmt.Sprintf("badger: "+f, v...)) }
func (slogLogger) Infof(f string, v ...any)    { slog.Debug(fmt.Sprintf("badger: "+f, v...)) }
func (slogLogger) Debugf(f string, v ...any)   { slog.Debug(fmt.Sprintf("badger: "+f, v...)) }
