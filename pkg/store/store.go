// Package store persists analysis snapshots in BadgerDB.
//
// Keys are "analysis/<id>"; values are the JSON produced by
// emfit.Analysis.Snapshot.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/kacperjurak/emfit"
)

const analysisPrefix = "analysis/"

// ErrNotFound is returned when no analysis is stored under an ID.
var ErrNotFound = errors.New("analysis not found")

// Config holds configuration for a Store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory. Used by tests and by the server
	// when no store path is configured.
	InMemory   bool
	SyncWrites bool
	// Logger receives badger's internal logging. Nil disables it.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB-backed analysis store. It is safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens or creates a store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(id string) []byte { return []byte(analysisPrefix + id) }

// Put stores raw snapshot bytes under id.
func (s *Store) Put(_ context.Context, id string, data []byte) error {
	if id == "" {
		return fmt.Errorf("empty analysis id: %w", emfit.ErrInvalidInput)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(id), data)
	})
}

// Get returns the snapshot bytes stored under id.
func (s *Store) Get(_ context.Context, id string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return out, err
}

// Delete removes an analysis. Deleting a missing ID returns ErrNotFound.
func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%s: %w", id, ErrNotFound)
			}
			return err
		}
		return txn.Delete(key(id))
	})
}

// List returns every stored analysis ID in key order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var ids []string
	prefix := []byte(analysisPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			k := it.Item().Key()
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

// SaveAnalysis snapshots a and stores it under its ID.
func (s *Store) SaveAnalysis(ctx context.Context, a *emfit.Analysis) error {
	data, err := a.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", a.ID, err)
	}
	return s.Put(ctx, a.ID, data)
}

// LoadAnalysis restores a stored analysis and binds it to db and calc.
func (s *Store) LoadAnalysis(ctx context.Context, id string, db emfit.Database, calc emfit.IntensityCalculator, logger *slog.Logger) (*emfit.Analysis, error) {
	data, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return emfit.Restore(data, db, calc, logger)
}
