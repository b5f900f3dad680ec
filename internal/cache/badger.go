package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes. The output fingerprint and the payload live under separate
// keys so that Probe and fingerprint classification never page in the
// (potentially large) payload.
const (
	prefixFingerprint = "fp:"
	prefixPayload     = "res:"
)

// BadgerConfig holds configuration for the durable BadgerDB-backed store.
type BadgerConfig struct {
	// Path is the directory for the database files. Ignored when InMemory
	// is true.
	Path string

	// InMemory enables badger's in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives badger's internal logging. If nil, that logging is
	// disabled.
	Logger *slog.Logger
}

// Badger is a durable Store backed by an embedded BadgerDB.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (creating if needed) a BadgerDB-backed store.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger cache: path is required unless in-memory")
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("badger cache: creating %s: %w", cfg.Path, err)
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
		return nil, fmt.Errorf("badger cache: opening database: %w", err)
	}
	return &Badger{db: db}, nil
}

// Probe implements Store without fetching the payload.
func (b *Badger) Probe(_ context.Context, key string) (bool, error) {
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(prefixFingerprint + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("probing cache key %q: %w", key, err)
	}
	return found, nil
}

// Get implements Store.
func (b *Badger) Get(_ context.Context, key string) (*Entry, error) {
	var entry *Entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixFingerprint + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		fp, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		e := &Entry{OutputFingerprint: string(fp)}
		payloadItem, err := txn.Get([]byte(prefixPayload + key))
		if err == nil {
			if e.Payload, err = payloadItem.ValueCopy(nil); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading cache key %q: %w", key, err)
	}
	return entry, nil
}

// Put implements Store. Entries are write-once: if the key already holds a
// fingerprint the write is a no-op, keeping concurrent writers of the same
// content-addressed key idempotent.
func (b *Badger) Put(_ context.Context, key string, entry Entry) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixFingerprint + key)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set([]byte(prefixFingerprint+key), []byte(entry.OutputFingerprint)); err != nil {
			return err
		}
		if len(entry.Payload) > 0 {
			return txn.Set([]byte(prefixPayload+key), entry.Payload)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing cache key %q: %w", key, err)
	}
	return nil
}

// Close implements Store.
func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
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
