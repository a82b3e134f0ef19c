// Package badgerstore is a storage.Store backed by Badger. Badger's own
// optimistic transactions provide isolation; conflicts surface at commit.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

// Options configures Open.
type Options struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir        string
	InMemory   bool
	SyncWrites bool
}

type Store struct {
	name   string
	db     *badger.DB
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

var _ storage.Store = (*Store)(nil)

// badgerLogger routes badger's own logging through zap.
type badgerLogger struct{ s *zap.SugaredLogger }

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }

func Open(name string, opts Options, l *zap.Logger) (*Store, error) {
	log := logger.OrNop(l).Named("badgerstore").With(zap.String("store", name))
	bopts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(badgerLogger{s: log.Sugar()})
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store %q: %w", name, err)
	}
	log.Info("Opened badger store", zap.String("dir", opts.Dir), zap.Bool("in_memory", opts.InMemory))
	return &Store{name: name, db: db, logger: log}, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Begin(ctx context.Context, write bool) (storage.Txn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return &Txn{store: s, txn: s.db.NewTransaction(write), write: write}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("Closing badger store")
	return s.db.Close()
}

type Txn struct {
	store *Store
	txn   *badger.Txn
	write bool
	dirty bool
	done  bool
}

var _ storage.Txn = (*Txn)(nil)

func (t *Txn) check(write bool) error {
	switch {
	case t.done:
		return storage.ErrTxnDone
	case write && !t.write:
		return storage.ErrReadOnly
	}
	return nil
}

func (t *Txn) Get(_ context.Context, key []byte) ([]byte, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return item.ValueCopy(nil)
}

func (t *Txn) Put(_ context.Context, key, value []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	if len(key) == 0 {
		return storage.ErrEmptyKey
	}
	if err := t.txn.Set(key, value); err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	t.dirty = true
	return nil
}

func (t *Txn) Delete(_ context.Context, key []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	if err := t.txn.Delete(key); err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	t.dirty = true
	return nil
}

func (t *Txn) Scan(_ context.Context, prefix []byte) (transaction.Cursor, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var entries []storage.Entry
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("badger scan: %w", err)
		}
		entries = append(entries, storage.Entry{Key: item.KeyCopy(nil), Value: v})
	}
	return storage.NewSliceCursor(entries), nil
}

// Prepare cannot detect conflicts ahead of time; badger reports them from
// Commit.
func (t *Txn) Prepare(context.Context) (bool, error) {
	if err := t.check(false); err != nil {
		return false, err
	}
	return !t.write || !t.dirty, nil
}

func (t *Txn) Commit(context.Context) error {
	if err := t.check(false); err != nil {
		return err
	}
	t.done = true
	if !t.write || !t.dirty {
		t.txn.Discard()
		return nil
	}
	if err := t.txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("%w: %w", storage.ErrConflict, err)
		}
		return fmt.Errorf("badger commit: %w", err)
	}
	return nil
}

func (t *Txn) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.txn.Discard()
	return nil
}
