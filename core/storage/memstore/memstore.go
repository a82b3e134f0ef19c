// Package memstore is an in-memory storage.Store. Every transaction works on
// a copy-on-write snapshot of the committed tree and publishes it on commit.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

type Store struct {
	name   string
	logger *zap.Logger

	mu        sync.Mutex
	committed *btree.Map[string, []byte]
	version   uint64
	// preparing is the write transaction between Prepare and Commit.
	preparing *Txn
	closed    bool
}

var _ storage.Store = (*Store)(nil)

func New(name string, l *zap.Logger) *Store {
	return &Store{
		name:      name,
		logger:    logger.OrNop(l).Named("memstore").With(zap.String("store", name)),
		committed: new(btree.Map[string, []byte]),
	}
}

func (s *Store) Name() string { return s.name }

// Len returns the number of committed keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.Len()
}

func (s *Store) Begin(ctx context.Context, write bool) (storage.Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return &Txn{
		store:    s,
		write:    write,
		base:     s.version,
		snapshot: s.committed.Copy(),
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Txn is a snapshot of the store plus the writes made on it.
type Txn struct {
	store    *Store
	write    bool
	base     uint64
	snapshot *btree.Map[string, []byte]
	dirty    bool
	done     bool
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
	v, ok := t.snapshot.Get(string(key))
	if !ok {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (t *Txn) Put(_ context.Context, key, value []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	if len(key) == 0 {
		return storage.ErrEmptyKey
	}
	t.snapshot.Set(string(key), bytes.Clone(value))
	t.dirty = true
	return nil
}

func (t *Txn) Delete(_ context.Context, key []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	if _, ok := t.snapshot.Delete(string(key)); ok {
		t.dirty = true
	}
	return nil
}

func (t *Txn) Scan(_ context.Context, prefix []byte) (transaction.Cursor, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	p := string(prefix)
	var entries []storage.Entry
	t.snapshot.Ascend(p, func(k string, v []byte) bool {
		if !strings.HasPrefix(k, p) {
			return false
		}
		entries = append(entries, storage.Entry{Key: []byte(k), Value: bytes.Clone(v)})
		return true
	})
	return storage.NewSliceCursor(entries), nil
}

// Prepare fails if another transaction committed since this one began.
// A prepared write transaction blocks other prepares until it finishes.
func (t *Txn) Prepare(context.Context) (bool, error) {
	if err := t.check(false); err != nil {
		return false, err
	}
	if !t.dirty {
		return true, nil
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return false, storage.ErrClosed
	case s.preparing != nil && s.preparing != t:
		return false, fmt.Errorf("%w: another transaction is prepared", storage.ErrConflict)
	case s.version != t.base:
		return false, fmt.Errorf("%w: store at version %d, transaction began at %d", storage.ErrConflict, s.version, t.base)
	}
	s.preparing = t
	return false, nil
}

func (t *Txn) Commit(ctx context.Context) error {
	if err := t.check(false); err != nil {
		return err
	}
	if !t.dirty {
		t.done = true
		return nil
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.preparing != nil && s.preparing != t:
		return fmt.Errorf("%w: another transaction is prepared", storage.ErrConflict)
	case s.version != t.base:
		return fmt.Errorf("%w: store at version %d, transaction began at %d", storage.ErrConflict, s.version, t.base)
	}
	s.committed = t.snapshot
	s.version++
	s.preparing = nil
	t.done = true
	s.logger.Debug("Committed", zap.Uint64("version", s.version), zap.Int("keys", s.committed.Len()))
	return nil
}

func (t *Txn) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	if s.preparing == t {
		s.preparing = nil
	}
	s.mu.Unlock()
	t.snapshot = nil
	return nil
}
