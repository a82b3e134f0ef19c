// Package boltstore is a storage.Store backed by a BoltDB file. All keys
// live in one bucket named after the store.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

// Options configures Open.
type Options struct {
	// Timeout bounds the wait for the file lock held by another process.
	Timeout time.Duration
	// NoSync skips fsync on commit. Only for tests and scratch stores.
	NoSync bool
}

type Store struct {
	name   string
	bucket []byte
	db     *bolt.DB
	logger *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates the database file at path.
func Open(name, path string, opts Options, l *zap.Logger) (*Store, error) {
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store %q at %s: %w", name, path, err)
	}
	db.NoSync = opts.NoSync
	s := &Store{
		name:   name,
		bucket: []byte(name),
		db:     db,
		logger: logger.OrNop(l).Named("boltstore").With(zap.String("store", name), zap.String("path", path)),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("creating bucket %q: %w", name, err), db.Close())
	}
	s.logger.Info("Opened bolt store")
	return s, nil
}

func (s *Store) Name() string { return s.name }

// Begin opens a bolt transaction. Bolt allows a single writer, so a second
// write Begin blocks until the first finishes.
func (s *Store) Begin(ctx context.Context, write bool) (storage.Txn, error) {
	tx, err := s.db.Begin(write)
	if err != nil {
		if errors.Is(err, bolt.ErrDatabaseNotOpen) {
			return nil, storage.ErrClosed
		}
		return nil, fmt.Errorf("beginning bolt transaction: %w", err)
	}
	return &Txn{tx: tx, bucket: tx.Bucket(s.bucket), write: write}, nil
}

func (s *Store) Close() error {
	s.logger.Info("Closing bolt store")
	return s.db.Close()
}

type Txn struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
	write  bool
	dirty  bool
	done   bool
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
	// Bolt values are only valid for the life of the transaction.
	v := t.bucket.Get(key)
	if v == nil {
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
	if value == nil {
		value = []byte{}
	}
	if err := t.bucket.Put(key, value); err != nil {
		return fmt.Errorf("bolt put: %w", err)
	}
	t.dirty = true
	return nil
}

func (t *Txn) Delete(_ context.Context, key []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	if err := t.bucket.Delete(key); err != nil {
		return fmt.Errorf("bolt delete: %w", err)
	}
	t.dirty = true
	return nil
}

func (t *Txn) Scan(_ context.Context, prefix []byte) (transaction.Cursor, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	var entries []storage.Entry
	c := t.bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		entries = append(entries, storage.Entry{Key: bytes.Clone(k), Value: bytes.Clone(v)})
	}
	return storage.NewSliceCursor(entries), nil
}

// Prepare has nothing to check: a bolt write transaction is exclusive, so
// its commit can only fail on I/O.
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
		return t.tx.Rollback()
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("bolt commit: %w", err)
	}
	return nil
}

func (t *Txn) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, bolt.ErrTxClosed) {
		return fmt.Errorf("bolt rollback: %w", err)
	}
	return nil
}
