package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/transaction/local"
	"github.com/sushant-115/gojotxn/core/transaction/lock"
	"github.com/sushant-115/gojotxn/core/transaction/xa"
)

// control records which factory demarcates a session's transactions. It is
// fixed by the first call that needs one and kept for the session's life.
type control int

const (
	controlUnset control = iota
	controlInternal
	controlExternal
)

// Session is one client's view of a Database. Calls on a session are
// serialized; concurrency comes from using several sessions.
//
// A session is either internally managed (auto-commit or explicit
// Commit/Rollback) or externally managed through its XA resource, never
// both.
type Session struct {
	db       *Database
	owner    lock.Owner
	logger   *zap.Logger
	internal *transaction.InternalFactory
	external *transaction.ExternalFactory

	mu      sync.Mutex
	idle    time.Duration
	timeout time.Duration
	control control
	closed  bool
}

var _ transaction.Session = (*Session)(nil)

func newSession(d *Database) *Session {
	s := &Session{
		db:      d,
		owner:   lock.Owner(uuid.NewString()),
		idle:    d.opts.IdleTimeout,
		timeout: d.opts.TransactionTimeout,
	}
	if s.idle <= 0 {
		s.idle = transaction.DefaultIdleTimeout
	}
	if s.timeout <= 0 {
		s.timeout = transaction.DefaultTransactionTimeout
	}
	s.logger = d.logger.Named("session").With(zap.String("owner", string(s.owner)))

	cfg := transaction.FactoryConfig{
		Session:   s,
		WriteLock: d.writeLock,
		Mutex:     lock.NewMutex(),
		Reaper:    d.reaper,
		Logger:    s.logger,
		Metrics:   d.opts.Metrics,
		Tracer:    d.opts.Tracer,
	}
	s.internal = transaction.NewInternalFactory(cfg, local.NewManager(s.logger))
	s.external = transaction.NewExternalFactory(cfg)
	return s
}

func (s *Session) Owner() lock.Owner { return s.owner }

func (s *Session) IdleTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// SetIdleTimeout applies to transactions created after the call.
func (s *Session) SetIdleTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle = d
}

func (s *Session) TransactionTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *Session) SetTransactionTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

func (s *Session) NewOperationContext(write bool) (transaction.OperationContext, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	return &operationContext{db: s.db, write: write, resources: make(map[string]transaction.StorageSession)}, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// assertControl puts the session under want, failing if it is already
// under the other kind of control.
func (s *Session) assertControl(want control) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrSessionClosed
	case s.control == controlUnset:
		s.control = want
	case s.control != want && want == controlInternal:
		return ErrExternallyManaged
	case s.control != want:
		return ErrInternallyManaged
	}
	return nil
}

// transaction picks the transaction an operation runs in. A session that
// has not chosen yet becomes internally managed.
func (s *Session) transaction(ctx context.Context, write bool) (transaction.Transaction, error) {
	s.mu.Lock()
	closed := s.closed
	if s.control == controlUnset {
		s.control = controlInternal
	}
	c := s.control
	s.mu.Unlock()

	switch {
	case closed:
		return nil, ErrSessionClosed
	case c == controlExternal:
		return s.external.GetTransaction(ctx, write)
	default:
		return s.internal.GetTransaction(ctx, write)
	}
}

// Execute runs op in the session's current transaction.
func (s *Session) Execute(ctx context.Context, op transaction.Operation) error {
	txn, err := s.transaction(ctx, op.IsWriteOperation())
	if err != nil {
		return err
	}
	return txn.Execute(ctx, op, s.db.md)
}

// Get reads key from store. A missing key is reported through found rather
// than as an error, so it does not fail the transaction.
func (s *Session) Get(ctx context.Context, store string, key []byte) (value []byte, found bool, err error) {
	err = s.Execute(ctx, transaction.NewOperation(false, func(ctx context.Context, r transaction.Resolver, _ transaction.StorageSession, _ transaction.Metadata) error {
		ss, err := r.Resolve(ctx, store)
		if err != nil {
			return err
		}
		value, err = ss.Get(ctx, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		found = true
		return nil
	}))
	return value, found, err
}

func (s *Session) Put(ctx context.Context, store string, key, value []byte) error {
	return s.Execute(ctx, transaction.NewOperation(true, func(ctx context.Context, r transaction.Resolver, _ transaction.StorageSession, _ transaction.Metadata) error {
		ss, err := r.Resolve(ctx, store)
		if err != nil {
			return err
		}
		return ss.Put(ctx, key, value)
	}))
}

func (s *Session) Delete(ctx context.Context, store string, key []byte) error {
	return s.Execute(ctx, transaction.NewOperation(true, func(ctx context.Context, r transaction.Resolver, _ transaction.StorageSession, _ transaction.Metadata) error {
		ss, err := r.Resolve(ctx, store)
		if err != nil {
			return err
		}
		return ss.Delete(ctx, key)
	}))
}

// Query scans the entries of store under prefix. The transaction the scan
// ran in stays open until the cursor is closed.
func (s *Session) Query(ctx context.Context, store string, prefix []byte) (*transaction.TransactionalCursor, error) {
	txn, err := s.transaction(ctx, false)
	if err != nil {
		return nil, err
	}
	var cursor *transaction.TransactionalCursor
	err = txn.Execute(ctx, transaction.NewOperation(false, func(ctx context.Context, r transaction.Resolver, _ transaction.StorageSession, _ transaction.Metadata) error {
		ss, err := r.Resolve(ctx, store)
		if err != nil {
			return err
		}
		c, err := ss.Scan(ctx, prefix)
		if err != nil {
			return err
		}
		cursor, err = transaction.NewTransactionalCursor(ctx, txn, c)
		return err
	}), s.db.md)
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (s *Session) AutoCommit() bool { return s.internal.AutoCommit() }

// SetAutoCommit switches demarcation mode. Turning auto-commit off waits
// for the write lock; turning it on commits the explicit transaction.
func (s *Session) SetAutoCommit(ctx context.Context, on bool) error {
	if err := s.assertControl(controlInternal); err != nil {
		return err
	}
	return s.internal.SetAutoCommit(ctx, on)
}

func (s *Session) Commit(ctx context.Context) error {
	if err := s.assertControl(controlInternal); err != nil {
		return err
	}
	return s.internal.Commit(ctx)
}

func (s *Session) Rollback(ctx context.Context) error {
	if err := s.assertControl(controlInternal); err != nil {
		return err
	}
	return s.internal.Rollback(ctx)
}

// XAResource returns the handle an external coordinator uses to run write
// branches on this session. It fails once the session has demarcated a
// transaction itself.
func (s *Session) XAResource() (xa.Resource, error) {
	if err := s.assertControl(controlExternal); err != nil {
		return nil, err
	}
	return s.external.XAResource(true), nil
}

// ReadOnlyXAResource is XAResource for branches that never write.
func (s *Session) ReadOnlyXAResource() (xa.Resource, error) {
	if err := s.assertControl(controlExternal); err != nil {
		return nil, err
	}
	return s.external.XAResource(false), nil
}

// Associated reports whether an XA branch is associated with the session.
func (s *Session) Associated() bool { return s.external.HasAssociated() }

// Transactions returns the session's live transactions of both kinds.
func (s *Session) Transactions() []transaction.Transaction {
	return append(s.internal.Transactions(), s.external.Transactions()...)
}

// Close rolls back everything the session still has open and drops its
// hold on the write lock.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs error
	errs = multierr.Append(errs, s.internal.ClosingSession(ctx))
	errs = multierr.Append(errs, s.external.ClosingSession(ctx))
	if err := s.db.writeLock.ClosingSession(s.owner); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("releasing write lock: %w", err))
	}
	s.db.sessionClosed(s)
	if errs != nil {
		s.logger.Error("Errors closing session", zap.Error(errs))
	}
	return errs
}
