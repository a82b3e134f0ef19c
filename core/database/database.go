// Package database ties stores, the write lock and the transaction factories
// together. A Database owns the stores and the per-database write lock; each
// Session is one client's serialized view of it with its own internal and
// external transaction factories.
package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/storage/badgerstore"
	"github.com/sushant-115/gojotxn/core/storage/boltstore"
	"github.com/sushant-115/gojotxn/core/storage/memstore"
	"github.com/sushant-115/gojotxn/core/storage/xaresource"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/transaction/lock"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

// Options configures Open.
type Options struct {
	Name        string
	SystemStore string
	// Zero timeouts fall back to the transaction package defaults.
	IdleTimeout        time.Duration
	TransactionTimeout time.Duration

	Logger  *zap.Logger
	Metrics *internaltelemetry.TxnMetrics
	Tracer  trace.Tracer
}

type Database struct {
	opts      Options
	logger    *zap.Logger
	writeLock *lock.WriteLock
	reaper    *transaction.Reaper
	stores    map[string]*xaresource.Manager
	md        transaction.Metadata

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// Open creates a database over stores. The database owns the stores and
// closes them on Close.
func Open(opts Options, stores ...storage.Store) (*Database, error) {
	if opts.SystemStore == "" {
		opts.SystemStore = config.DefaultSystemStore
	}
	l := logger.OrNop(opts.Logger).Named("database").With(zap.String("db", opts.Name))

	d := &Database{
		opts:      opts,
		logger:    l,
		writeLock: lock.NewWriteLock(l, opts.Metrics),
		stores:    make(map[string]*xaresource.Manager, len(stores)),
		md:        transaction.Metadata{Database: opts.Name, SystemStore: opts.SystemStore},
		sessions:  make(map[*Session]struct{}),
	}
	for _, s := range stores {
		if _, ok := d.stores[s.Name()]; ok {
			return nil, multierr.Append(fmt.Errorf("%w: %q", ErrDuplicateStore, s.Name()), closeStores(stores))
		}
		d.stores[s.Name()] = xaresource.NewManager(s, l)
	}
	if _, ok := d.stores[opts.SystemStore]; !ok {
		return nil, multierr.Append(fmt.Errorf("%w: %q", ErrNoSystemStore, opts.SystemStore), closeStores(stores))
	}
	d.reaper = transaction.NewReaper(l)

	l.Info("Database opened", zap.Int("stores", len(stores)), zap.String("system_store", opts.SystemStore))
	return d, nil
}

// OpenConfig opens the stores described by cfg and a database over them.
func OpenConfig(cfg config.Config, l *zap.Logger, metrics *internaltelemetry.TxnMetrics, tracer trace.Tracer) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var stores []storage.Store
	for _, sc := range cfg.Stores {
		s, err := OpenStore(sc, l)
		if err != nil {
			return nil, multierr.Append(err, closeStores(stores))
		}
		stores = append(stores, s)
	}
	return Open(Options{
		Name:               cfg.Database.Name,
		SystemStore:        cfg.Database.SystemStore,
		IdleTimeout:        cfg.Database.IdleTimeout,
		TransactionTimeout: cfg.Database.TransactionTimeout,
		Logger:             l,
		Metrics:            metrics,
		Tracer:             tracer,
	}, stores...)
}

// OpenStore opens one store from its configuration.
func OpenStore(sc config.StoreConfig, l *zap.Logger) (storage.Store, error) {
	switch sc.Kind {
	case storage.KindMemory:
		return memstore.New(sc.Name, l), nil
	case storage.KindBolt:
		return boltstore.Open(sc.Name, sc.Path, boltstore.Options{NoSync: sc.NoSync}, l)
	case storage.KindBadger:
		return badgerstore.Open(sc.Name, badgerstore.Options{Dir: sc.Path, InMemory: sc.InMemory, SyncWrites: !sc.NoSync}, l)
	default:
		return nil, fmt.Errorf("%w %q", storage.ErrUnknownKind, sc.Kind)
	}
}

func closeStores(stores []storage.Store) error {
	var errs error
	for _, s := range stores {
		errs = multierr.Append(errs, s.Close())
	}
	return errs
}

func (d *Database) Name() string { return d.opts.Name }

// WriteLock is the database's single write permit.
func (d *Database) WriteLock() *lock.WriteLock { return d.writeLock }

// Stores returns the registered store names.
func (d *Database) Stores() []string {
	names := make([]string, 0, len(d.stores))
	for name := range d.stores {
		names = append(names, name)
	}
	return names
}

func (d *Database) manager(name string) (*xaresource.Manager, error) {
	m, ok := d.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, name)
	}
	return m, nil
}

// NewSession opens a session in auto-commit mode.
func (d *Database) NewSession() (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDatabaseClosed
	}
	s := newSession(d)
	d.sessions[s] = struct{}{}
	return s, nil
}

// Sessions returns the number of open sessions.
func (d *Database) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *Database) sessionClosed(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, s)
}

// Close closes every open session, rolling back their transactions, then
// stops the reaper and closes the stores.
func (d *Database) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sessions := make([]*Session, 0, len(d.sessions))
	for s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	var errs error
	for _, s := range sessions {
		errs = multierr.Append(errs, s.Close(ctx))
	}
	d.reaper.Stop()
	for _, m := range d.stores {
		errs = multierr.Append(errs, m.Store().Close())
	}
	d.logger.Info("Database closed", zap.Error(errs))
	return errs
}
