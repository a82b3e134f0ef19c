package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction/lock"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

const (
	DefaultIdleTimeout        = 15 * time.Minute
	DefaultTransactionTimeout = 60 * time.Minute

	causeIdleTimeout        = "idle-timeout"
	causeTransactionTimeout = "transaction-timeout"
)

// FactoryConfig holds what every transaction factory of one session shares
// with the rest of the database.
type FactoryConfig struct {
	Session   Session
	WriteLock *lock.WriteLock
	// Mutex serializes the session's calls. Both factories of a session use
	// the same one.
	Mutex   *lock.Mutex
	Reaper  *Reaper
	Logger  *zap.Logger
	Metrics *internaltelemetry.TxnMetrics
	Tracer  trace.Tracer
}

// baseFactory is the part shared by the internal and external factories: the
// session mutex, the per-transaction reapers, the write transaction and the
// session-close protocol.
type baseFactory struct {
	kind      string
	session   Session
	writeLock *lock.WriteLock
	mutex     *lock.Mutex
	reaper    *Reaper
	logger    *zap.Logger
	metrics   *internaltelemetry.TxnMetrics
	tracer    trace.Tracer

	tasksMu sync.Mutex
	tasks   map[Transaction]*txnReaper

	// writeTxn is guarded by mutex.
	writeTxn Transaction
}

func newBaseFactory(kind string, cfg FactoryConfig) baseFactory {
	if cfg.Mutex == nil {
		cfg.Mutex = lock.NewMutex()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return baseFactory{
		kind:      kind,
		session:   cfg.Session,
		writeLock: cfg.WriteLock,
		mutex:     cfg.Mutex,
		reaper:    cfg.Reaper,
		logger:    logger.OrNop(cfg.Logger).Named(kind + "-factory"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		tasks:     make(map[Transaction]*txnReaper),
	}
}

func (f *baseFactory) owner() lock.Owner { return f.session.Owner() }

func (f *baseFactory) acquire(ctx context.Context) error {
	return f.mutex.Acquire(ctx, 0)
}

func (f *baseFactory) acquireWithInterrupt(ctx context.Context) error {
	return f.mutex.AcquireWithInterrupt(ctx, 0)
}

func (f *baseFactory) release() {
	if err := f.mutex.Release(); err != nil {
		f.logger.DPanic("Releasing session mutex", zap.Error(err))
	}
}

// obtainWriteLock waits for the write lock. The wait ends early if another
// goroutine interrupts the session.
func (f *baseFactory) obtainWriteLock(ctx context.Context) error {
	bound, cancel := f.mutex.Bind(ctx)
	defer cancel()

	if err := f.writeLock.Obtain(bound, f.owner()); err != nil {
		return fmt.Errorf("%w: obtaining write lock: %w", ErrCreateTransaction, err)
	}
	return nil
}

// transactionCreated registers a reaper for txn using the session's
// timeouts, falling back to the defaults when they are unset.
func (f *baseFactory) transactionCreated(ctx context.Context, txn Transaction) {
	idle := f.session.IdleTimeout()
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	timeout := f.session.TransactionTimeout()
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}
	now := time.Now()

	if f.reaper != nil {
		f.tasksMu.Lock()
		f.tasks[txn] = f.newTxnReaper(txn, now.Add(timeout), idle, now)
		f.tasksMu.Unlock()
	}
	f.metrics.Started(ctx, f.kind)
	f.logger.Debug("Timeouts set for transaction",
		zap.String("txn", txn.ID()),
		zap.Duration("idle_timeout", idle),
		zap.Duration("txn_timeout", timeout))
}

// transactionComplete cancels txn's reaper.
func (f *baseFactory) transactionComplete(ctx context.Context, txn Transaction) {
	f.tasksMu.Lock()
	r, ok := f.tasks[txn]
	delete(f.tasks, txn)
	f.tasksMu.Unlock()
	if !ok {
		return
	}
	f.reaper.Cancel(r.task)

	outcome := "committed"
	if cause := txn.RollbackCause(); cause != nil {
		outcome = "rolledback"
	}
	f.metrics.Completed(ctx, f.kind, outcome)
}

// registered reports whether txn still has a reaper.
func (f *baseFactory) registered(txn Transaction) bool {
	f.tasksMu.Lock()
	defer f.tasksMu.Unlock()
	_, ok := f.tasks[txn]
	return ok
}

// closingSession heuristically rolls back every transaction of the session.
// The caller holds the mutex. The write transaction goes first; list is
// consulted afterwards so that transactions completed by that rollback are
// not visited twice. Transactions that fail to roll back are aborted. All
// reapers are cancelled and the write lock released whatever happens; the
// first rollback error is returned.
func (f *baseFactory) closingSession(ctx context.Context, list func() []Transaction) error {
	f.logger.Debug("Cleaning up any stale transactions on session close")

	var first error
	requiresAbort := make(map[Transaction]error)

	owner := f.owner()
	if f.writeLock.IsHeldBy(owner) {
		f.logger.Debug("Session holds write-lock")
		if wt := f.writeTxn; wt != nil {
			f.logger.Warn("Terminating session while holding writelock",
				zap.String("owner", string(owner)), zap.String("txn", wt.ID()))
			err := wt.Run(ctx, func(ctx context.Context) error {
				return wt.HeuristicRollback(ctx, "session closed while holding write lock")
			})
			if err != nil {
				requiresAbort[wt] = err
				first = err
			}
			f.writeTxn = nil
		}
		if f.writeLock.IsHeldBy(owner) {
			if err := f.writeLock.Release(owner); err != nil {
				f.logger.Error("Releasing write lock on session close", zap.Error(err))
				if first == nil {
					first = err
				}
			}
		}
	} else {
		f.logger.Debug("Session does not hold write-lock")
	}

	for _, txn := range list() {
		if _, ok := requiresAbort[txn]; ok {
			continue
		}
		err := txn.Run(ctx, func(ctx context.Context) error {
			return txn.HeuristicRollback(ctx, "rollback due to session close")
		})
		if err != nil {
			requiresAbort[txn] = err
			if first == nil {
				first = err
			}
		}
	}

	f.abortTransactions(ctx, requiresAbort)

	f.tasksMu.Lock()
	for txn, r := range f.tasks {
		f.reaper.Cancel(r.task)
		delete(f.tasks, txn)
	}
	f.tasksMu.Unlock()

	if first != nil {
		return fmt.Errorf("%w: %w", ErrSessionClose, first)
	}
	return nil
}

// abortTransactions aborts each transaction that failed to roll back. Errors
// are logged so they never replace the error that triggered the abort.
func (f *baseFactory) abortTransactions(ctx context.Context, requiresAbort map[Transaction]error) {
	if len(requiresAbort) == 0 {
		return
	}
	f.logger.Error("Heuristic rollback failed on session close - aborting", zap.Int("transactions", len(requiresAbort)))

	var errs error
	for txn, cause := range requiresAbort {
		if err := txn.AbortTransaction(ctx, "heuristic rollback failed on session close", cause); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("aborting %s: %w", txn.ID(), err))
		}
	}
	if errs != nil {
		f.logger.Error("Error aborting transactions after heuristic rollback failure on session close", zap.Error(errs))
	}
}

// txnReaper watches one transaction. It wakes at the earlier of the absolute
// deadline and the idle expiry, and either reschedules itself or hands the
// transaction to a new goroutine for heuristic rollback.
type txnReaper struct {
	factory  *baseFactory
	txn      Transaction
	deadline time.Time
	idle     time.Duration
	task     *ScheduledTask
}

func (f *baseFactory) newTxnReaper(txn Transaction, deadline time.Time, idle time.Duration, lastActive time.Time) *txnReaper {
	if lastActive.IsZero() {
		lastActive = time.Now()
	}
	next := lastActive.Add(idle)
	if deadline.Before(next) {
		next = deadline
	}
	r := &txnReaper{factory: f, txn: txn, deadline: deadline, idle: idle}
	r.task = f.reaper.Schedule(next, r.run)
	f.logger.Debug("Transaction reaper scheduled",
		zap.String("txn", txn.ID()), zap.Time("deadline", deadline), zap.Time("next_wakeup", next))
	return r
}

func (r *txnReaper) run() {
	f := r.factory
	lastActive := r.txn.LastActive()
	now := time.Now()

	f.tasksMu.Lock()
	if cur, ok := f.tasks[r.txn]; !ok || cur != r {
		f.tasksMu.Unlock()
		return
	}
	delete(f.tasks, r.txn)
	if now.Before(r.deadline) && (lastActive.IsZero() || now.Before(lastActive.Add(r.idle))) {
		f.tasks[r.txn] = f.newTxnReaper(r.txn, r.deadline, r.idle, lastActive)
		f.tasksMu.Unlock()
		return
	}
	f.tasksMu.Unlock()

	cause := causeIdleTimeout
	if !now.Before(r.deadline) {
		cause = causeTransactionTimeout
	}
	f.logger.Warn("Rolling back abandoned transaction", zap.String("txn", r.txn.ID()), zap.String("cause", cause))
	f.metrics.Reaped(context.Background(), cause)

	go func() {
		if err := r.txn.HeuristicRollback(context.Background(), cause); err != nil {
			f.logger.Warn("Error rolling back abandoned transaction", zap.String("txn", r.txn.ID()), zap.Error(err))
		}
	}()
}
