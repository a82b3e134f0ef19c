package transaction

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction/local"
	commonutils "github.com/sushant-115/gojotxn/internal/common_utils"
)

// TransactionManager is the embedded transaction manager an InternalFactory
// drives. *local.Manager implements it.
type TransactionManager interface {
	Begin(ctx context.Context) (local.Handle, error)
	Suspend(ctx context.Context) (local.Handle, error)
	Resume(ctx context.Context, h local.Handle) error
	SetRollbackOnly() error
}

// InternalFactory creates the transactions a session demarcates itself.
//
// With auto-commit on, every write runs in its own transaction that commits
// when the operation returns. Turning auto-commit off begins a write
// transaction that spans calls until Commit or Rollback.
type InternalFactory struct {
	baseFactory
	tm TransactionManager

	// Guarded by the mutex.
	autoCommit   bool
	failed       bool
	failureCause error
	explicit     *InternalTransaction
	active       map[int64]*InternalTransaction
	transactions map[*InternalTransaction]struct{}
}

// NewInternalFactory returns a factory in auto-commit mode.
func NewInternalFactory(cfg FactoryConfig, tm TransactionManager) *InternalFactory {
	return &InternalFactory{
		baseFactory:  newBaseFactory("internal", cfg),
		tm:           tm,
		autoCommit:   true,
		active:       make(map[int64]*InternalTransaction),
		transactions: make(map[*InternalTransaction]struct{}),
	}
}

// GetTransaction returns the explicit transaction if auto-commit is off, and
// otherwise a new transaction. A write transaction holds the write lock from
// creation until it completes.
func (f *InternalFactory) GetTransaction(ctx context.Context, write bool) (Transaction, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()

	if f.explicit != nil {
		return f.explicit, nil
	}
	txn, err := f.newTransaction(ctx, write)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (f *InternalFactory) newTransaction(ctx context.Context, write bool) (*InternalTransaction, error) {
	var txn *InternalTransaction
	if write {
		if err := f.obtainWriteLock(ctx); err != nil {
			return nil, err
		}
		opCtx, err := f.session.NewOperationContext(true)
		if err != nil {
			if rerr := f.writeLock.Release(f.owner()); rerr != nil {
				f.logger.Error("Releasing write lock after failed create", zap.Error(rerr))
			}
			return nil, fmt.Errorf("%w: write transaction: %w", ErrCreateTransaction, err)
		}
		txn = newInternalTransaction(f, opCtx)
		f.writeTxn = txn
	} else {
		opCtx, err := f.session.NewOperationContext(false)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCreateTransaction, err)
		}
		txn = newInternalTransaction(f, opCtx)
	}
	f.transactions[txn] = struct{}{}
	f.transactionCreated(ctx, txn)
	return txn, nil
}

// Transactions returns the session's live transactions.
func (f *InternalFactory) Transactions() []Transaction {
	if err := f.acquire(context.Background()); err != nil {
		return nil
	}
	defer f.release()
	return f.list()
}

func (f *InternalFactory) list() []Transaction {
	txns := make([]Transaction, 0, len(f.transactions))
	for txn := range f.transactions {
		txns = append(txns, txn)
	}
	return txns
}

// AutoCommit reports the session's demarcation mode.
func (f *InternalFactory) AutoCommit() bool {
	if err := f.acquire(context.Background()); err != nil {
		return true
	}
	defer f.release()
	return f.autoCommit
}

func (f *InternalFactory) failedErr(op string) error {
	if f.failureCause == nil {
		return fmt.Errorf("%s: %w", op, ErrSessionFailed)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrSessionFailed, f.failureCause)
}

func (f *InternalFactory) writeTransaction() *InternalTransaction {
	wt, _ := f.writeTxn.(*InternalTransaction)
	return wt
}

// Commit commits the explicit transaction and begins the next one. The
// write lock stays reserved for the session in between.
func (f *InternalFactory) Commit(ctx context.Context) (err error) {
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.release()

	if f.failed {
		return f.failedErr("commit")
	}
	owner := f.owner()
	if !f.writeLock.IsHeldBy(owner) {
		return fmt.Errorf("commit: %w", ErrNotWriter)
	}
	if err := f.writeLock.Reserve(owner); err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.writeLock.ReleaseReserve(owner)) }()

	if err := f.setAutoCommit(ctx, true); err != nil {
		return err
	}
	return f.setAutoCommit(ctx, false)
}

// Rollback rolls back the explicit transaction and begins the next one. On
// a failed session it only clears the failure.
func (f *InternalFactory) Rollback(ctx context.Context) (err error) {
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.release()

	owner := f.owner()
	switch {
	case f.writeLock.IsHeldBy(owner):
		if err := f.writeLock.Reserve(owner); err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, f.writeLock.ReleaseReserve(owner)) }()

		if wt := f.writeTransaction(); wt != nil {
			err = wt.Run(ctx, func(ctx context.Context) error {
				if err := wt.Dereference(ctx); err != nil {
					return err
				}
				return wt.explicitRollback(ctx)
			})
			if f.writeLock.IsHeldBy(owner) {
				// Still referenced by something, so end it by force.
				aerr := wt.AbortTransaction(ctx, "rollback failed", fmt.Errorf("%w: rollback did not end write transaction", ErrRolledBack))
				err = multierr.Append(err, aerr)
			}
		}
		if f.writeLock.IsHeldBy(owner) {
			err = multierr.Append(err, f.writeLock.Release(owner))
			f.writeTxn = nil
		}
		f.explicit = nil
		return multierr.Append(err, f.setAutoCommit(ctx, false))
	case f.failed:
		f.explicit = nil
		f.failed = false
		f.failureCause = nil
		return f.setAutoCommit(ctx, false)
	default:
		return fmt.Errorf("rollback: %w", ErrNotWriter)
	}
}

// SetAutoCommit switches demarcation mode. Turning it off begins a write
// transaction; turning it back on commits that transaction. Repeating the
// current mode is a no-op.
func (f *InternalFactory) SetAutoCommit(ctx context.Context, on bool) error {
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.release()
	return f.setAutoCommit(ctx, on)
}

func (f *InternalFactory) setAutoCommit(ctx context.Context, on bool) error {
	owner := f.owner()
	if f.writeLock.IsHeldBy(owner) && f.failed {
		if wt := f.writeTransaction(); wt != nil {
			if err := wt.AbortTransaction(ctx, "session failed and still holding write lock", ErrSessionFailed); err != nil {
				f.logger.Error("Aborting write transaction of failed session", zap.Error(err))
			}
		}
	}

	if f.writeLock.IsHeldBy(owner) || f.failed {
		if !on {
			if !f.writeLock.IsHeldBy(owner) {
				return f.failedErr("set auto-commit off")
			}
			f.logger.Debug("Attempt to set auto-commit off twice")
			return nil
		}

		f.autoCommit = true
		f.explicit = nil
		if !f.writeLock.IsHeldBy(owner) {
			f.failed = false
			f.failureCause = nil
			return nil
		}

		var err error
		if wt := f.writeTransaction(); wt != nil {
			err = wt.Run(ctx, func(ctx context.Context) error {
				if err := wt.Dereference(ctx); err != nil {
					return err
				}
				return wt.commitTransaction(ctx)
			})
		}
		// Normally released by the commit, but never leave it held.
		if f.writeLock.IsHeldBy(owner) {
			err = multierr.Append(err, f.writeLock.Release(owner))
			f.writeTxn = nil
		}
		return err
	}

	f.explicit = nil
	if on {
		f.logger.Debug("Attempt to set auto-commit on without setting it off")
		return nil
	}
	txn, err := f.newTransaction(ctx, true)
	if err != nil {
		return err
	}
	if err := txn.Reference(ctx); err != nil {
		return err
	}
	f.explicit = txn
	f.autoCommit = false
	return nil
}

func (f *InternalFactory) transactionStart(ctx context.Context, txn *InternalTransaction) (local.Handle, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()

	f.logger.Debug("Beginning transaction", zap.String("txn", txn.ID()))
	gid := commonutils.GoroutineID()
	if _, ok := f.active[gid]; ok {
		return nil, ErrGoroutineBusy
	}
	if f.isActive(txn) {
		return nil, ErrStartedTwice
	}
	h, err := f.tm.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("transaction begin failed: %w", err)
	}
	f.active[gid] = txn
	return h, nil
}

func (f *InternalFactory) transactionResumed(ctx context.Context, txn *InternalTransaction, h local.Handle) error {
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.release()

	gid := commonutils.GoroutineID()
	if _, ok := f.active[gid]; ok {
		return fmt.Errorf("resume: %w", ErrGoroutineBusy)
	}
	if f.isActive(txn) {
		return fmt.Errorf("resume active transaction: %w", ErrStartedTwice)
	}
	if err := f.tm.Resume(ctx, h); err != nil {
		return fmt.Errorf("resume failed: %w", err)
	}
	f.active[gid] = txn
	return nil
}

func (f *InternalFactory) transactionSuspended(ctx context.Context, txn *InternalTransaction) (local.Handle, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()

	gid := commonutils.GoroutineID()
	h, err := f.suspend(ctx, gid, txn)
	if err != nil {
		f.logger.Error("Attempt to suspend failed", zap.String("txn", txn.ID()), zap.Error(err))
		if rerr := f.tm.SetRollbackOnly(); rerr != nil {
			f.logger.Error("Attempt to set rollback-only failed", zap.Error(rerr))
		}
		return nil, fmt.Errorf("suspend failed: %w", err)
	}
	delete(f.active, gid)
	return h, nil
}

func (f *InternalFactory) suspend(ctx context.Context, gid int64, txn *InternalTransaction) (local.Handle, error) {
	if f.active[gid] != txn {
		return nil, ErrSuspendForeign
	}
	if f.autoCommit && Transaction(txn) == f.writeTxn {
		return nil, ErrSuspendWriteAuto
	}
	return f.tm.Suspend(ctx)
}

func (f *InternalFactory) isActive(txn *InternalTransaction) bool {
	for _, t := range f.active {
		if t == txn {
			return true
		}
	}
	return false
}

// transactionComplete forgets txn and releases the write lock if txn held
// it.
func (f *InternalFactory) transactionComplete(ctx context.Context, txn *InternalTransaction) error {
	if err := f.acquire(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	defer f.release()

	f.baseFactory.transactionComplete(ctx, txn)
	f.logger.Debug("Transaction complete", zap.String("txn", txn.ID()))

	var err error
	if Transaction(txn) == f.writeTxn && f.writeLock.IsHeldBy(f.owner()) {
		err = f.writeLock.Release(f.owner())
		f.writeTxn = nil
	}
	delete(f.transactions, txn)
	for gid, t := range f.active {
		if t == txn {
			delete(f.active, gid)
		}
	}
	return err
}

// transactionAborted completes txn. A dead explicit transaction marks the
// session failed until the client rolls back.
func (f *InternalFactory) transactionAborted(ctx context.Context, txn *InternalTransaction, cause error) {
	if err := f.acquire(context.WithoutCancel(ctx)); err != nil {
		f.logger.Error("Error managing transaction abort", zap.Error(err))
		return
	}
	defer f.release()

	if !f.autoCommit && Transaction(txn) == f.writeTxn {
		f.failed = true
		f.failureCause = cause
	}
	if err := f.transactionComplete(ctx, txn); err != nil {
		f.logger.Error("Error managing transaction abort", zap.Error(err))
	}
}

// ClosingSession rolls back every transaction of the session, interrupting
// any operation still running on it. Cleanup runs to completion even if ctx
// is already done.
func (f *InternalFactory) ClosingSession(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if err := f.acquireWithInterrupt(ctx); err != nil {
		return err
	}
	defer f.release()

	err := f.closingSession(ctx, f.list)
	f.transactions = make(map[*InternalTransaction]struct{})
	f.active = make(map[int64]*InternalTransaction)
	f.explicit = nil
	return err
}
