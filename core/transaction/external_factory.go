package transaction

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction/xa"
)

// ExternalFactory creates the transactions an external coordinator
// demarcates through the session's xa.Resource. At most one of them is
// associated with the session at a time.
type ExternalFactory struct {
	baseFactory
	resources *ResourceContext

	// Guarded by the mutex.
	associated   *ExternalTransaction
	transactions map[*ExternalTransaction]struct{}
}

func NewExternalFactory(cfg FactoryConfig) *ExternalFactory {
	f := &ExternalFactory{
		baseFactory:  newBaseFactory("external", cfg),
		transactions: make(map[*ExternalTransaction]struct{}),
	}
	f.resources = newResourceContext(f)
	return f
}

// XAResource returns the handle a coordinator uses to drive this session.
// Branches it starts are write transactions if write is set.
func (f *ExternalFactory) XAResource(write bool) xa.Resource {
	return f.resources.Resource(write)
}

// CreateTransaction starts a branch for xid and associates it with the
// session.
func (f *ExternalFactory) CreateTransaction(ctx context.Context, xid xa.Xid, write bool) (*ExternalTransaction, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()

	if f.associated != nil {
		return nil, fmt.Errorf("create transaction: %w", ErrAlreadyAssociated)
	}
	if write {
		if err := f.obtainWriteLock(ctx); err != nil {
			return nil, err
		}
	}
	txn, err := f.newTransaction(xa.IDOf(xid), write)
	if err != nil {
		if write {
			if rerr := f.writeLock.Release(f.owner()); rerr != nil {
				f.logger.Error("Releasing write lock after failed create", zap.Error(rerr))
			}
		}
		return nil, fmt.Errorf("%w: %w", ErrCreateTransaction, err)
	}
	if write {
		f.writeTxn = txn
	}
	f.transactions[txn] = struct{}{}
	f.associated = txn
	f.transactionCreated(ctx, txn)
	return txn, nil
}

func (f *ExternalFactory) newTransaction(xid xa.ID, write bool) (*ExternalTransaction, error) {
	opCtx, err := f.session.NewOperationContext(write)
	if err != nil {
		return nil, err
	}
	return newExternalTransaction(f, xid, write, opCtx)
}

// GetTransaction returns the associated transaction. Asking for a write
// transaction when the branch was started read-only is an error.
func (f *ExternalFactory) GetTransaction(ctx context.Context, write bool) (Transaction, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()

	switch {
	case f.associated == nil:
		return nil, ErrNoAssociation
	case write && !f.associated.write:
		return nil, ErrReadOnlyTransaction
	}
	return f.associated, nil
}

// Associated returns the associated transaction, or nil.
func (f *ExternalFactory) Associated() *ExternalTransaction {
	if err := f.acquire(context.Background()); err != nil {
		return nil
	}
	defer f.release()
	return f.associated
}

func (f *ExternalFactory) HasAssociated() bool {
	return f.Associated() != nil
}

// Associate makes txn the session's transaction. It reports false if
// another transaction is already associated.
func (f *ExternalFactory) Associate(txn *ExternalTransaction) bool {
	if err := f.acquire(context.Background()); err != nil {
		return false
	}
	defer f.release()

	if f.associated != nil && f.associated != txn {
		return false
	}
	f.associated = txn
	return true
}

// Disassociate clears the association with txn. It fails only if a
// different transaction is associated.
func (f *ExternalFactory) Disassociate(txn *ExternalTransaction) error {
	if err := f.acquire(context.Background()); err != nil {
		return err
	}
	defer f.release()

	switch f.associated {
	case nil:
	case txn:
		f.associated = nil
	default:
		return fmt.Errorf("disassociate %s: %w", txn.ID(), ErrAlreadyAssociated)
	}
	return nil
}

// Transactions returns the session's live transactions.
func (f *ExternalFactory) Transactions() []Transaction {
	if err := f.acquire(context.Background()); err != nil {
		return nil
	}
	defer f.release()
	return f.list()
}

func (f *ExternalFactory) list() []Transaction {
	txns := make([]Transaction, 0, len(f.transactions))
	for txn := range f.transactions {
		txns = append(txns, txn)
	}
	return txns
}

func (f *ExternalFactory) transactionComplete(ctx context.Context, txn *ExternalTransaction) error {
	if err := f.acquire(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	defer f.release()

	f.baseFactory.transactionComplete(ctx, txn)
	f.logger.Debug("Transaction complete", zap.String("txn", txn.ID()))

	var err error
	if Transaction(txn) == f.writeTxn {
		if f.writeLock.IsHeldBy(f.owner()) {
			err = f.writeLock.Release(f.owner())
		}
		f.writeTxn = nil
	}
	delete(f.transactions, txn)
	if f.associated == txn {
		f.associated = nil
	}
	return err
}

// ClosingSession rolls back every branch of the session, interrupting any
// verb still running on it. Cleanup runs to completion even if ctx is
// already done.
func (f *ExternalFactory) ClosingSession(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if err := f.acquireWithInterrupt(ctx); err != nil {
		return err
	}
	defer f.release()

	err := f.closingSession(ctx, f.list)
	f.transactions = make(map[*ExternalTransaction]struct{})
	f.associated = nil
	f.resources.clear()
	return err
}
