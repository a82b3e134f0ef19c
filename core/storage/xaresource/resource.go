package xaresource

import (
	"context"

	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/transaction/xa"
)

// Resource is one session's handle onto a Manager. It is the xa.Resource a
// transaction enlists, and the storage session operations use while a
// branch is associated with it.
type Resource struct {
	m     *Manager
	write bool

	// Guarded by m.mu.
	current *branch
}

var (
	_ xa.Resource                    = (*Resource)(nil)
	_ transaction.EnlistableResource = (*Resource)(nil)
	_ transaction.StorageSession     = (*Resource)(nil)
)

func (r *Resource) Manager() *Manager { return r.m }

func (r *Resource) XAResource() (xa.Resource, error) { return r, nil }

// Abort rolls back every branch this handle started without waiting for
// the coordinator.
func (r *Resource) Abort() error {
	return r.m.abort(context.Background(), r)
}

func (r *Resource) Start(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	return r.m.start(ctx, r, xid, flags)
}

func (r *Resource) End(_ context.Context, xid xa.Xid, flags xa.Flags) error {
	return r.m.end(r, xid, flags)
}

func (r *Resource) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	b, err := r.m.lookup(xid)
	if err != nil {
		return 0, err
	}
	return r.m.prepare(ctx, b)
}

func (r *Resource) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	return r.m.commit(ctx, xid, onePhase)
}

func (r *Resource) Rollback(ctx context.Context, xid xa.Xid) error {
	return r.m.rollback(ctx, xid)
}

// Forget discards a heuristically completed branch.
func (r *Resource) Forget(ctx context.Context, xid xa.Xid) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	b, err := r.m.lookup(xid)
	if err != nil {
		return err
	}
	if err := r.m.forget(ctx, b); err != nil {
		return xa.Wrap(xa.RMErr, err, "forget")
	}
	return nil
}

// Recover reports nothing: native transactions do not outlive the process.
func (r *Resource) Recover(context.Context, xa.Flags) ([]xa.Xid, error) { return nil, nil }

func (r *Resource) IsSameRM(other xa.Resource) bool {
	o, ok := other.(*Resource)
	return ok && o.m == r.m
}

func (r *Resource) TransactionTimeout() (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.timeout, nil
}

func (r *Resource) SetTransactionTimeout(seconds int) (bool, error) {
	if seconds < 0 {
		return false, xa.Errorf(xa.Inval, "negative transaction timeout %d", seconds)
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.timeout = seconds
	return true, nil
}

// txn returns the native transaction of the associated branch.
func (r *Resource) txn() (storage.Txn, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.current == nil {
		return nil, storage.ErrNotAssociated
	}
	return r.current.txn, nil
}

func (r *Resource) Get(ctx context.Context, key []byte) ([]byte, error) {
	t, err := r.txn()
	if err != nil {
		return nil, err
	}
	return t.Get(ctx, key)
}

func (r *Resource) Put(ctx context.Context, key, value []byte) error {
	t, err := r.txn()
	if err != nil {
		return err
	}
	return t.Put(ctx, key, value)
}

func (r *Resource) Delete(ctx context.Context, key []byte) error {
	t, err := r.txn()
	if err != nil {
		return err
	}
	return t.Delete(ctx, key)
}

func (r *Resource) Scan(ctx context.Context, prefix []byte) (transaction.Cursor, error) {
	t, err := r.txn()
	if err != nil {
		return nil, err
	}
	return t.Scan(ctx, prefix)
}
