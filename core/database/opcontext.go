package database

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// operationContext resolves store names to storage sessions for one
// transaction. A store is enlisted in the transaction the first time it is
// resolved.
type operationContext struct {
	db        *Database
	write     bool
	txn       transaction.Transaction
	resources map[string]transaction.StorageSession
}

var _ transaction.OperationContext = (*operationContext)(nil)

func (c *operationContext) Initiate(txn transaction.Transaction) error {
	if c.txn != nil && c.txn != txn {
		return fmt.Errorf("initiate %s: already bound to %s", txn.ID(), c.txn.ID())
	}
	c.txn = txn
	return nil
}

func (c *operationContext) Resolve(ctx context.Context, name string) (transaction.StorageSession, error) {
	if ss, ok := c.resources[name]; ok {
		return ss, nil
	}
	if c.txn == nil {
		return nil, ErrNotInitiated
	}
	m, err := c.db.manager(name)
	if err != nil {
		return nil, err
	}
	r := m.NewResource(c.write)
	if err := c.txn.Enlist(ctx, r); err != nil {
		return nil, fmt.Errorf("resolving %q: %w", name, err)
	}
	c.resources[name] = r
	return r, nil
}

func (c *operationContext) SystemStore(ctx context.Context) (transaction.StorageSession, error) {
	return c.Resolve(ctx, c.db.opts.SystemStore)
}

func (c *operationContext) Clear() {
	clear(c.resources)
}
