package transaction

import (
	"context"
)

// TransactionalCursor steps a storage cursor inside the transaction that
// opened it. The transaction stays referenced, and so is suspended rather
// than committed between steps, until Close.
type TransactionalCursor struct {
	txn    Transaction
	cursor Cursor
	ctx    context.Context
	closed bool
	err    error
}

// NewTransactionalCursor references txn on behalf of cursor. It is normally
// called from inside an operation running on txn.
func NewTransactionalCursor(ctx context.Context, txn Transaction, cursor Cursor) (*TransactionalCursor, error) {
	if err := txn.Reference(ctx); err != nil {
		_ = cursor.Close()
		return nil, err
	}
	return &TransactionalCursor{txn: txn, cursor: cursor, ctx: ctx}, nil
}

func (c *TransactionalCursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	var more bool
	c.err = c.txn.ExecuteCursor(c.ctx, func(context.Context) error {
		more = c.cursor.Next()
		return c.cursor.Err()
	})
	return more && c.err == nil
}

func (c *TransactionalCursor) Key() []byte   { return c.cursor.Key() }
func (c *TransactionalCursor) Value() []byte { return c.cursor.Value() }

func (c *TransactionalCursor) Err() error { return c.err }

// Close closes the underlying cursor and releases the reference on the
// transaction, which may complete it.
func (c *TransactionalCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.txn.ExecuteCursor(c.ctx, func(ctx context.Context) error {
		if err := c.cursor.Close(); err != nil {
			return err
		}
		return c.txn.Dereference(ctx)
	})
}
