// Package storage defines the stores a database resolves by name and the
// native transactions they run. Each store is turned into an XA resource
// manager by package xaresource.
package storage

import (
	"context"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// Kinds of store understood by Open.
const (
	KindMemory = "memory"
	KindBolt   = "bolt"
	KindBadger = "badger"
)

// Store is a named backend able to run native transactions.
type Store interface {
	Name() string
	// Begin opens a native transaction. A read transaction rejects writes.
	Begin(ctx context.Context, write bool) (Txn, error)
	Close() error
}

// Txn is one native transaction on a Store.
type Txn interface {
	transaction.StorageSession

	// Prepare checks that Commit will succeed. readOnly reports that the
	// transaction has nothing to commit.
	Prepare(ctx context.Context) (readOnly bool, err error)
	Commit(ctx context.Context) error
	// Rollback discards the transaction. Rolling back a finished
	// transaction is a no-op.
	Rollback(ctx context.Context) error
}
