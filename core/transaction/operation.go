package transaction

import (
	"context"
	"time"

	"github.com/sushant-115/gojotxn/core/transaction/lock"
	"github.com/sushant-115/gojotxn/core/transaction/xa"
)

// StorageSession is a storage resolver's view of one transaction.
type StorageSession interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	// Scan returns the entries whose key starts with prefix, in key order.
	Scan(ctx context.Context, prefix []byte) (Cursor, error)
}

// Cursor iterates over the result of a Scan.
type Cursor interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Resolver hands out the storage sessions of a transaction by store name.
type Resolver interface {
	Resolve(ctx context.Context, name string) (StorageSession, error)
}

// Metadata describes the database an operation runs against.
type Metadata struct {
	Database    string
	SystemStore string
}

// Operation is a unit of work run inside a transaction.
type Operation interface {
	Execute(ctx context.Context, resolver Resolver, system StorageSession, md Metadata) error
	IsWriteOperation() bool
}

// OperationFunc is the signature of Operation.Execute.
type OperationFunc func(ctx context.Context, resolver Resolver, system StorageSession, md Metadata) error

type funcOperation struct {
	write bool
	fn    OperationFunc
}

// NewOperation adapts fn to an Operation.
func NewOperation(write bool, fn OperationFunc) Operation {
	return funcOperation{write: write, fn: fn}
}

func (o funcOperation) Execute(ctx context.Context, resolver Resolver, system StorageSession, md Metadata) error {
	return o.fn(ctx, resolver, system, md)
}

func (o funcOperation) IsWriteOperation() bool { return o.write }

// EnlistableResource is anything whose outcome is decided by a transaction.
type EnlistableResource interface {
	XAResource() (xa.Resource, error)
	// Abort discards the resource's work without coordination.
	Abort() error
}

// OperationContext is the per-transaction set of resolved storage sessions.
// Resolving a store for the first time enlists it in the bound transaction.
type OperationContext interface {
	Resolver
	// Initiate binds the context to txn.
	Initiate(txn Transaction) error
	SystemStore(ctx context.Context) (StorageSession, error)
	// Clear drops every resolved session.
	Clear()
}

// Session is what the factories need from a database session.
type Session interface {
	Owner() lock.Owner
	IdleTimeout() time.Duration
	TransactionTimeout() time.Duration
	SetTransactionTimeout(d time.Duration)
	NewOperationContext(write bool) (OperationContext, error)
}
