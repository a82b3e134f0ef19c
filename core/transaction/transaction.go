package transaction

import (
	"context"
	"fmt"
	"time"
)

// State is the externally visible lifecycle state of a transaction branch.
type State int

const (
	StateIdle              State = iota // Created, resources not yet started
	StateActive                         // Resources started for the duration of an operation
	StateSuspended                      // Resources ended with TMSUSPEND between operations
	StateFinished                       // Resources ended for good, awaiting an outcome
	StatePrepared                       // Voted to commit, waiting for the global decision
	StateCommitted                      // Committed everywhere
	StateRolledBack                     // Rolled back cleanly
	StateHeuristicRollback              // Rolled back by the reaper or a failed operation
	StateAborted                        // Torn down locally without resource coordination
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateFinished:
		return "finished"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	case StateHeuristicRollback:
		return "heuristically-rolled-back"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further work can run in state s.
func (s State) Terminal() bool { return s >= StateCommitted }

// Transaction is one unit of work. Every method serializes on the owning
// session's mutex.
type Transaction interface {
	// ID is unique for the life of the process.
	ID() string

	// Execute runs op with the transaction's resources active. A failing
	// op rolls the transaction back before its error is returned.
	Execute(ctx context.Context, op Operation, md Metadata) error
	// ExecuteCursor runs a step of a result cursor inside the transaction
	// with the same failure handling as Execute.
	ExecuteCursor(ctx context.Context, fn func(ctx context.Context) error) error
	// Run executes fn with resources active. It is how factories drive
	// commit and rollback from inside the transaction.
	Run(ctx context.Context, fn func(ctx context.Context) error) error

	// Enlist adds r. Enlisting a second resource onto the same resource
	// manager is a no-op.
	Enlist(ctx context.Context, r EnlistableResource) error

	// HeuristicRollback rolls the transaction back on the local authority
	// of the database, recording cause.
	HeuristicRollback(ctx context.Context, cause string) error
	// AbortTransaction tears the transaction down without coordinating its
	// resources. It returns an error only if the teardown itself failed.
	AbortTransaction(ctx context.Context, msg string, cause error) error

	// Reference and Dereference maintain the keep-alive count held by open
	// cursors.
	Reference(ctx context.Context) error
	Dereference(ctx context.Context) error

	// LastActive is when the transaction last finished an operation. The
	// zero time means an operation is running now.
	LastActive() time.Time
	// RollbackCause is why the transaction was rolled back, or nil.
	RollbackCause() error
}
