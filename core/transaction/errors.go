package transaction

import "errors"

var (
	// State machine violations.
	ErrConcurrentAccess = errors.New("concurrent access attempted to transaction")
	ErrNotAssociated    = errors.New("transaction not associated with goroutine")
	ErrUninitiated      = errors.New("transaction uninitiated")
	ErrDeactivated      = errors.New("transaction deactivated")
	ErrTerminated       = errors.New("transaction is terminated")
	ErrFailed           = errors.New("transaction is failed")
	ErrReferenceCount   = errors.New("transaction reference count failure")

	// Rollback-only and rollback outcomes.
	ErrRollbackTriggered = errors.New("transaction rollback triggered")
	ErrAlreadyRolledBack = errors.New("transaction already in rollback")
	ErrHeuristicRollback = errors.New("transaction heuristically rolled back")
	ErrRolledBack        = errors.New("transaction was rolled back")
	ErrCompleted         = errors.New("transaction has been completed")
	ErrAborted           = errors.New("transaction aborted")
	ErrAbortFailed       = errors.New("transaction failed to abort cleanly")
	ErrOperationFailed   = errors.New("operation failed")

	// Factory and session level.
	ErrCreateTransaction   = errors.New("error creating transaction")
	ErrSessionFailed       = errors.New("session failed")
	ErrNotWriter           = errors.New("session is not the current writing transaction")
	ErrGoroutineBusy       = errors.New("goroutine already has an active transaction")
	ErrStartedTwice        = errors.New("transaction started twice")
	ErrSuspendWriteAuto    = errors.New("attempt to suspend write transaction without setting auto-commit off")
	ErrSuspendForeign      = errors.New("attempt to suspend transaction from outside goroutine")
	ErrSessionClose        = errors.New("heuristic rollback failed on session close")
	ErrNoAssociation       = errors.New("no transaction associated with session")
	ErrAlreadyAssociated   = errors.New("session already associated with another transaction")
	ErrReadOnlyTransaction = errors.New("write requested in read-only transaction")
	ErrCleanup             = errors.New("error cleaning up transaction")
)
