package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction/local"
	"github.com/sushant-115/gojotxn/core/transaction/xa"
	commonutils "github.com/sushant-115/gojotxn/internal/common_utils"
)

type internalState int

const (
	internalConstructedRef internalState = iota
	internalConstructedUnref
	internalActiveUnref
	internalActiveRef
	internalDeactivatedRef
	internalFinished
	internalFailed
)

func (s internalState) String() string {
	switch s {
	case internalConstructedRef:
		return "constructed-ref"
	case internalConstructedUnref:
		return "constructed-unref"
	case internalActiveUnref:
		return "active-unref"
	case internalActiveRef:
		return "active-ref"
	case internalDeactivatedRef:
		return "deactivated-ref"
	case internalFinished:
		return "finished"
	case internalFailed:
		return "failed"
	default:
		return fmt.Sprintf("internalState(%d)", int(s))
	}
}

type enlistment struct {
	enlistable EnlistableResource
	res        xa.Resource
}

// InternalTransaction is a transaction demarcated by the session itself and
// driven through the factory's local transaction manager.
//
// An unreferenced transaction commits as soon as its outermost operation
// completes. A referenced one (the explicit write transaction of a session
// with auto-commit off, or one kept open by a cursor) is suspended between
// operations and resumed by the next.
type InternalTransaction struct {
	factory *InternalFactory
	opCtx   OperationContext
	id      string
	logger  *zap.Logger

	// Guarded by the factory mutex.
	state         internalState
	handle        local.Handle
	owner         int64
	enlisted      []enlistment
	inuse         int
	using         int
	rollbackCause error

	// Unix nanoseconds of the last deactivation, -1 while an operation runs.
	deactivateTime atomic.Int64
	inCompletion   atomic.Bool
}

func newInternalTransaction(f *InternalFactory, opCtx OperationContext) *InternalTransaction {
	id := uuid.NewString()
	t := &InternalTransaction{
		factory: f,
		opCtx:   opCtx,
		id:      id,
		logger:  f.logger.With(zap.String("txn", id)),
		state:   internalConstructedUnref,
	}
	t.deactivateTime.Store(time.Now().UnixNano())
	t.logger.Debug("Created transaction")
	return t
}

func (t *InternalTransaction) ID() string { return t.id }

func (t *InternalTransaction) LastActive() time.Time {
	ts := t.deactivateTime.Load()
	if ts < 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

func (t *InternalTransaction) RollbackCause() error {
	if err := t.factory.acquire(context.Background()); err != nil {
		return nil
	}
	defer t.factory.release()
	return t.rollbackCause
}

func (t *InternalTransaction) lock(ctx context.Context, completion bool) error {
	if err := t.factory.acquire(ctx); err != nil {
		return err
	}
	if completion {
		t.inCompletion.Store(true)
	}
	return nil
}

func (t *InternalTransaction) checkOwner() error {
	gid := commonutils.GoroutineID()
	switch t.owner {
	case 0:
		return ErrNotAssociated
	case gid:
		return nil
	default:
		return ErrConcurrentAccess
	}
}

func (t *InternalTransaction) failedErr(op string) error {
	if t.rollbackCause == nil {
		return fmt.Errorf("%s: %w", op, ErrFailed)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrFailed, t.rollbackCause)
}

func (t *InternalTransaction) activate(ctx context.Context) error {
	if t.owner != 0 && t.owner != commonutils.GoroutineID() {
		return ErrConcurrentAccess
	}
	t.deactivateTime.Store(-1)

	switch t.state {
	case internalConstructedUnref, internalConstructedRef:
		ref := t.state == internalConstructedRef
		if err := t.start(ctx); err != nil {
			return err
		}
		t.inuse = 1
		t.state = internalActiveUnref
		if ref {
			t.using = 1
			t.state = internalActiveRef
		}
		if err := t.opCtx.Initiate(t); err != nil {
			return t.implicitRollback(ctx, err)
		}
	case internalDeactivatedRef:
		if err := t.resume(ctx); err != nil {
			return err
		}
		t.inuse = 1
		t.state = internalActiveRef
	case internalActiveRef, internalActiveUnref:
		t.inuse++
	case internalFinished:
		return fmt.Errorf("activate: %w", ErrTerminated)
	case internalFailed:
		return t.failedErr("activate")
	}

	if err := t.checkActivated(); err != nil {
		return t.abort(ctx, "activate failed post-condition check", err)
	}
	return nil
}

func (t *InternalTransaction) checkActivated() error {
	if err := t.checkOwner(); err != nil {
		return err
	}
	switch t.state {
	case internalActiveUnref, internalActiveRef:
		if t.inuse < 0 || t.using < 0 {
			return fmt.Errorf("%w: using %d, inuse %d", ErrReferenceCount, t.using, t.inuse)
		}
		return nil
	case internalConstructedRef, internalConstructedUnref:
		return ErrUninitiated
	case internalDeactivatedRef:
		return ErrDeactivated
	case internalFinished:
		return ErrTerminated
	default:
		return t.failedErr("check activated")
	}
}

func (t *InternalTransaction) deactivate(ctx context.Context) error {
	if err := t.checkOwner(); err != nil {
		return fmt.Errorf("deactivate: %w", err)
	}
	t.deactivateTime.Store(time.Now().UnixNano())

	switch t.state {
	case internalActiveUnref:
		if t.inuse == 1 {
			if err := t.commitTransaction(ctx); err != nil {
				return err
			}
		}
		t.inuse--
	case internalActiveRef:
		if t.inuse == 1 {
			if err := t.suspend(ctx); err != nil {
				return err
			}
		}
		t.inuse--
	case internalConstructedRef, internalConstructedUnref:
		return fmt.Errorf("deactivate: %w", ErrUninitiated)
	case internalDeactivatedRef:
		return fmt.Errorf("deactivate: %w", ErrDeactivated)
	case internalFinished:
		if t.inuse < 0 {
			t.logger.Error("Activation count failure - too many deactivations in finished transaction")
		} else {
			t.inuse--
		}
	}
	return nil
}

func (t *InternalTransaction) start(ctx context.Context) error {
	h, err := t.factory.transactionStart(ctx, t)
	if err != nil {
		return t.abort(ctx, "failed to start transaction", err)
	}
	t.handle = h
	t.owner = commonutils.GoroutineID()
	return nil
}

func (t *InternalTransaction) resume(ctx context.Context) error {
	if err := t.factory.transactionResumed(ctx, t, t.handle); err != nil {
		return t.abort(ctx, "failed to resume transaction", err)
	}
	t.owner = commonutils.GoroutineID()
	return nil
}

func (t *InternalTransaction) suspend(ctx context.Context) error {
	if t.using < 1 {
		return t.implicitRollback(ctx, fmt.Errorf("%w: suspending unreferenced transaction", ErrReferenceCount))
	}
	h, err := t.factory.transactionSuspended(ctx, t)
	if err != nil {
		return t.implicitRollback(ctx, err)
	}
	t.handle = h
	t.owner = 0
	t.state = internalDeactivatedRef
	return nil
}

// Reference keeps the transaction open across operations until the matching
// Dereference. A transaction that has not started yet may be referenced
// once.
func (t *InternalTransaction) Reference(ctx context.Context) error {
	if err := t.lock(ctx, false); err != nil {
		return err
	}
	defer t.factory.release()

	if t.owner != 0 && t.owner != commonutils.GoroutineID() {
		return fmt.Errorf("reference: %w", ErrConcurrentAccess)
	}
	switch t.state {
	case internalConstructedUnref:
		t.state = internalConstructedRef
	case internalActiveRef, internalActiveUnref:
		t.using++
		t.state = internalActiveRef
	case internalDeactivatedRef:
		t.using++
	case internalConstructedRef:
		return fmt.Errorf("reference uninitiated transaction twice: %w", ErrReferenceCount)
	case internalFinished:
		return fmt.Errorf("reference: %w", ErrTerminated)
	case internalFailed:
		return t.failedErr("reference")
	}
	return nil
}

func (t *InternalTransaction) Dereference(ctx context.Context) error {
	if err := t.lock(ctx, false); err != nil {
		return err
	}
	defer t.factory.release()

	if t.owner != 0 && t.owner != commonutils.GoroutineID() {
		return fmt.Errorf("dereference: %w", ErrConcurrentAccess)
	}
	switch t.state {
	case internalActiveRef:
		if t.using == 1 {
			t.state = internalActiveUnref
		}
		t.using--
	case internalConstructedRef:
		t.state = internalConstructedUnref
	case internalFinished, internalFailed:
		if t.using < 1 {
			t.logger.Error("Reference count failure - too many dereferences in finished transaction")
		} else {
			t.using--
		}
	case internalActiveUnref:
		return fmt.Errorf("dereference unreferenced transaction: %w", ErrReferenceCount)
	case internalConstructedUnref:
		return fmt.Errorf("dereference: %w", ErrUninitiated)
	case internalDeactivatedRef:
		return fmt.Errorf("dereference: %w", ErrDeactivated)
	}
	return nil
}

func (t *InternalTransaction) commitTransaction(ctx context.Context) error {
	if err := t.lock(ctx, true); err != nil {
		return err
	}
	defer t.factory.release()

	t.logger.Debug("Committing transaction")
	if err := t.handle.Commit(ctx); err != nil {
		return t.implicitRollback(ctx, err)
	}
	t.handle = nil
	t.state = internalFinished
	t.opCtx.Clear()
	t.enlisted = nil
	if err := t.factory.transactionComplete(ctx, t); err != nil {
		t.logger.Error("Error cleaning up transaction post-commit", zap.Error(err))
		return fmt.Errorf("%w post-commit: %w", ErrCleanup, err)
	}
	return nil
}

// HeuristicRollback rolls the transaction back, interrupting the goroutine
// currently holding the session if necessary. It does nothing if the
// transaction is already being completed elsewhere or has finished.
func (t *InternalTransaction) HeuristicRollback(ctx context.Context, cause string) error {
	if t.factory.mutex.HeldByOther() && t.inCompletion.Load() {
		return nil
	}
	if err := t.factory.acquireWithInterrupt(ctx); err != nil {
		return err
	}
	defer t.factory.release()
	t.inCompletion.Store(true)

	t.logger.Info("Heuristic rollback", zap.String("cause", cause), zap.Stringer("state", t.state))
	causeErr := fmt.Errorf("%w: %s", ErrHeuristicRollback, cause)

	var err error
	switch t.state {
	case internalDeactivatedRef:
		if err = t.activate(ctx); err != nil {
			return err
		}
		err = t.implicitRollback(ctx, causeErr)
		t.owner = 0
	case internalActiveUnref, internalActiveRef:
		err = t.implicitRollback(ctx, causeErr)
	case internalConstructedRef, internalConstructedUnref:
		// Nothing has started, so there is nothing to roll back.
		err = t.abort(ctx, cause, causeErr)
		if errors.Is(err, ErrAborted) {
			err = nil
		}
	default:
		return nil
	}
	if errors.Is(err, ErrRollbackTriggered) {
		return nil
	}
	return err
}

func (t *InternalTransaction) explicitRollback(ctx context.Context) error {
	if err := t.lock(ctx, true); err != nil {
		return err
	}
	defer t.factory.release()

	if err := t.checkOwner(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	switch t.state {
	case internalActiveUnref, internalActiveRef:
		if err := t.handle.Rollback(ctx); err != nil {
			return t.implicitRollback(ctx, err)
		}
		t.opCtx.Clear()
		t.enlisted = nil
		t.handle = nil
		t.state = internalFinished
		return t.factory.transactionComplete(ctx, t)
	case internalDeactivatedRef:
		return fmt.Errorf("rollback: %w", ErrDeactivated)
	case internalConstructedRef, internalConstructedUnref:
		return fmt.Errorf("rollback: %w", ErrUninitiated)
	case internalFinished:
		return fmt.Errorf("rollback: %w", ErrTerminated)
	default:
		return t.failedErr("rollback")
	}
}

// implicitRollback rolls back after cause and returns the error the caller
// should propagate. When the rollback itself fails the transaction is
// aborted instead.
func (t *InternalTransaction) implicitRollback(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	t.inCompletion.Store(true)
	t.logger.Debug("Implicit rollback triggered", zap.Error(cause))

	if t.rollbackCause != nil {
		t.logger.Error("Cascading error, transaction already rolled back",
			zap.Error(cause), zap.NamedError("initial_cause", t.rollbackCause))
		return fmt.Errorf("%w: %w", ErrAlreadyRolledBack, cause)
	}

	var err error
	switch t.state {
	case internalActiveUnref, internalActiveRef:
		t.rollbackCause = cause
		if err = t.handle.Rollback(ctx); err != nil {
			t.recordHeuristic(ctx, err)
			break
		}
		t.handle = nil
		t.opCtx.Clear()
		t.enlisted = nil
		t.state = internalFailed
		t.factory.transactionAborted(ctx, t, cause)
		return fmt.Errorf("%w: %w", ErrRollbackTriggered, cause)
	case internalDeactivatedRef:
		err = fmt.Errorf("rollback: %w", ErrDeactivated)
	case internalConstructedRef, internalConstructedUnref:
		err = fmt.Errorf("rollback: %w", ErrUninitiated)
	case internalFinished:
		err = fmt.Errorf("rollback: %w", ErrTerminated)
	default:
		err = t.failedErr("rollback")
	}

	t.logger.Error("Attempt to rollback failed", zap.NamedError("initiating_cause", cause), zap.Error(err))
	return t.abort(ctx, "failed to roll back normally", multierr.Append(cause, err))
}

func (t *InternalTransaction) recordHeuristic(ctx context.Context, err error) {
	if code, ok := xa.CodeOf(err); ok && code.IsHeuristic() {
		t.factory.metrics.Heuristic(ctx, code.String())
	}
}

// AbortTransaction tears the transaction down locally. It reports an error
// only if the teardown itself did not complete cleanly.
func (t *InternalTransaction) AbortTransaction(ctx context.Context, msg string, cause error) error {
	if err := t.abort(ctx, msg, cause); errors.Is(err, ErrAbortFailed) {
		return err
	}
	return nil
}

// abort rolls back whatever the local manager still holds, aborts every
// enlisted resource and marks the transaction failed. It returns ErrAborted
// wrapping cause, or ErrAbortFailed if the local rollback failed.
func (t *InternalTransaction) abort(ctx context.Context, msg string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := t.lock(ctx, true); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrAbortFailed, msg, err)
	}
	defer t.factory.release()

	if t.rollbackCause == nil {
		t.rollbackCause = cause
	}
	t.logger.Error(msg+" - aborting", zap.Error(cause))

	var rbErr error
	if t.handle != nil {
		rbErr = t.handle.Rollback(ctx)
	}
	t.factory.transactionAborted(ctx, t, cause)
	for _, e := range t.enlisted {
		if err := e.enlistable.Abort(); err != nil {
			t.logger.Error("Error aborting enlisted resource", zap.Error(err))
		}
	}
	t.opCtx.Clear()
	t.enlisted = nil
	t.handle = nil
	t.state = internalFailed

	if rbErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrAbortFailed, msg, multierr.Append(cause, rbErr))
	}
	return fmt.Errorf("%w: %s: %w", ErrAborted, msg, cause)
}

func (t *InternalTransaction) Execute(ctx context.Context, op Operation, md Metadata) error {
	return t.run(ctx, func(ctx context.Context) error {
		system, err := t.opCtx.SystemStore(ctx)
		if err == nil {
			err = op.Execute(ctx, t.opCtx, system, md)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOperationFailed, err)
		}
		return nil
	})
}

func (t *InternalTransaction) ExecuteCursor(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.run(ctx, fn)
}

func (t *InternalTransaction) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.run(ctx, fn)
}

func (t *InternalTransaction) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := t.lock(ctx, false); err != nil {
		return err
	}
	defer t.factory.release()

	if err := t.activate(ctx); err != nil {
		return err
	}
	bound, cancel := t.factory.mutex.Bind(ctx)
	err := fn(bound)
	cancel()
	if err != nil {
		err = t.implicitRollback(ctx, err)
	}
	if derr := t.deactivate(ctx); derr != nil {
		if err == nil {
			return derr
		}
		t.logger.Error("Error deactivating after failed operation", zap.Error(derr))
	}
	return err
}

// Enlist adds r to the running transaction. A failure rolls the transaction
// back.
func (t *InternalTransaction) Enlist(ctx context.Context, r EnlistableResource) error {
	if err := t.lock(ctx, false); err != nil {
		return err
	}
	defer t.factory.release()

	if err := t.enlist(ctx, r); err != nil {
		return t.implicitRollback(ctx, err)
	}
	return nil
}

func (t *InternalTransaction) enlist(ctx context.Context, r EnlistableResource) error {
	if err := t.checkOwner(); err != nil {
		return fmt.Errorf("enlist: %w", err)
	}
	for _, e := range t.enlisted {
		if e.enlistable == r {
			return nil
		}
	}
	switch t.state {
	case internalActiveUnref, internalActiveRef:
	case internalConstructedRef, internalConstructedUnref:
		return fmt.Errorf("enlist: %w", ErrUninitiated)
	case internalDeactivatedRef:
		return fmt.Errorf("enlist: %w", ErrDeactivated)
	case internalFinished:
		return fmt.Errorf("enlist: %w", ErrTerminated)
	default:
		return t.failedErr("enlist")
	}

	res, err := r.XAResource()
	if err != nil {
		return fmt.Errorf("enlist: %w", err)
	}
	for _, e := range t.enlisted {
		if e.res.IsSameRM(res) {
			return nil
		}
	}
	if err := t.handle.Enlist(ctx, res); err != nil {
		return fmt.Errorf("enlist: %w", err)
	}
	t.enlisted = append(t.enlisted, enlistment{enlistable: r, res: res})
	return nil
}
