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

	"github.com/sushant-115/gojotxn/core/transaction/xa"
)

type resourceState int

const (
	resourcesIdle resourceState = iota
	resourcesActive
	resourcesSuspended
	resourcesFinished
)

type externalResource struct {
	enlistable EnlistableResource
	res        xa.Resource
}

// resourceSet is an insertion-ordered set of enlisted resources.
type resourceSet []*externalResource

func (s resourceSet) has(r *externalResource) bool {
	for _, x := range s {
		if x == r {
			return true
		}
	}
	return false
}

func (s *resourceSet) add(r *externalResource) {
	if !s.has(r) {
		*s = append(*s, r)
	}
}

func (s *resourceSet) remove(r *externalResource) {
	for i, x := range *s {
		if x == r {
			*s = append((*s)[:i:i], (*s)[i+1:]...)
			return
		}
	}
}

// ExternalTransaction is one branch of a transaction coordinated outside the
// database. Its outcome is decided by the coordinator through the verbs of
// the session's xa.Resource; operations only start and suspend the enlisted
// resources around each call.
type ExternalTransaction struct {
	factory *ExternalFactory
	opCtx   OperationContext
	xid     xa.ID
	write   bool
	id      string
	logger  *zap.Logger

	// Guarded by the factory mutex.
	enlisted      resourceSet
	started       resourceSet
	needRollback  resourceSet
	prepared      resourceSet
	committed     resourceSet
	rollbacked    resourceSet
	resState      resourceState
	inuse         int
	hRollback     bool
	heurCode      xa.Code
	rolledBack    bool
	aborted       bool
	completed     bool
	rollbackCause error

	// Unix nanoseconds, -1 while a call is running.
	lastActive   atomic.Int64
	inCompletion atomic.Bool
}

func newExternalTransaction(f *ExternalFactory, xid xa.ID, write bool, opCtx OperationContext) (*ExternalTransaction, error) {
	id := uuid.NewString()
	t := &ExternalTransaction{
		factory: f,
		opCtx:   opCtx,
		xid:     xid,
		write:   write,
		id:      id,
		logger:  f.logger.With(zap.String("txn", id), zap.Stringer("xid", xid)),
	}
	t.lastActive.Store(time.Now().UnixNano())
	if err := opCtx.Initiate(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *ExternalTransaction) ID() string { return t.id }

// Xid is the branch identifier the coordinator started the transaction with.
func (t *ExternalTransaction) Xid() xa.ID { return t.xid }

func (t *ExternalTransaction) LastActive() time.Time {
	ts := t.lastActive.Load()
	if ts < 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

func (t *ExternalTransaction) RollbackCause() error {
	if err := t.factory.acquire(context.Background()); err != nil {
		return nil
	}
	defer t.factory.release()
	return t.rollbackCause
}

// State reports where the transaction is in its lifecycle.
func (t *ExternalTransaction) State() State {
	if err := t.factory.acquire(context.Background()); err != nil {
		return StateAborted
	}
	defer t.factory.release()

	switch {
	case t.hRollback:
		return StateHeuristicRollback
	case t.rolledBack:
		return StateRolledBack
	case t.aborted:
		return StateAborted
	case t.completed:
		return StateCommitted
	}
	switch t.resState {
	case resourcesActive:
		return StateActive
	case resourcesSuspended:
		return StateSuspended
	case resourcesFinished:
		if len(t.prepared) > 0 {
			return StatePrepared
		}
		return StateFinished
	default:
		return StateIdle
	}
}

func (t *ExternalTransaction) lock(ctx context.Context, completion bool) error {
	if err := t.factory.acquire(ctx); err != nil {
		return err
	}
	t.inCompletion.Store(completion)
	return nil
}

func (t *ExternalTransaction) causeErr(sentinel error) error {
	if t.rollbackCause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, t.rollbackCause)
}

// Reference counting is not needed: the coordinator bounds the lifetime.
func (t *ExternalTransaction) Reference(context.Context) error   { return nil }
func (t *ExternalTransaction) Dereference(context.Context) error { return nil }

func (t *ExternalTransaction) checkActive() error {
	switch {
	case t.hRollback:
		return t.causeErr(ErrHeuristicRollback)
	case t.rolledBack:
		return t.causeErr(ErrRolledBack)
	case t.completed:
		return ErrCompleted
	}
	return nil
}

func (t *ExternalTransaction) Execute(ctx context.Context, op Operation, md Metadata) error {
	return t.execute(ctx, true, func(ctx context.Context) error {
		system, err := t.opCtx.SystemStore(ctx)
		if err != nil {
			return err
		}
		return op.Execute(ctx, t.opCtx, system, md)
	})
}

func (t *ExternalTransaction) ExecuteCursor(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.execute(ctx, true, fn)
}

// Run executes fn with the resources active. Unlike Execute a failure of fn
// does not roll the transaction back.
func (t *ExternalTransaction) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.execute(ctx, false, fn)
}

func (t *ExternalTransaction) execute(ctx context.Context, rollbackOnFailure bool, fn func(ctx context.Context) error) error {
	if err := t.lock(ctx, false); err != nil {
		return err
	}
	defer t.factory.release()

	if err := t.checkActive(); err != nil {
		return err
	}
	err := t.activateResources(ctx)
	if err == nil {
		prev := t.lastActive.Swap(-1)
		bound, cancel := t.factory.mutex.Bind(ctx)
		err = fn(bound)
		cancel()
		if prev != -1 {
			t.lastActive.Store(time.Now().UnixNano())
		}
		err = multierr.Append(err, t.deactivateResources(ctx))
	}
	if err == nil || !rollbackOnFailure {
		return err
	}

	t.logger.Warn("Operation failed, rolling back", zap.Error(err))
	if rerr := t.HeuristicRollback(ctx, err.Error()); rerr != nil {
		t.logger.Error("Error in rollback after operation failure", zap.Error(rerr))
	}
	return fmt.Errorf("%w: %w", ErrOperationFailed, err)
}

func isRollback(err error) bool {
	code, ok := xa.CodeOf(err)
	return ok && code.IsRollback()
}

// activateResources starts every enlisted resource, or resumes every started
// one after a suspend. A failure ends the resources started so far.
func (t *ExternalTransaction) activateResources(ctx context.Context) error {
	switch t.resState {
	case resourcesActive:
		t.inuse++
		return nil
	case resourcesFinished:
		return fmt.Errorf("activate: %w", ErrTerminated)
	}

	resume := t.resState == resourcesSuspended
	flags, list := xa.TMNoFlags, append(resourceSet(nil), t.enlisted...)
	if resume {
		flags, list = xa.TMResume, append(resourceSet(nil), t.started...)
	}
	t.resState = resourcesActive

	for i, r := range list {
		err := r.res.Start(ctx, t.xid, flags)
		if err == nil {
			if !resume {
				t.started.add(r)
			}
			continue
		}

		t.started.remove(r)
		if isRollback(err) {
			t.needRollback.add(r)
		}
		endFlags := xa.TMFail
		t.resState = resourcesFinished
		if resume {
			endFlags = xa.TMSuspend
			t.resState = resourcesSuspended
		}
		for _, prev := range list[:i] {
			if eerr := prev.res.End(ctx, t.xid, endFlags); eerr != nil {
				t.logger.Error("Error ending resource after start failure", zap.Error(eerr))
			}
		}
		return fmt.Errorf("starting resource: %w", err)
	}
	t.inuse = 1
	return nil
}

// deactivateResources suspends the started resources once the outermost
// call returns.
func (t *ExternalTransaction) deactivateResources(ctx context.Context) error {
	if t.resState != resourcesActive {
		return nil
	}
	t.inuse--
	if t.inuse > 0 {
		return nil
	}
	err := t.endEach(ctx, xa.TMSuspend)
	t.resState = resourcesSuspended
	if err != nil {
		return fmt.Errorf("ending resource: %w", err)
	}
	return nil
}

// endResources ends the started resources for good.
func (t *ExternalTransaction) endResources(ctx context.Context, success bool) error {
	if t.resState != resourcesSuspended && t.resState != resourcesActive {
		return nil
	}
	flags := xa.TMFail
	if success {
		flags = xa.TMSuccess
	}
	err := t.endEach(ctx, flags)
	t.resState = resourcesFinished
	return err
}

// endEach ends every started resource with flags. Resources that fail are
// dropped from the started set and the first error is returned.
func (t *ExternalTransaction) endEach(ctx context.Context, flags xa.Flags) error {
	var first error
	kept := t.started[:0:0]
	for _, r := range t.started {
		err := r.res.End(ctx, t.xid, flags)
		if err == nil {
			kept = append(kept, r)
			continue
		}
		if isRollback(err) {
			t.needRollback.add(r)
		}
		if first == nil {
			first = err
		} else {
			t.logger.Error("Error ending resource", zap.Stringer("flags", flags), zap.Error(err))
		}
	}
	t.started = kept
	return first
}

// Enlist adds r to the branch. If the resources are already active or
// suspended r is started, and suspended, to match them.
func (t *ExternalTransaction) Enlist(ctx context.Context, r EnlistableResource) error {
	if err := t.lock(ctx, false); err != nil {
		return err
	}
	defer t.factory.release()

	res, err := r.XAResource()
	if err != nil {
		return fmt.Errorf("failed to enlist resource: %w", err)
	}
	for _, e := range t.enlisted {
		if res.IsSameRM(e.res) {
			return nil
		}
	}
	er := &externalResource{enlistable: r, res: res}
	t.enlisted.add(er)

	switch t.resState {
	case resourcesActive:
		err = res.Start(ctx, t.xid, xa.TMNoFlags)
	case resourcesSuspended:
		if err = res.Start(ctx, t.xid, xa.TMNoFlags); err == nil {
			err = res.End(ctx, t.xid, xa.TMSuspend)
		}
	default:
		return nil
	}
	if err != nil {
		if isRollback(err) {
			t.needRollback.add(er)
		}
		return fmt.Errorf("failed to enlist resource: %w", err)
	}
	t.started.add(er)
	return nil
}

// HeuristicRollback rolls the branch back on the database's own authority.
// The coordinator learns of it as a rollback or heuristic code on its next
// verb.
func (t *ExternalTransaction) HeuristicRollback(ctx context.Context, cause string) error {
	if t.factory.mutex.HeldByOther() && t.inCompletion.Load() {
		return nil
	}
	if err := t.factory.acquireWithInterrupt(ctx); err != nil {
		return err
	}
	defer t.factory.release()
	t.inCompletion.Store(true)

	if t.hRollback {
		return nil
	}
	t.logger.Info("Heuristic rollback", zap.String("cause", cause))
	t.hRollback = true
	if t.rollbackCause == nil {
		t.rollbackCause = errors.New(cause)
	}
	err := t.rollback(ctx)
	if t.heurCode == 0 {
		t.heurCode = xa.HeurRollback
	}
	if err != nil {
		return fmt.Errorf("failed heuristic rollback: %w", err)
	}
	return nil
}

// AbortTransaction discards the branch without telling its resources'
// managers anything beyond Abort.
func (t *ExternalTransaction) AbortTransaction(ctx context.Context, msg string, cause error) error {
	if err := t.abort(ctx, msg, cause); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrAbortFailed, msg, err)
	}
	return nil
}

func (t *ExternalTransaction) abort(ctx context.Context, msg string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := t.lock(ctx, true); err != nil {
		return err
	}
	defer t.factory.release()

	t.logger.Warn("Aborting transaction", zap.String("reason", msg), zap.Error(cause))
	if t.rollbackCause == nil {
		t.rollbackCause = errors.New(msg)
	}
	for _, r := range t.enlisted {
		if err := r.enlistable.Abort(); err != nil {
			t.logger.Warn("Difficulty aborting enlisted resource while aborting transaction", zap.Error(err))
		}
	}
	for _, r := range t.prepared {
		if err := r.enlistable.Abort(); err != nil {
			t.logger.Warn("Difficulty aborting prepared resource while aborting transaction", zap.Error(err))
		}
	}
	t.completed = true
	t.aborted = true
	return t.factory.transactionComplete(ctx, t)
}

// prepare ends the resources successfully and asks each to prepare.
// Read-only voters drop out. The vote is read-only only if nothing is left
// to commit.
func (t *ExternalTransaction) prepare(ctx context.Context) (xa.Vote, error) {
	if err := t.lock(ctx, true); err != nil {
		return 0, xa.Wrap(xa.RMFail, err, "prepare")
	}
	defer t.factory.release()

	prev := t.lastActive.Swap(-1)
	if err := t.endResources(ctx, true); err != nil {
		return 0, err
	}
	kept := t.started[:0:0]
	for i, r := range t.started {
		vote, err := r.res.Prepare(ctx, t.xid)
		if err != nil {
			if !isRollback(err) {
				kept = append(kept, r)
			}
			t.started = append(kept, t.started[i+1:]...)
			return 0, err
		}
		if vote == xa.VoteOK {
			t.prepared.add(r)
			kept = append(kept, r)
		}
	}
	t.started = kept
	if prev != -1 {
		t.lastActive.Store(time.Now().UnixNano())
	}
	if len(t.prepared) == 0 {
		return xa.VoteReadOnly, nil
	}
	return xa.VoteOK, nil
}

// commit commits every prepared resource. A failure here leaves the outcome
// undetermined, so it is always reported as a heuristic code and the branch
// is left for the coordinator to forget.
func (t *ExternalTransaction) commit(ctx context.Context) error {
	if err := t.lock(ctx, true); err != nil {
		return xa.Wrap(xa.RMFail, err, "commit")
	}
	defer t.factory.release()

	if t.heurCode != 0 {
		return &xa.Error{Code: t.heurCode, Reason: "branch already completed heuristically"}
	}
	t.lastActive.Store(-1)
	for _, r := range t.prepared {
		if err := r.res.Commit(ctx, t.xid, false); err != nil {
			code, ok := xa.CodeOf(err)
			switch {
			case ok && code.IsHeuristic():
			case len(t.committed) > 0:
				code = xa.HeurMixed
			default:
				code = xa.HeurHazard
			}
			t.heurCode = code
			t.factory.metrics.Heuristic(ctx, code.String())
			t.logger.Error("Commit of prepared resource failed", zap.Stringer("code", code), zap.Error(err))
			return xa.Wrap(code, err, "committing prepared resource")
		}
		t.committed.add(r)
	}
	return t.cleanup(ctx)
}

// rollback ends and rolls back every resource that was started and has not
// committed, then reconciles the results into one outcome.
func (t *ExternalTransaction) rollback(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if err := t.lock(ctx, true); err != nil {
		return xa.Wrap(xa.RMFail, err, "rollback")
	}
	defer t.factory.release()

	t.lastActive.Store(-1)
	t.rolledBack = true
	if err := t.endResources(ctx, false); err != nil {
		t.logger.Error("Error ending resources - attempting to rollback anyway", zap.Error(err))
	}
	for _, r := range t.needRollback {
		t.started.add(r)
	}

	var results []error
	for _, r := range t.started {
		if t.committed.has(r) {
			continue
		}
		err := r.res.Rollback(ctx, t.xid)
		if err != nil {
			t.logger.Error("Attempt to rollback resource failed", zap.Error(err))
		} else {
			t.rollbacked.add(r)
		}
		results = append(results, err)
	}

	err := xa.Reconcile(len(t.committed) > 0, results)
	if code, ok := xa.CodeOf(err); ok && code.IsHeuristic() {
		t.heurCode = code
		t.factory.metrics.Heuristic(ctx, code.String())
	}
	return multierr.Append(err, t.cleanup(ctx))
}

// cleanup completes the transaction with the factory. If that fails the
// transaction is aborted.
func (t *ExternalTransaction) cleanup(ctx context.Context) error {
	defer func() { t.completed = true }()

	err := t.factory.transactionComplete(ctx, t)
	if err == nil {
		return nil
	}
	t.logger.Error("Failed to cleanup transaction", zap.Error(err))
	if aerr := t.abort(ctx, "failure in cleanup", err); aerr != nil {
		t.logger.Error("Failed to abort transaction on cleanup failure", zap.Error(aerr))
		return xa.Wrap(xa.RMFail, aerr, "cleanup")
	}
	return xa.Wrap(xa.RMErr, err, "cleanup")
}
