package local

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction/xa"
)

// Status is the lifecycle state of a local transaction.
type Status int

const (
	StatusActive Status = iota
	StatusMarkedRollback
	StatusPreparing
	StatusCommitting
	StatusCommitted
	StatusRollingBack
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusMarkedRollback:
		return "marked-rollback"
	case StatusPreparing:
		return "preparing"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusRollingBack:
		return "rolling-back"
	case StatusRolledBack:
		return "rolled-back"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) done() bool { return s == StatusCommitted || s == StatusRolledBack }

type branchState int

const (
	branchActive branchState = iota
	branchSuspended
	branchEnded
)

type branch struct {
	res      xa.Resource
	xid      xa.ID
	state    branchState
	readOnly bool
}

// Transaction is the Handle implementation returned by Manager.
type Transaction struct {
	manager *Manager
	id      xa.ID

	mu       sync.Mutex
	status   Status
	owner    int64
	branches []*branch
}

var _ Handle = (*Transaction)(nil)

func (t *Transaction) ID() xa.ID { return t.id }

func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transaction) SetRollbackOnly() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusActive {
		t.status = StatusMarkedRollback
	}
}

func (t *Transaction) Enlist(ctx context.Context, r xa.Resource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusActive:
	case StatusMarkedRollback:
		return fmt.Errorf("enlist: %w: marked for rollback", ErrNotActive)
	default:
		return fmt.Errorf("enlist: %w: %s", ErrNotActive, t.status)
	}

	for _, b := range t.branches {
		if b.res.IsSameRM(r) {
			return nil
		}
	}
	b := &branch{
		res: r,
		xid: t.id.WithBranch([]byte(strconv.Itoa(len(t.branches) + 1))),
	}
	if err := r.Start(ctx, b.xid, xa.TMNoFlags); err != nil {
		t.status = StatusMarkedRollback
		return fmt.Errorf("starting branch %s: %w", b.xid, err)
	}
	t.branches = append(t.branches, b)
	return nil
}

// Commit ends every branch and commits. A single branch is committed in one
// phase. With several, each is prepared and read-only voters are dropped
// before the second phase. Any failure before the decision rolls everything
// back and returns ErrRolledBack; failures after it are heuristic.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.manager.disassociate(t)

	switch t.status {
	case StatusActive:
	case StatusMarkedRollback:
		err := t.rollbackLocked(ctx)
		return multierr.Append(fmt.Errorf("%w: marked for rollback", ErrRolledBack), err)
	default:
		return fmt.Errorf("commit: %w: %s", ErrNotActive, t.status)
	}

	if err := t.endLocked(ctx, xa.TMSuccess); err != nil {
		rbErr := t.rollbackLocked(ctx)
		return multierr.Append(fmt.Errorf("%w: ending branches: %w", ErrRolledBack, err), rbErr)
	}

	switch len(t.branches) {
	case 0:
		t.status = StatusCommitted
		return nil
	case 1:
		t.status = StatusCommitting
		b := t.branches[0]
		err := b.res.Commit(ctx, b.xid, true)
		if code, ok := xa.CodeOf(err); ok && code.IsRollback() {
			t.status = StatusRolledBack
			return fmt.Errorf("%w: %w", ErrRolledBack, err)
		}
		t.status = StatusCommitted
		if err != nil {
			return fmt.Errorf("one-phase commit of %s: %w", b.xid, err)
		}
		return nil
	}

	t.status = StatusPreparing
	var prepared []*branch
	for _, b := range t.branches {
		vote, err := b.res.Prepare(ctx, b.xid)
		if err != nil {
			t.manager.logger.Warn("Prepare failed, rolling back", zap.Stringer("xid", b.xid), zap.Error(err))
			var skip *branch
			if code, ok := xa.CodeOf(err); ok && code.IsRollback() {
				skip = b
			}
			rbErr := t.rollbackBranches(ctx, t.undecided(skip))
			t.status = StatusRolledBack
			return multierr.Append(fmt.Errorf("%w: prepare of %s: %w", ErrRolledBack, b.xid, err), rbErr)
		}
		if vote == xa.VoteReadOnly {
			b.readOnly = true
			continue
		}
		prepared = append(prepared, b)
	}

	t.status = StatusCommitting
	var (
		outcome xa.Outcome
		failed  []error
	)
	for _, b := range prepared {
		err := b.res.Commit(ctx, b.xid, false)
		if err == nil {
			outcome.Observe(xa.HeuristicCommit)
			continue
		}
		failed = append(failed, err)
		code, _ := xa.CodeOf(err)
		switch {
		case code == xa.HeurRollback || code.IsRollback():
			outcome.Observe(xa.HeuristicRollback)
		case code == xa.HeurMixed:
			outcome.Observe(xa.HeuristicMixed)
		case code == xa.HeurCommit:
			outcome.Observe(xa.HeuristicCommit)
		default:
			outcome.Observe(xa.HeuristicHazard)
		}
	}
	t.status = StatusCommitted
	if len(failed) == 0 {
		return nil
	}
	h := outcome.Heuristic()
	code, ok := h.Code()
	if !ok || h == xa.HeuristicCommit {
		code = xa.HeurHazard
	}
	return &xa.Error{Code: code, Reason: fmt.Sprintf("%d of %d prepared branches failed to commit", len(failed), len(prepared)), Err: failed[0]}
}

// Rollback ends every branch with TMFAIL and rolls each back. The per-branch
// results are reconciled into one heuristic error. Rolling back a transaction
// that already rolled back is a no-op.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.manager.disassociate(t)

	switch t.status {
	case StatusRolledBack:
		return nil
	case StatusCommitted:
		return fmt.Errorf("rollback: %w: committed", ErrNotActive)
	}
	return t.rollbackLocked(ctx)
}

func (t *Transaction) rollbackLocked(ctx context.Context) error {
	if err := t.endLocked(ctx, xa.TMFail); err != nil {
		t.manager.logger.Debug("Ending branches before rollback failed", zap.Error(err))
	}
	return t.rollbackBranches(ctx, t.branches)
}

func (t *Transaction) rollbackBranches(ctx context.Context, branches []*branch) error {
	t.status = StatusRollingBack
	results := make([]error, 0, len(branches))
	for _, b := range branches {
		err := b.res.Rollback(ctx, b.xid)
		if err != nil {
			t.manager.logger.Warn("Branch rollback failed", zap.Stringer("xid", b.xid), zap.Error(err))
		}
		results = append(results, err)
	}
	t.status = StatusRolledBack
	return xa.Reconcile(false, results)
}

// undecided returns the branches still needing an outcome, minus skip.
func (t *Transaction) undecided(skip *branch) []*branch {
	out := make([]*branch, 0, len(t.branches))
	for _, b := range t.branches {
		if b != skip && !b.readOnly {
			out = append(out, b)
		}
	}
	return out
}

// endLocked ends every branch that is not already ended. All branches are
// attempted; the errors are combined.
func (t *Transaction) endLocked(ctx context.Context, flags xa.Flags) error {
	var errs error
	for _, b := range t.branches {
		if b.state == branchEnded {
			continue
		}
		if err := b.res.End(ctx, b.xid, flags); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("ending %s with %s: %w", b.xid, flags, err))
		}
		b.state = branchEnded
	}
	return errs
}

func (t *Transaction) endBranches(ctx context.Context, flags xa.Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs error
	for _, b := range t.branches {
		if b.state != branchActive {
			continue
		}
		if err := b.res.End(ctx, b.xid, flags); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("ending %s with %s: %w", b.xid, flags, err))
			continue
		}
		b.state = branchSuspended
	}
	return errs
}

func (t *Transaction) startBranches(ctx context.Context, flags xa.Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs error
	for _, b := range t.branches {
		if b.state != branchSuspended {
			continue
		}
		if err := b.res.Start(ctx, b.xid, flags); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("resuming %s: %w", b.xid, err))
			continue
		}
		b.state = branchActive
	}
	if errs != nil && t.status == StatusActive {
		t.status = StatusMarkedRollback
	}
	return errs
}

// IsRolledBack reports whether err says the transaction was rolled back
// rather than committed.
func IsRolledBack(err error) bool { return errors.Is(err, ErrRolledBack) }
