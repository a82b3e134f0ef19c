package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction/xa"
)

// ResourceContext maps the branch identifiers a coordinator uses onto the
// session's external transactions. Every handle it hands out belongs to the
// same resource manager.
type ResourceContext struct {
	factory *ExternalFactory
	rmID    uuid.UUID
	logger  *zap.Logger

	// Guarded by the factory mutex.
	branches map[xa.ID]*ExternalTransaction
}

func newResourceContext(f *ExternalFactory) *ResourceContext {
	rmID := uuid.New()
	return &ResourceContext{
		factory:  f,
		rmID:     rmID,
		logger:   f.logger.Named("xa").With(zap.Stringer("rm", rmID)),
		branches: make(map[xa.ID]*ExternalTransaction),
	}
}

// RMID identifies the resource manager.
func (rc *ResourceContext) RMID() uuid.UUID { return rc.rmID }

// Resource returns a handle whose new branches are write transactions if
// write is set.
func (rc *ResourceContext) Resource(write bool) xa.Resource {
	return &resourceAdapter{rc: rc, write: write}
}

func (rc *ResourceContext) remove(txn *ExternalTransaction) {
	for id, t := range rc.branches {
		if t == txn {
			delete(rc.branches, id)
		}
	}
}

func (rc *ResourceContext) clear() {
	rc.branches = make(map[xa.ID]*ExternalTransaction)
}

type resourceAdapter struct {
	rc    *ResourceContext
	write bool
}

var _ xa.Resource = (*resourceAdapter)(nil)

// do runs one verb under the session mutex inside a trace span.
func (a *resourceAdapter) do(ctx context.Context, verb string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) (err error) {
	attrs = append(attrs, attribute.String("xa.rm", a.rc.rmID.String()), attribute.Bool("xa.write", a.write))
	ctx, span := a.rc.factory.tracer.Start(ctx, "xa."+verb, trace.WithAttributes(attrs...))
	defer func() {
		if err != nil {
			span.RecordError(err)
			code, _ := xa.CodeOf(err)
			span.SetStatus(otelcodes.Error, code.String())
		} else {
			span.SetStatus(otelcodes.Ok, "")
		}
		span.End()
	}()

	f := a.rc.factory
	if err := f.acquire(ctx); err != nil {
		return xa.Wrap(xa.RMFail, err, verb)
	}
	defer f.release()
	a.rc.logger.Debug("Performing "+verb, zap.Any("attributes", attrs))
	return fn(ctx)
}

func xidAttr(xid xa.ID) attribute.KeyValue { return attribute.Stringer("xa.xid", xid) }

func flagsAttr(flags xa.Flags) attribute.KeyValue { return attribute.Stringer("xa.flags", flags) }

// asXA gives err an xa code if it does not carry one already.
func asXA(err error, code xa.Code, reason string) error {
	if err == nil {
		return nil
	}
	if _, ok := xa.CodeOf(err); ok {
		return err
	}
	return xa.Wrap(code, err, reason)
}

func causeString(txn *ExternalTransaction) string {
	if txn.rollbackCause == nil {
		return ""
	}
	return txn.rollbackCause.Error()
}

func (a *resourceAdapter) Start(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	id := xa.IDOf(xid)
	return a.do(ctx, "start", func(ctx context.Context) error {
		f := a.rc.factory
		switch flags {
		case xa.TMNoFlags:
			if _, ok := a.rc.branches[id]; ok {
				return xa.NewError(xa.DupID, "branch already started")
			}
			if f.associated != nil {
				return xa.NewError(xa.RBDeadlock, "session already associated with another branch")
			}
			txn, err := f.CreateTransaction(ctx, id, a.write)
			if err != nil {
				a.rc.logger.Error("Failed to create transaction", zap.Stringer("xid", id), zap.Error(err))
				return xa.Wrap(xa.RMFail, err, "creating transaction")
			}
			a.rc.branches[id] = txn
		case xa.TMJoin:
			switch {
			case f.associated == nil:
				return xa.NewError(xa.NotA, "no branch to join")
			case f.associated.xid != id:
				return xa.NewError(xa.Outside, "session associated with another branch")
			}
		case xa.TMResume:
			txn, ok := a.rc.branches[id]
			switch {
			case !ok:
				return xa.NewError(xa.NotA, "unknown branch")
			case txn.rolledBack:
				return &xa.Error{Code: xa.RBRollback, Reason: causeString(txn)}
			case !f.Associate(txn):
				return xa.NewError(xa.Proto, "session associated with another branch")
			}
		default:
			return xa.Errorf(xa.Inval, "invalid flags for start: %s", flags)
		}
		return nil
	}, xidAttr(id), flagsAttr(flags))
}

func (a *resourceAdapter) End(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	id := xa.IDOf(xid)
	return a.do(ctx, "end", func(ctx context.Context) error {
		txn, ok := a.rc.branches[id]
		if !ok {
			return xa.NewError(xa.NotA, "unknown branch")
		}

		var err error
		switch flags {
		case xa.TMFail:
			err = a.doRollback(ctx, txn)
		case xa.TMSuccess:
			if txn.hRollback {
				err = &xa.Error{Code: xa.RBProto, Reason: causeString(txn)}
			}
		case xa.TMSuspend:
		default:
			a.rc.logger.Error("Invalid flags passed to end", zap.Stringer("flags", flags))
			return xa.Errorf(xa.Inval, "invalid flags for end: %s", flags)
		}

		if derr := a.rc.factory.Disassociate(txn); derr != nil {
			a.rc.logger.Error("Error disassociating transaction from session", zap.Error(derr))
			if err == nil {
				err = xa.Wrap(xa.Proto, derr, "disassociating")
			}
		}
		return err
	}, xidAttr(id), flagsAttr(flags))
}

// Prepare asks every enlisted resource to prepare. If none of them has
// anything to commit the branch is completed here and the vote is
// read-only, so the coordinator will not call Commit.
func (a *resourceAdapter) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	id := xa.IDOf(xid)
	var vote xa.Vote
	err := a.do(ctx, "prepare", func(ctx context.Context) error {
		txn, ok := a.rc.branches[id]
		switch {
		case !ok:
			return xa.NewError(xa.NotA, "unknown branch")
		case txn.rolledBack:
			return &xa.Error{Code: xa.RBRollback, Reason: causeString(txn)}
		}

		var err error
		vote, err = txn.prepare(ctx)
		if err != nil {
			return asXA(err, xa.RMErr, "prepare")
		}
		if vote == xa.VoteReadOnly {
			a.rc.remove(txn)
			return asXA(txn.commit(ctx), xa.RMErr, "completing read-only branch")
		}
		return nil
	}, xidAttr(id))
	return vote, err
}

func (a *resourceAdapter) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	id := xa.IDOf(xid)
	return a.do(ctx, "commit", func(ctx context.Context) error {
		txn, ok := a.rc.branches[id]
		switch {
		case !ok:
			return xa.NewError(xa.NotA, "unknown branch")
		case txn.hRollback:
			// Coordinators cope with a rollback code better than HEURRB here.
			return &xa.Error{Code: xa.RBRollback, Reason: causeString(txn)}
		case txn.heurCode != 0:
			return &xa.Error{Code: txn.heurCode, Reason: "branch already completed heuristically"}
		}

		if onePhase {
			if _, err := txn.prepare(ctx); err != nil {
				if code, _ := xa.CodeOf(err); code != xa.RDOnly {
					if rerr := a.doRollback(ctx, txn); rerr != nil {
						a.rc.logger.Error("Rollback after failed one-phase prepare", zap.Error(rerr))
					}
				}
				a.rc.remove(txn)
				return asXA(err, xa.RMErr, "one-phase prepare")
			}
		}

		err := txn.commit(ctx)
		if code, ok := xa.CodeOf(err); ok && code.IsHeuristic() {
			return err
		}
		a.rc.remove(txn)
		return asXA(err, xa.RMErr, "commit")
	}, xidAttr(id), attribute.Bool("xa.one_phase", onePhase))
}

func (a *resourceAdapter) Rollback(ctx context.Context, xid xa.Xid) error {
	id := xa.IDOf(xid)
	return a.do(ctx, "rollback", func(ctx context.Context) error {
		txn, ok := a.rc.branches[id]
		if !ok {
			return xa.NewError(xa.NotA, "unknown branch")
		}
		if err := a.doRollback(ctx, txn); err != nil {
			return err
		}
		a.rc.remove(txn)
		return nil
	}, xidAttr(id))
}

func (a *resourceAdapter) doRollback(ctx context.Context, txn *ExternalTransaction) error {
	switch {
	case txn.hRollback:
		a.rc.logger.Warn("Attempted to rollback heuristically rolled back transaction",
			zap.Stringer("code", txn.heurCode), zap.String("cause", causeString(txn)))
		return &xa.Error{Code: txn.heurCode, Reason: causeString(txn)}
	case !txn.rolledBack:
		return asXA(txn.rollback(ctx), xa.RMErr, "rollback")
	}
	return nil
}

// Forget discards a branch completed heuristically. Branches the database
// did not roll back itself are aborted first.
func (a *resourceAdapter) Forget(ctx context.Context, xid xa.Xid) error {
	id := xa.IDOf(xid)
	return a.do(ctx, "forget", func(ctx context.Context) error {
		txn, ok := a.rc.branches[id]
		if !ok {
			return xa.NewError(xa.NotA, "unknown branch")
		}
		defer a.rc.remove(txn)

		if !txn.hRollback {
			if err := txn.AbortTransaction(ctx, "external coordinator called forget", errors.New("forget")); err != nil {
				a.rc.logger.Error("Failed to abort transaction in forget", zap.Error(err))
				return xa.Wrap(xa.RMErr, err, "forget")
			}
		}
		return nil
	}, xidAttr(id))
}

// Recover always reports no branches: prepared state does not survive a
// restart.
func (a *resourceAdapter) Recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	err := a.do(ctx, "recover", func(context.Context) error { return nil }, flagsAttr(flags))
	return nil, err
}

// IsSameRM reports whether other drives the same session.
func (a *resourceAdapter) IsSameRM(other xa.Resource) bool {
	o, ok := other.(*resourceAdapter)
	return ok && o.rc.factory.session == a.rc.factory.session
}

func (a *resourceAdapter) TransactionTimeout() (int, error) {
	return int(a.rc.factory.session.TransactionTimeout() / time.Second), nil
}

// SetTransactionTimeout applies to branches started afterwards. Zero
// restores the default.
func (a *resourceAdapter) SetTransactionTimeout(seconds int) (bool, error) {
	if seconds < 0 {
		return false, xa.Errorf(xa.Inval, "negative transaction timeout %d", seconds)
	}
	a.rc.factory.session.SetTransactionTimeout(time.Duration(seconds) * time.Second)
	return true, nil
}
