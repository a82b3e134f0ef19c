// Package xaresource turns a storage.Store into an XA resource manager.
//
// A Manager keeps the branch table of one store: for every branch
// identifier it has seen, the native store transaction and where the branch
// is in its start/end/prepare/commit cycle. Sessions reach the manager
// through Resource handles, each of which is also the storage session for
// the branch it is currently associated with.
package xaresource

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/transaction/xa"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

type branchState int

const (
	branchActive branchState = iota
	branchSuspended
	branchEnded
	branchFailed
	branchPrepared
)

func (s branchState) String() string {
	switch s {
	case branchActive:
		return "active"
	case branchSuspended:
		return "suspended"
	case branchEnded:
		return "ended"
	case branchFailed:
		return "failed"
	case branchPrepared:
		return "prepared"
	default:
		return fmt.Sprintf("branchState(%d)", int(s))
	}
}

type branch struct {
	xid   xa.ID
	txn   storage.Txn
	owner *Resource
	state branchState
}

// Manager is the resource manager of one store.
type Manager struct {
	store  storage.Store
	logger *zap.Logger

	mu       sync.Mutex
	branches map[xa.ID]*branch
	timeout  int
}

func NewManager(store storage.Store, l *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		logger:   logger.OrNop(l).Named("xaresource").With(zap.String("store", store.Name())),
		branches: make(map[xa.ID]*branch),
	}
}

func (m *Manager) Name() string         { return m.store.Name() }
func (m *Manager) Store() storage.Store { return m.store }

// Branches returns the number of branches not yet completed.
func (m *Manager) Branches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.branches)
}

// NewResource returns a handle onto the manager. Branches started through it
// open write transactions if write is set.
func (m *Manager) NewResource(write bool) *Resource {
	return &Resource{m: m, write: write}
}

func (m *Manager) lookup(xid xa.Xid) (*branch, error) {
	b, ok := m.branches[xa.IDOf(xid)]
	if !ok {
		return nil, xa.NewError(xa.NotA, "unknown branch")
	}
	return b, nil
}

// forget drops b from the table and rolls back its native transaction if
// it is still open.
func (m *Manager) forget(ctx context.Context, b *branch) error {
	delete(m.branches, b.xid)
	if b.owner != nil && b.owner.current == b {
		b.owner.current = nil
	}
	if err := b.txn.Rollback(ctx); err != nil {
		m.logger.Warn("Rolling back native transaction", zap.Stringer("xid", b.xid), zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) start(ctx context.Context, r *Resource, xid xa.Xid, flags xa.Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := xa.IDOf(xid)
	b, exists := m.branches[id]
	switch flags {
	case xa.TMNoFlags:
		if exists {
			return xa.NewError(xa.DupID, "branch already started")
		}
	case xa.TMJoin:
		if exists && b.state != branchActive && b.state != branchSuspended {
			return xa.Errorf(xa.Proto, "join of %s branch", b.state)
		}
	case xa.TMResume:
		switch {
		case !exists:
			return xa.NewError(xa.NotA, "unknown branch")
		case b.state != branchSuspended:
			return xa.Errorf(xa.Proto, "resume of %s branch", b.state)
		}
	default:
		return xa.Errorf(xa.Inval, "invalid flags for start: %s", flags)
	}

	if !exists {
		txn, err := m.store.Begin(ctx, r.write)
		if err != nil {
			return xa.Wrap(xa.RMErr, err, "beginning native transaction")
		}
		b = &branch{xid: id, txn: txn, owner: r}
		m.branches[id] = b
	}
	b.state = branchActive
	r.current = b
	m.logger.Debug("Started branch", zap.Stringer("xid", id), zap.Stringer("flags", flags))
	return nil
}

func (m *Manager) end(r *Resource, xid xa.Xid, flags xa.Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.lookup(xid)
	if err != nil {
		return err
	}
	if b.state != branchActive && b.state != branchSuspended {
		return xa.Errorf(xa.Proto, "end of %s branch", b.state)
	}
	switch flags {
	case xa.TMSuspend:
		if b.state != branchActive {
			return xa.NewError(xa.Proto, "suspend of suspended branch")
		}
		b.state = branchSuspended
	case xa.TMSuccess:
		b.state = branchEnded
	case xa.TMFail:
		b.state = branchFailed
	default:
		return xa.Errorf(xa.Inval, "invalid flags for end: %s", flags)
	}
	if r.current == b {
		r.current = nil
	}
	return nil
}

// prepare votes on b. A branch ended with TMFAIL, or whose native prepare
// fails, is rolled back and reported as XA_RBROLLBACK. A read-only branch
// is finished here.
func (m *Manager) prepare(ctx context.Context, b *branch) (xa.Vote, error) {
	switch b.state {
	case branchEnded:
	case branchFailed:
		rbErr := m.forget(ctx, b)
		return 0, xa.Wrap(xa.RBRollback, rbErr, "branch marked rollback-only")
	default:
		return 0, xa.Errorf(xa.Proto, "prepare of %s branch", b.state)
	}

	readOnly, err := b.txn.Prepare(ctx)
	if err != nil {
		m.logger.Info("Native prepare failed, rolling back", zap.Stringer("xid", b.xid), zap.Error(err))
		if rbErr := m.forget(ctx, b); rbErr != nil {
			m.logger.Error("Rollback after failed prepare", zap.Error(rbErr))
		}
		return 0, xa.Wrap(xa.RBRollback, err, "native prepare")
	}
	if readOnly {
		if err := m.forget(ctx, b); err != nil {
			return 0, xa.Wrap(xa.RMErr, err, "releasing read-only branch")
		}
		return xa.VoteReadOnly, nil
	}
	b.state = branchPrepared
	return xa.VoteOK, nil
}

func (m *Manager) commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.lookup(xid)
	if err != nil {
		return err
	}
	if onePhase {
		vote, err := m.prepare(ctx, b)
		if err != nil || vote == xa.VoteReadOnly {
			return err
		}
	} else if b.state != branchPrepared {
		return xa.Errorf(xa.Proto, "two-phase commit of %s branch", b.state)
	}

	delete(m.branches, b.xid)
	if b.owner != nil && b.owner.current == b {
		b.owner.current = nil
	}
	if err := b.txn.Commit(ctx); err != nil {
		m.logger.Error("Native commit failed", zap.Stringer("xid", b.xid), zap.Error(err))
		if rbErr := b.txn.Rollback(ctx); rbErr != nil {
			m.logger.Error("Rollback after failed commit", zap.Error(rbErr))
		}
		return xa.Wrap(xa.RMErr, err, "native commit")
	}
	m.logger.Debug("Committed branch", zap.Stringer("xid", b.xid), zap.Bool("one_phase", onePhase))
	return nil
}

func (m *Manager) rollback(ctx context.Context, xid xa.Xid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.lookup(xid)
	if err != nil {
		return err
	}
	if err := m.forget(ctx, b); err != nil {
		return xa.Wrap(xa.RMErr, err, "native rollback")
	}
	return nil
}

// abort discards every branch started through r.
func (m *Manager) abort(ctx context.Context, r *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first error
	for _, b := range m.branches {
		if b.owner != r {
			continue
		}
		if err := m.forget(ctx, b); err != nil && first == nil {
			first = err
		}
	}
	return first
}
