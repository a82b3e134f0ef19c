// Package local is the transaction manager embedded in every database. It
// associates transactions with goroutines, lets them be suspended and
// resumed across goroutine hand-offs, and drives one- and two-phase
// completion over the xa.Resources enlisted in them.
package local

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction/xa"
	commonutils "github.com/sushant-115/gojotxn/internal/common_utils"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

// FormatID tags the branch identifiers minted by the local manager.
const FormatID int32 = 0x676f6a6f

// Handle is one transaction managed by a Manager.
type Handle interface {
	// ID is the global transaction identifier. Branches share its global
	// part and differ in the branch qualifier.
	ID() xa.ID
	Status() Status
	// Enlist adds r to the transaction and starts a branch on it. Enlisting
	// a second handle onto the same resource manager is a no-op.
	Enlist(ctx context.Context, r xa.Resource) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	SetRollbackOnly()
}

// Manager begins transactions and tracks which goroutine each one is
// associated with.
type Manager struct {
	mu     sync.Mutex
	active map[int64]*Transaction
	logger *zap.Logger
}

// NewManager returns a Manager with no transactions.
func NewManager(l *zap.Logger) *Manager {
	return &Manager{
		active: make(map[int64]*Transaction),
		logger: logger.OrNop(l).Named("local-tm"),
	}
}

// Begin starts a transaction associated with the calling goroutine.
func (m *Manager) Begin(ctx context.Context) (Handle, error) {
	gid := commonutils.GoroutineID()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[gid]; ok {
		return nil, ErrNestedBegin
	}
	gtrid := uuid.New()
	txn := &Transaction{
		manager: m,
		id:      xa.NewID(FormatID, gtrid[:], nil),
		status:  StatusActive,
		owner:   gid,
	}
	m.active[gid] = txn
	m.logger.Debug("Began transaction", zap.Stringer("txn", txn.id))
	return txn, nil
}

// Current returns the transaction associated with the calling goroutine, or
// nil.
func (m *Manager) Current() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txn, ok := m.active[commonutils.GoroutineID()]; ok {
		return txn
	}
	return nil
}

// Suspend detaches the calling goroutine's transaction, ending each of its
// branches with TMSUSPEND, and returns it for a later Resume.
func (m *Manager) Suspend(ctx context.Context) (Handle, error) {
	gid := commonutils.GoroutineID()

	m.mu.Lock()
	txn, ok := m.active[gid]
	if ok {
		delete(m.active, gid)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoTransaction
	}

	txn.mu.Lock()
	txn.owner = 0
	txn.mu.Unlock()
	if err := txn.endBranches(ctx, xa.TMSuspend); err != nil {
		txn.SetRollbackOnly()
		return txn, err
	}
	return txn, nil
}

// Resume associates h with the calling goroutine and resumes its branches.
// The goroutine must not already have a transaction and h must not be
// associated with any goroutine.
func (m *Manager) Resume(ctx context.Context, h Handle) error {
	txn, ok := h.(*Transaction)
	if !ok || txn.manager != m {
		return ErrForeignHandle
	}
	gid := commonutils.GoroutineID()

	m.mu.Lock()
	if _, busy := m.active[gid]; busy {
		m.mu.Unlock()
		return ErrNestedBegin
	}
	txn.mu.Lock()
	if txn.owner != 0 {
		txn.mu.Unlock()
		m.mu.Unlock()
		return ErrAlreadyAssociated
	}
	if txn.status.done() {
		txn.mu.Unlock()
		m.mu.Unlock()
		return ErrNotActive
	}
	txn.owner = gid
	txn.mu.Unlock()
	m.active[gid] = txn
	m.mu.Unlock()

	return txn.startBranches(ctx, xa.TMResume)
}

// SetRollbackOnly marks the calling goroutine's transaction so that it can
// only roll back.
func (m *Manager) SetRollbackOnly() error {
	h := m.Current()
	if h == nil {
		return ErrNoTransaction
	}
	h.SetRollbackOnly()
	return nil
}

// disassociate drops txn from whichever goroutine it is attached to.
func (m *Manager) disassociate(txn *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for gid, t := range m.active {
		if t == txn {
			delete(m.active, gid)
		}
	}
}
