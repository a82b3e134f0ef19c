package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

// Owner identifies the session holding or reserving the write lock.
type Owner string

// WriteLock is the single per-database write permit.
//
// At most one Owner holds it. The holder may additionally reserve it: while
// a reservation is outstanding only the reserving owner may obtain the
// permit, so the holder can release and re-obtain it around a commit without
// another session slipping in.
type WriteLock struct {
	mu       sync.Mutex
	holder   Owner
	reserver Owner
	changed  chan struct{}

	logger  *zap.Logger
	metrics *internaltelemetry.TxnMetrics
}

// NewWriteLock returns a free WriteLock. logger and metrics may be nil.
func NewWriteLock(l *zap.Logger, metrics *internaltelemetry.TxnMetrics) *WriteLock {
	return &WriteLock{
		changed: make(chan struct{}),
		logger:  logger.OrNop(l).Named("writelock"),
		metrics: metrics,
	}
}

// Obtain blocks until owner holds the write lock. It returns immediately if
// owner already holds it. Waiting ends early when ctx is done.
func (w *WriteLock) Obtain(ctx context.Context, owner Owner) error {
	if owner == "" {
		return ErrInvalidOwner
	}
	start := time.Now()

	w.mu.Lock()
	for {
		if w.holder == owner {
			w.mu.Unlock()
			return nil
		}
		if w.holder == "" && (w.reserver == "" || w.reserver == owner) {
			w.holder = owner
			w.mu.Unlock()
			waited := time.Since(start)
			w.metrics.WriteLockWaited(ctx, waited)
			w.logger.Debug("Obtained write lock", zap.String("owner", string(owner)), zap.Duration("waited", waited))
			return nil
		}
		changed := w.changed
		w.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("interrupted while waiting for write lock: %w", context.Cause(ctx))
		}
		w.mu.Lock()
	}
}

// IsHeldBy reports whether owner holds the write lock.
func (w *WriteLock) IsHeldBy(owner Owner) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return owner != "" && w.holder == owner
}

// Holder returns the current holder, or "".
func (w *WriteLock) Holder() Owner {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.holder
}

// Release gives up owner's hold. Releasing a free lock is a no-op.
func (w *WriteLock) Release(owner Owner) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.holder == "" {
		return nil
	}
	if w.holder != owner {
		return ErrHeldByOther
	}
	if w.reserver != "" && w.reserver != owner {
		return ErrReservedByOther
	}
	w.holder = ""
	w.broadcast()
	w.logger.Debug("Released write lock", zap.String("owner", string(owner)))
	return nil
}

// Reserve marks owner's intent to keep the permit across a release and
// re-obtain. owner must hold the lock or already have reserved it.
func (w *WriteLock) Reserve(owner Owner) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if owner == "" || (owner != w.reserver && owner != w.holder) {
		return ErrReserveWithoutHold
	}
	if owner != w.reserver && w.reserver != "" {
		return ErrAlreadyReserved
	}
	w.reserver = owner
	return nil
}

// IsReserved reports whether any owner holds a reservation.
func (w *WriteLock) IsReserved() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reserver != ""
}

// IsReservedBy reports whether owner holds the reservation.
func (w *WriteLock) IsReservedBy(owner Owner) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return owner != "" && w.reserver == owner
}

// ReleaseReserve clears owner's reservation and wakes waiters. It is a no-op
// when nothing is reserved.
func (w *WriteLock) ReleaseReserve(owner Owner) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reserver == "" {
		return nil
	}
	if w.reserver != owner {
		return ErrReleaseReserve
	}
	w.reserver = ""
	w.broadcast()
	return nil
}

// ClosingSession force-releases any reservation and hold belonging to owner.
// Both are attempted; the first error is returned.
func (w *WriteLock) ClosingSession(owner Owner) error {
	var first error
	if w.IsReservedBy(owner) {
		if err := w.ReleaseReserve(owner); err != nil {
			w.logger.Error("Error releasing reserve on force-close", zap.String("owner", string(owner)), zap.Error(err))
			first = err
		}
	}
	if w.IsHeldBy(owner) {
		if err := w.Release(owner); err != nil {
			w.logger.Error("Error releasing write-lock on force-close", zap.String("owner", string(owner)), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	if first != nil {
		return fmt.Errorf("force releasing write lock: %w", first)
	}
	return nil
}

// broadcast wakes every waiter. w.mu must be held.
func (w *WriteLock) broadcast() {
	close(w.changed)
	w.changed = make(chan struct{})
}
