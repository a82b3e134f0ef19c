// Package lock provides the two exclusion primitives of the transaction core:
// a per-session re-entrant Mutex that serializes every call on a session's
// transactions, and the database-wide WriteLock that admits one writing
// session at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	commonutils "github.com/sushant-115/gojotxn/internal/common_utils"
)

var errReleased = errors.New("mutex released")

// Mutex is a re-entrant mutual exclusion lock owned by a goroutine.
//
// Unlike sync.Mutex the current holder can be queried without blocking, and a
// goroutine that needs the lock urgently can interrupt the holder. Interrupts
// are delivered by cancelling the context returned from Bind, so a holder only
// observes them through contexts it has bound.
type Mutex struct {
	holder atomic.Int64

	mu       sync.Mutex
	depth    int
	released chan struct{}
	holdCtx  context.Context
	cancel   context.CancelCauseFunc
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{released: make(chan struct{})}
}

// Acquire blocks until the calling goroutine holds m, or re-enters if it
// already does. A timeout of zero waits forever.
func (m *Mutex) Acquire(ctx context.Context, timeout time.Duration) error {
	return m.acquire(ctx, timeout, false)
}

// AcquireWithInterrupt interrupts the current holder, if it is another
// goroutine, before waiting like Acquire.
func (m *Mutex) AcquireWithInterrupt(ctx context.Context, timeout time.Duration) error {
	return m.acquire(ctx, timeout, true)
}

func (m *Mutex) acquire(ctx context.Context, timeout time.Duration, interrupt bool) error {
	gid := commonutils.GoroutineID()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	m.mu.Lock()
	if interrupt {
		if h := m.holder.Load(); h != 0 && h != gid {
			m.cancel(ErrInterrupted)
		}
	}
	for {
		switch m.holder.Load() {
		case gid:
			m.depth++
			m.mu.Unlock()
			return nil
		case 0:
			m.holder.Store(gid)
			m.depth = 1
			m.holdCtx, m.cancel = context.WithCancelCause(context.Background())
			m.mu.Unlock()
			return nil
		}
		released := m.released
		m.mu.Unlock()

		select {
		case <-released:
		case <-deadline:
			return ErrTimeout
		case <-ctx.Done():
			return fmt.Errorf("waiting to acquire mutex: %w", context.Cause(ctx))
		}
		m.mu.Lock()
	}
}

// Release undoes one Acquire. The lock is only given up, and waiters woken,
// when the depth returns to zero.
func (m *Mutex) Release() error {
	gid := commonutils.GoroutineID()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder.Load() != gid {
		return ErrNotHolder
	}
	m.depth--
	if m.depth > 0 {
		return nil
	}
	m.holder.Store(0)
	m.cancel(errReleased)
	m.holdCtx, m.cancel = nil, nil
	close(m.released)
	m.released = make(chan struct{})
	return nil
}

// Holder returns the goroutine id of the current holder, or 0. It never blocks.
func (m *Mutex) Holder() int64 { return m.holder.Load() }

// HeldByCurrent reports whether the calling goroutine holds m.
func (m *Mutex) HeldByCurrent() bool {
	return m.holder.Load() == commonutils.GoroutineID()
}

// HeldByOther reports whether m is held by a goroutine other than the caller.
func (m *Mutex) HeldByOther() bool {
	h := m.holder.Load()
	return h != 0 && h != commonutils.GoroutineID()
}

// Depth returns the re-entrancy depth of the calling goroutine, 0 if it does
// not hold m.
func (m *Mutex) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder.Load() != commonutils.GoroutineID() {
		return 0
	}
	return m.depth
}

// Bind returns a copy of ctx that is also cancelled, with cause
// ErrInterrupted, when the caller's hold on m is interrupted. If the caller
// does not hold m the returned context is ctx itself.
func (m *Mutex) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	m.mu.Lock()
	if m.holder.Load() != commonutils.GoroutineID() {
		m.mu.Unlock()
		return ctx, func() {}
	}
	hold := m.holdCtx
	m.mu.Unlock()

	bound, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(hold, func() {
		if cause := context.Cause(hold); errors.Is(cause, ErrInterrupted) {
			cancel(cause)
		}
	})
	return bound, func() {
		stop()
		cancel(context.Canceled)
	}
}
