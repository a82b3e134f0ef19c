package local

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction/xa"
	"github.com/sushant-115/gojotxn/core/transaction/xa/xatest"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewManager(l)
}

func TestBeginRejectsNestedTransaction(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, h, m.Current())
	require.Equal(t, FormatID, h.ID().FormatID())

	_, err = m.Begin(ctx)
	require.ErrorIs(t, err, ErrNestedBegin)

	require.NoError(t, h.Commit(ctx))
	require.Nil(t, m.Current())
	require.Equal(t, StatusCommitted, h.Status())
}

func TestSuspendResumeAcrossGoroutines(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	res := xatest.New("system")

	h, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Enlist(ctx, res))

	suspended, err := m.Suspend(ctx)
	require.NoError(t, err)
	require.Same(t, h, suspended)
	require.Nil(t, m.Current())

	_, err = m.Suspend(ctx)
	require.ErrorIs(t, err, ErrNoTransaction)

	// Resume on another goroutine, then commit there.
	done := make(chan error)
	go func() {
		if err := m.Resume(ctx, h); err != nil {
			done <- err
			return
		}
		if m.Current() != h {
			done <- errors.New("resumed transaction is not current")
			return
		}
		done <- h.Commit(ctx)
	}()
	require.NoError(t, <-done)

	require.Equal(t, []string{
		"start:TMNOFLAGS",
		"end:TMSUSPEND",
		"start:TMRESUME",
		"end:TMSUCCESS",
		"commit:1p",
	}, res.Calls())
}

func TestResumeRejectsMismatchedPairs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h1, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = m.Suspend(ctx)
	require.NoError(t, err)

	h2, err := m.Begin(ctx)
	require.NoError(t, err)

	// The goroutine already has h2.
	require.ErrorIs(t, m.Resume(ctx, h1), ErrNestedBegin)

	// h2 is associated with this goroutine; another may not resume it.
	errc := make(chan error)
	go func() { errc <- m.Resume(ctx, h2) }()
	require.ErrorIs(t, <-errc, ErrAlreadyAssociated)

	require.ErrorIs(t, NewManager(nil).Resume(ctx, h1), ErrForeignHandle)

	require.NoError(t, h2.Rollback(ctx))
	require.NoError(t, h1.Rollback(ctx))
	require.ErrorIs(t, m.Resume(ctx, h1), ErrNotActive)
}

func TestEnlistIsIdempotentPerResourceManager(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	res := xatest.New("system")

	h, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Enlist(ctx, res))
	require.NoError(t, h.Enlist(ctx, res.Handle()))
	require.Equal(t, 1, res.Count("start:TMNOFLAGS"))
	require.NoError(t, h.Rollback(ctx))
}

func TestTwoPhaseCommitSkipsReadOnlyVoters(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	a, b, ro := xatest.New("a"), xatest.New("b"), xatest.New("ro")
	ro.VoteReadOnly()

	h, err := m.Begin(ctx)
	require.NoError(t, err)
	for _, r := range []*xatest.Resource{a, b, ro} {
		require.NoError(t, h.Enlist(ctx, r))
	}
	require.NoError(t, h.Commit(ctx))

	require.Equal(t, []string{"start:TMNOFLAGS", "end:TMSUCCESS", "prepare", "commit:2p"}, a.Calls())
	require.Equal(t, []string{"start:TMNOFLAGS", "end:TMSUCCESS", "prepare", "commit:2p"}, b.Calls())
	require.Equal(t, []string{"start:TMNOFLAGS", "end:TMSUCCESS", "prepare"}, ro.Calls())

	// Branches share the global id and differ in qualifier.
	require.Equal(t, a.Xids()[0].GlobalTransactionID(), b.Xids()[0].GlobalTransactionID())
	require.NotEqual(t, a.Xids()[0], b.Xids()[0])
}

func TestPrepareFailureRollsBack(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	a, b, ro := xatest.New("a"), xatest.New("b"), xatest.New("ro")
	ro.VoteReadOnly()
	b.FailOn("prepare", xa.NewError(xa.RBIntegrity, "constraint"))

	h, err := m.Begin(ctx)
	require.NoError(t, err)
	for _, r := range []*xatest.Resource{ro, a, b} {
		require.NoError(t, h.Enlist(ctx, r))
	}

	err = h.Commit(ctx)
	require.True(t, IsRolledBack(err), "got %v", err)
	require.Equal(t, 1, a.Count("rollback"))
	require.Zero(t, b.Count("rollback"), "a branch that voted rollback is already rolled back")
	require.Zero(t, ro.Count("rollback"), "read-only branches are already released")
	require.Equal(t, StatusRolledBack, h.Status())

	require.NoError(t, h.Rollback(ctx), "rollback after a failed commit is a no-op")
}

func TestCommitFailureAfterPrepareIsHeuristic(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	a, b := xatest.New("a"), xatest.New("b")
	b.FailOn("commit", xa.NewError(xa.RMFail, "disk gone"))

	h, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Enlist(ctx, a))
	require.NoError(t, h.Enlist(ctx, b))

	err = h.Commit(ctx)
	code, ok := xa.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, xa.HeurHazard, code)
}

func TestOnePhaseCommitRollbackCode(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	a := xatest.New("a")
	a.FailOn("commit", xa.NewError(xa.RBRollback, "prepare failed"))

	h, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Enlist(ctx, a))
	require.True(t, IsRolledBack(h.Commit(ctx)))
	require.Equal(t, StatusRolledBack, h.Status())
}

func TestRollbackOnlyAndReconcile(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	a, b := xatest.New("a"), xatest.New("b")
	b.FailOn("rollback", xa.NewError(xa.HeurCommit, "already committed"))

	h, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Enlist(ctx, a))
	require.NoError(t, h.Enlist(ctx, b))
	require.NoError(t, m.SetRollbackOnly())
	require.Equal(t, StatusMarkedRollback, h.Status())

	require.ErrorContains(t, h.Enlist(ctx, xatest.New("c")), "marked for rollback")

	err = h.Commit(ctx)
	require.True(t, IsRolledBack(err))
	code, ok := xa.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, xa.HeurMixed, code)
	require.Equal(t, []string{"start:TMNOFLAGS", "end:TMFAIL", "rollback"}, a.Calls())

	require.ErrorIs(t, m.SetRollbackOnly(), ErrNoTransaction)
}

func TestEnlistStartFailureMarksRollback(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	a := xatest.New("a")
	a.FailOn("start", xa.NewError(xa.RMFail, "closed"))

	h, err := m.Begin(ctx)
	require.NoError(t, err)
	require.Error(t, h.Enlist(ctx, a))
	require.Equal(t, StatusMarkedRollback, h.Status())
	require.NoError(t, h.Rollback(ctx))
	require.ErrorIs(t, h.Commit(ctx), ErrNotActive)
}
