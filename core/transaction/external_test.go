package transaction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotxn/core/transaction/xa"
)

func testXid(gtrid, bqual string) xa.ID { return xa.NewID(1, []byte(gtrid), []byte(bqual)) }

// startBranch starts xid on r and returns the transaction now associated
// with the session.
func startBranch(t *testing.T, f *fixture, r xa.Resource, xid xa.ID) *ExternalTransaction {
	t.Helper()
	require.NoError(t, r.Start(context.Background(), xid, xa.TMNoFlags))
	txn := f.external.Associated()
	require.NotNil(t, txn)
	require.Equal(t, xid, txn.Xid())
	return txn
}

func TestExternalTwoPhaseCommit(t *testing.T) {
	ctx := context.Background()
	wl := newWriteLock()
	reaper := newTestReaper(t)
	f := newFixture(t, "a", wl, reaper)
	res := newTestResource("system")
	r := f.external.XAResource(true)
	xid := testXid("g1", "b1")

	txn := startBranch(t, f, r, xid)
	require.True(t, wl.IsHeldBy("a"))
	require.Equal(t, StateIdle, txn.State())
	require.Equal(t, 1, reaper.Pending())

	var during State
	err := txn.Execute(ctx, NewOperation(true, func(ctx context.Context, _ Resolver, _ StorageSession, _ Metadata) error {
		if err := txn.Enlist(ctx, res); err != nil {
			return err
		}
		during = txn.State()
		return nil
	}), testMetadata)
	require.NoError(t, err)
	require.Equal(t, StateActive, during)
	require.Equal(t, StateSuspended, txn.State())

	require.NoError(t, r.End(ctx, xid, xa.TMSuccess))
	require.False(t, f.external.HasAssociated())

	vote, err := r.Prepare(ctx, xid)
	require.NoError(t, err)
	require.Equal(t, xa.VoteOK, vote)
	require.Equal(t, StatePrepared, txn.State())
	require.True(t, wl.IsHeldBy("a"))

	require.NoError(t, r.Commit(ctx, xid, false))
	require.Equal(t, StateCommitted, txn.State())
	require.Equal(t, []string{"start:TMNOFLAGS", "end:TMSUSPEND", "end:TMSUCCESS", "prepare", "commit:2p"}, res.Calls())
	require.Equal(t, []xa.ID{xid}, res.Xids())
	require.False(t, wl.IsHeldBy("a"))
	require.Empty(t, f.external.Transactions())
	require.Zero(t, reaper.Pending())
	require.NoError(t, txn.RollbackCause())

	requireCode(t, xa.NotA, r.Commit(ctx, xid, false))
}

func TestExternalOnePhaseCommit(t *testing.T) {
	ctx := context.Background()
	wl := newWriteLock()
	f := newFixture(t, "a", wl, nil)
	res := newTestResource("system")
	r := f.external.XAResource(true)
	xid := testXid("g1", "b1")

	txn := startBranch(t, f, r, xid)
	require.NoError(t, txn.Execute(ctx, enlistOp(txn, res), testMetadata))
	require.NoError(t, r.End(ctx, xid, xa.TMSuccess))
	require.NoError(t, r.Commit(ctx, xid, true))

	require.Equal(t, []string{"start:TMNOFLAGS", "end:TMSUSPEND", "end:TMSUCCESS", "prepare", "commit:2p"}, res.Calls())
	require.False(t, wl.IsHeldBy("a"))
}

func TestExternalOnePhasePrepareFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	wl := newWriteLock()
	f := newFixture(t, "a", wl, nil)
	res := newTestResource("system")
	res.FailOn("prepare", xa.NewError(xa.RMErr, "disk full"))
	r := f.external.XAResource(true)
	xid := testXid("g1", "b1")

	txn := startBranch(t, f, r, xid)
	require.NoError(t, txn.Execute(ctx, enlistOp(txn, res), testMetadata))
	require.NoError(t, r.End(ctx, xid, xa.TMSuccess))

	requireCode(t, xa.RMErr, r.Commit(ctx, xid, true))
	require.Equal(t, []string{"start:TMNOFLAGS", "end:TMSUSPEND", "end:TMSUCCESS", "prepare", "rollback"}, res.Calls())
	require.Equal(t, StateRolledBack, txn.State())
	require.False(t, wl.IsHeldBy("a"))

	// The branch is gone.
	requireCode(t, xa.NotA, r.Rollback(ctx, xid))
}

func TestExternalRollback(t *testing.T) {
	ctx := context.Background()
	wl := newWriteLock()
	f := newFixture(t, "a", wl, nil)
	res := newTestResource("system")
	r := f.external.XAResource(true)
	xid := testXid("g1", "b1")

	txn := startBranch(t, f, r, xid)
	require.NoError(t, txn.Execute(ctx, enlistOp(txn, res), testMetadata))
	require.NoError(t, r.End(ctx, xid, xa.TMSuccess))
	require.NoError(t, r.Rollback(ctx, xid))

	require.Equal(t, []string{"start:TMNOFLAGS", "end:TMSUSPEND", "end:TMFAIL", "rollback"}, res.Calls())
	require.Equal(t, StateRolledBack, txn.State())
	require.False(t, wl.IsHeldBy("a"))
	requireCode(t, xa.NotA, r.Rollback(ctx, xid))
}

func TestExternalEndFailRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", newWriteLock(), nil)
	res := newTestResource("system")
	r := f.external.XAResource(true)
	xid := testXid("g1", "b1")

	txn := startBranch(t, f, r, xid)
	require.NoError(t, txn.Execute(ctx, enlistOp(txn, res), testMetadata))
	require.NoError(t, r.End(ctx, xid, xa.TMFail))
	require.Equal(t, StateRolledBack, txn.State())
	require.False(t, f.external.HasAssociated())

	// A second rollback of the same branch is harmless.
	require.NoError(t, r.Rollback(ctx, xid))
	require.Equal(t, 1, res.Count("rollback"))
}

func TestExternalStartErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", newWriteLock(), nil)
	r := f.external.XAResource(false)
	xid := testXid("g1", "b1")
	other := testXid("g2", "b1")

	startBranch(t, f, r, xid)
	requireCode(t, xa.DupID, r.Start(ctx, xid, xa.TMNoFlags))
	requireCode(t, xa.RBDeadlock, r.Start(ctx, other, xa.TMNoFlags))
	requireCode(t, xa.Outside, r.Start(ctx, other, xa.TMJoin))
	require.NoError(t, r.Start(ctx, xid, xa.TMJoin))
	requireCode(t, xa.Inval, r.Start(ctx, xid, xa.TMSuccess))
	requireCode(t, xa.Inval, r.End(ctx, xid, xa.TMJoin))

	require.NoError(t, r.End(ctx, xid, xa.TMSuspend))
	requireCode(t, xa.NotA, r.Start(ctx, xid, xa.TMJoin))
	requireCode(t, xa.NotA, r.Start(ctx, other, xa.TMResume))
	requireCode(t, xa.NotA, r.End(ctx, other, xa.TMSuccess))
	requireCode(t, xa.NotA, r.Commit(ctx, other, true))
	requireCode(t, xa.NotA, r.Forget(ctx, other))
	_, err := r.Prepare(ctx, other)
	requireCode(t, xa.NotA, err)
}

func TestExternalSuspendResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", newWriteLock(), nil)
	res := newTestResource("system")
	r := f.external.XAResource(true)
	xid := testXid("g1", "b1")

	txn := startBranch(t, f, r, xid)
	require.NoError(t, txn.Execute(ctx, enlistOp(txn, res), testMetadata))
	require.NoError(t, r.End(ctx, xid, xa.TMSuspend))

	_, err := f.external.GetTransaction(ctx, false)
	require.ErrorIs(t, err, ErrNoAssociation)

	require.NoError(t, r.Start(ctx, xid, xa.TMResume))
	got, err := f.external.GetTransaction(ctx, true)
	require.NoError(t, err)
	require.Same(t, txn, got)
	require.NoError(t, txn.Execute(ctx, enlistOp(txn, res), testMetadata))
	require.NoError(t, r.End(ctx, xid, xa.TMSuccess))
	require.NoError(t, r.Commit(ctx, xid, true))

	require.Equal(t, []string{
		"start:TMNOFLAGS",
		"end:TMSUSPEND",
		"start:TMRESUME",
		"end:TMSUSPEND",
		"end:TMSUCCESS",
		"prepare",
		"commit:2p",
	}, res.Calls())
}

func TestExternalReadOnlyBranch(t *testing.T) {
	ctx := context.Background()
	wl := newWriteLock()
	f := newFixture(t, "a", wl, nil)
	r := f.external.XAResource(false)
	xid := testXid("g1", "b1")

	txn := startBranch(t, f, r, xid)
	require.False(t, wl.IsHeldBy("a"))

	_, err := f.external.GetTransaction(ctx, true)
	require.ErrorIs(t, err, ErrReadOnlyTransaction)
	got, err := f.external.GetTransaction(ctx, false)
	require.NoError(t, err)
	require.Same(t, txn, got)
}

func TestExternalReadOnlyVoteCompletesBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", newWriteLock(), nil)
	res := newTestResource("system")
	res.VoteReadOnly()
	r := f.external.XAResource(true)
	xid := testXid("g1", "b1")

	txn := startBranch(t, f, r, xid)
	require.NoError(t, txn.Execute(ctx, enlistOp(txn, res), testMetadata))
	require.NoError(t, r.End(ctx, xid, xa.TMSuccess))

	vote, err := r.Prepare(ctx, xid)
	require.NoError(t, err)
	require.Equal(t, xa.VoteReadOnly, vote)
	require.Equal(t, StateCommitted, txn.State())
	require.Empty(t, f.external.Transactions())
	require.Equal(t, []string{"start:TMNOFLAGS", "end:TMSUSPEND", "end:TMSUCCESS", "prepare"}, res.Calls())

	requireCode(t, xa.NotA, r.Commit(ctx, xid, false))
}

func TestExternalHeuristicRollback(t *testing.T) {
	ctx := context.Background()
	wl := newWriteLock()
	f := newFixture(t, "a", wl, nil)
	res := newTestResource("system")
	r := f.external.XAResource(true)
	xid := testXid("g1", "b1")

	txn := startBranch(t, f, r, xid)
	require.NoError(t, txn.Execute(ctx, enlistOp(txn, res), testMetadata))

	require.NoError(t, txn.HeuristicRollback(ctx, "idle-timeout"))
	require.NoError(t, txn.HeuristicRollback(ctx, "again"))
	require.Equal(t, StateHeuristicRollback, txn.State())
	require.EqualError(t, txn.RollbackCause(), "idle-timeout")
	require.False(t, wl.IsHeldBy("a"))
	require.Equal(t, []string{"start:TMNOFLAGS", "end:TMSUSPEND", "end:TMFAIL", "rollback"}, res.Calls())

	err := txn.Execute(ctx, enlistOp(txn), testMetadata)
	require.ErrorIs(t, err, ErrHeuristicRollback)

	requireCode(t, xa.RBProto, r.End(ctx, xid, xa.TMSuccess))
	_, err = r.Prepare(ctx, xid)
	requireCode(t, xa.RBRollback, err)
	requireCode(t, xa.RBRollback, r.Commit(ctx, xid, false))
	requireCode(t, xa.HeurRollback, r.Rollback(ctx, xid))
	require.ErrorContains(t, r.Rollback(ctx, xid), "idle-timeout")

	require.NoError(t, r.Forget(ctx, xid))
	requireCode(t, xa.NotA, r.Forget(ctx, xid))
	require.Zero(t, res.aborted.Load())
}

func TestExternalFailedOperationRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", newWriteLock(), nil)
	res := newTestResource("system")
	r := f.external.XAResource(true)
	xid := testXid("g1", "b1")
	boom := errors.New("boom")

	txn := startBranch(t, f, r, xid)
	op := NewOperation(true, func(ctx context.Context, _ Resolver, _ StorageSession, _ Metadata) error {
		if err := txn.Enlist(ctx, res); err != nil {
			return err
		}
		return boom
	})
	err := txn.Execute(ctx, op, testMetadata)
	require.ErrorIs(t, err, ErrOperationFailed)
	require.ErrorIs(t, err, boom)
	require.Equal(t, StateHeuristicRollback, txn.State())
	require.Equal(t, []string{"start:TMNOFLAGS", "end:TMSUSPEND", "end:TMFAIL", "rollback"}, res.Calls())

	requireCode(t, xa.RBRollback, r.Commit(ctx, xid, true))
}

func TestExternalRollbackReconcilesMixedOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", newWriteLock(), nil)
	committed := newTestResource("system")
	committed.FailOn("rollback", xa.NewError(xa.HeurCommit, "already committed"))
	clean := newTestResource("index")
	r := f.external.XAResource(true)
	xid := testXid("g1", "b1")

	txn := startBranch(t, f, r, xid)
	require.NoError(t, txn.Execute(ctx, enlistOp(txn, committed, clean), testMetadata))

	requireCode(t, xa.HeurMixed, r.End(ctx, xid, xa.TMFail))
	require.Equal(t, StateRolledBack, txn.State())
	require.Equal(t, 1, clean.Count("rollback"))
}

func TestExternalCommitFailureIsHeuristic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", newWriteLock(), nil)
	first := newTestResource("system")
	second := newTestResource("index")
	second.FailOn("commit", xa.NewError(xa.RMFail, "lost connection"))
	r := f.external.XAResource(true)
	xid := testXid("g1", "b1")

	txn := startBranch(t, f, r, xid)
	require.NoError(t, txn.Execute(ctx, enlistOp(txn, first, second), testMetadata))
	require.NoError(t, r.End(ctx, xid, xa.TMSuccess))
	_, err := r.Prepare(ctx, xid)
	require.NoError(t, err)

	requireCode(t, xa.HeurMixed, r.Commit(ctx, xid, false))
	requireCode(t, xa.HeurMixed, r.Commit(ctx, xid, false))
	requireCode(t, xa.HeurMixed, r.Commit(ctx, xid, true))
	require.Equal(t, 1, first.Count("commit:2p"), "a heuristic branch must not commit again")
	require.Equal(t, 1, second.Count("commit:2p"))
	// Kept for the coordinator to forget.
	require.NoError(t, r.Forget(ctx, xid))
	require.Positive(t, first.aborted.Load())
	requireCode(t, xa.NotA, r.Forget(ctx, xid))
}

func TestExternalClosingSession(t *testing.T) {
	ctx := context.Background()
	wl := newWriteLock()
	f := newFixture(t, "a", wl, newTestReaper(t))
	res := newTestResource("system")
	r := f.external.XAResource(true)
	xid := testXid("g1", "b1")

	txn := startBranch(t, f, r, xid)
	require.NoError(t, txn.Execute(ctx, enlistOp(txn, res), testMetadata))

	require.NoError(t, f.external.ClosingSession(ctx))
	require.Empty(t, wl.Holder())
	require.False(t, f.external.HasAssociated())
	require.Empty(t, f.external.Transactions())
	require.Equal(t, StateHeuristicRollback, txn.State())
	require.ErrorContains(t, txn.RollbackCause(), "session closed while holding write lock")
	require.Equal(t, []string{"start:TMNOFLAGS", "end:TMSUSPEND", "start:TMRESUME", "end:TMFAIL", "rollback"}, res.Calls())

	requireCode(t, xa.NotA, r.Commit(ctx, xid, false))
}

func TestExternalClosingSessionWithExpiredContext(t *testing.T) {
	ctx := context.Background()
	wl := newWriteLock()
	f := newFixture(t, "a", wl, newTestReaper(t))
	res := newTestResource("system")
	r := f.external.XAResource(true)
	xid := testXid("g1", "b1")

	txn := startBranch(t, f, r, xid)
	require.NoError(t, txn.Execute(ctx, enlistOp(txn, res), testMetadata))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, f.external.ClosingSession(canceled))
	require.Empty(t, wl.Holder())
	require.Empty(t, f.external.Transactions())
	require.Equal(t, StateHeuristicRollback, txn.State())
	require.Equal(t, 1, res.Count("rollback"))
}

func TestExternalResourceIdentity(t *testing.T) {
	a := newFixture(t, "a", newWriteLock(), nil)
	b := newFixture(t, "b", newWriteLock(), nil)

	ra := a.external.XAResource(true)
	require.True(t, ra.IsSameRM(a.external.XAResource(false)))
	require.False(t, ra.IsSameRM(b.external.XAResource(true)))
	require.False(t, ra.IsSameRM(newTestResource("system")))

	ok, err := ra.SetTransactionTimeout(30)
	require.NoError(t, err)
	require.True(t, ok)
	secs, err := ra.TransactionTimeout()
	require.NoError(t, err)
	require.Equal(t, 30, secs)

	_, err = ra.SetTransactionTimeout(-1)
	requireCode(t, xa.Inval, err)

	xids, err := ra.Recover(context.Background(), xa.TMStartRScan)
	require.NoError(t, err)
	require.Empty(t, xids)
}
