package xaresource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/storage/memstore"
	"github.com/sushant-115/gojotxn/core/transaction/xa"
)

func newManager(t *testing.T) (*Manager, *memstore.Store) {
	t.Helper()
	s := memstore.New("system", zap.NewNop())
	return NewManager(s, zap.NewNop()), s
}

func requireCode(t *testing.T, want xa.Code, err error) {
	t.Helper()
	code, ok := xa.CodeOf(err)
	require.True(t, ok, "no xa code in %v", err)
	require.Equal(t, want, code, "error: %v", err)
}

func xid(b string) xa.ID { return xa.NewID(7, []byte("gtrid"), []byte(b)) }

func TestTwoPhaseCommit(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	r := m.NewResource(true)

	_, err := r.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, storage.ErrNotAssociated)

	require.NoError(t, r.Start(ctx, xid("1"), xa.TMNoFlags))
	require.NoError(t, r.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, r.End(ctx, xid("1"), xa.TMSuspend))
	require.ErrorIs(t, r.Put(ctx, []byte("k"), []byte("w")), storage.ErrNotAssociated)

	require.NoError(t, r.Start(ctx, xid("1"), xa.TMResume))
	v, err := r.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
	require.NoError(t, r.End(ctx, xid("1"), xa.TMSuccess))

	vote, err := r.Prepare(ctx, xid("1"))
	require.NoError(t, err)
	require.Equal(t, xa.VoteOK, vote)
	require.Zero(t, s.Len())

	require.NoError(t, r.Commit(ctx, xid("1"), false))
	require.Equal(t, 1, s.Len())
	require.Zero(t, m.Branches())
	requireCode(t, xa.NotA, r.Commit(ctx, xid("1"), false))
}

func TestOnePhaseCommit(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	r := m.NewResource(true)

	require.NoError(t, r.Start(ctx, xid("1"), xa.TMNoFlags))
	require.NoError(t, r.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, r.End(ctx, xid("1"), xa.TMSuccess))
	requireCode(t, xa.Proto, r.Commit(ctx, xid("1"), false))
	require.NoError(t, r.Commit(ctx, xid("1"), true))
	require.Equal(t, 1, s.Len())
}

func TestReadOnlyVoteReleasesBranch(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	r := m.NewResource(false)

	require.NoError(t, r.Start(ctx, xid("1"), xa.TMNoFlags))
	_, err := r.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, r.Put(ctx, []byte("k"), []byte("v")), storage.ErrReadOnly)
	require.NoError(t, r.End(ctx, xid("1"), xa.TMSuccess))

	vote, err := r.Prepare(ctx, xid("1"))
	require.NoError(t, err)
	require.Equal(t, xa.VoteReadOnly, vote)
	require.Zero(t, m.Branches())
}

func TestFailedBranchRollsBackOnPrepare(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	r := m.NewResource(true)

	require.NoError(t, r.Start(ctx, xid("1"), xa.TMNoFlags))
	require.NoError(t, r.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, r.End(ctx, xid("1"), xa.TMFail))

	_, err := r.Prepare(ctx, xid("1"))
	requireCode(t, xa.RBRollback, err)
	require.Zero(t, m.Branches())
	require.Zero(t, s.Len())
}

func TestPrepareConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	a := m.NewResource(true)
	b := m.NewResource(true)

	require.NoError(t, a.Start(ctx, xid("a"), xa.TMNoFlags))
	require.NoError(t, b.Start(ctx, xid("b"), xa.TMNoFlags))
	require.NoError(t, a.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, b.Put(ctx, []byte("b"), []byte("2")))
	require.NoError(t, a.End(ctx, xid("a"), xa.TMSuccess))
	require.NoError(t, b.End(ctx, xid("b"), xa.TMSuccess))

	require.NoError(t, a.Commit(ctx, xid("a"), true))
	err := b.Commit(ctx, xid("b"), true)
	requireCode(t, xa.RBRollback, err)
	require.ErrorIs(t, err, storage.ErrConflict)
	require.Equal(t, 1, s.Len())
	require.Zero(t, m.Branches())
}

func TestStartAndEndProtocol(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	r := m.NewResource(true)
	other := m.NewResource(true)

	require.NoError(t, r.Start(ctx, xid("1"), xa.TMNoFlags))
	requireCode(t, xa.DupID, r.Start(ctx, xid("1"), xa.TMNoFlags))
	requireCode(t, xa.Proto, r.Start(ctx, xid("1"), xa.TMResume))
	requireCode(t, xa.NotA, r.Start(ctx, xid("2"), xa.TMResume))
	requireCode(t, xa.Inval, r.Start(ctx, xid("2"), xa.TMFail))
	requireCode(t, xa.Inval, r.End(ctx, xid("1"), xa.TMJoin))
	requireCode(t, xa.NotA, r.End(ctx, xid("2"), xa.TMSuccess))

	// Join associates a second handle with the same branch.
	require.NoError(t, other.Start(ctx, xid("1"), xa.TMJoin))
	require.NoError(t, other.Put(ctx, []byte("k"), []byte("v")))
	v, err := r.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	// Join of an unknown branch starts it.
	require.NoError(t, other.Start(ctx, xid("3"), xa.TMJoin))
	require.Equal(t, 2, m.Branches())

	require.NoError(t, r.End(ctx, xid("1"), xa.TMSuspend))
	requireCode(t, xa.Proto, r.End(ctx, xid("1"), xa.TMSuspend))
	require.NoError(t, r.End(ctx, xid("1"), xa.TMSuccess))
	requireCode(t, xa.Proto, r.End(ctx, xid("1"), xa.TMSuccess))
	requireCode(t, xa.Proto, r.Start(ctx, xid("1"), xa.TMJoin))
}

func TestRollbackForgetAndAbort(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)
	r := m.NewResource(true)

	require.NoError(t, r.Start(ctx, xid("1"), xa.TMNoFlags))
	require.NoError(t, r.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, r.End(ctx, xid("1"), xa.TMSuccess))
	require.NoError(t, r.Rollback(ctx, xid("1")))
	requireCode(t, xa.NotA, r.Rollback(ctx, xid("1")))

	require.NoError(t, r.Start(ctx, xid("2"), xa.TMNoFlags))
	require.NoError(t, r.End(ctx, xid("2"), xa.TMSuccess))
	require.NoError(t, r.Forget(ctx, xid("2")))
	requireCode(t, xa.NotA, r.Forget(ctx, xid("2")))

	other := m.NewResource(true)
	require.NoError(t, r.Start(ctx, xid("3"), xa.TMNoFlags))
	require.NoError(t, other.Start(ctx, xid("4"), xa.TMNoFlags))
	require.NoError(t, r.Abort())
	require.Equal(t, 1, m.Branches())
	_, err := r.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, storage.ErrNotAssociated)
	require.Zero(t, s.Len())
}

func TestResourceIdentity(t *testing.T) {
	m, _ := newManager(t)
	other, _ := newManager(t)
	r := m.NewResource(true)

	require.True(t, r.IsSameRM(m.NewResource(false)))
	require.False(t, r.IsSameRM(other.NewResource(true)))

	ok, err := r.SetTransactionTimeout(10)
	require.NoError(t, err)
	require.True(t, ok)
	secs, err := m.NewResource(false).TransactionTimeout()
	require.NoError(t, err)
	require.Equal(t, 10, secs)
	_, err = r.SetTransactionTimeout(-5)
	requireCode(t, xa.Inval, err)

	xids, err := r.Recover(context.Background(), xa.TMStartRScan|xa.TMEndRScan)
	require.NoError(t, err)
	require.Empty(t, xids)
}
