// Package storetest checks that a storage.Store behaves the way the
// transaction layer relies on.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/transaction"
)

// Run runs the conformance tests against stores returned by open. Each call
// of open must return a fresh, empty store.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("CommitIsVisible", func(t *testing.T) { testCommitIsVisible(t, open(t)) })
	t.Run("RollbackDiscards", func(t *testing.T) { testRollbackDiscards(t, open(t)) })
	t.Run("ReadOnlyRejectsWrites", func(t *testing.T) { testReadOnly(t, open(t)) })
	t.Run("PrepareVotes", func(t *testing.T) { testPrepareVotes(t, open(t)) })
	t.Run("ScanPrefix", func(t *testing.T) { testScanPrefix(t, open(t)) })
	t.Run("FinishedTransaction", func(t *testing.T) { testFinished(t, open(t)) })
}

func put(t *testing.T, s storage.Store, kv ...string) {
	t.Helper()
	ctx := context.Background()
	txn, err := s.Begin(ctx, true)
	require.NoError(t, err)
	for i := 0; i < len(kv); i += 2 {
		require.NoError(t, txn.Put(ctx, []byte(kv[i]), []byte(kv[i+1])))
	}
	readOnly, err := txn.Prepare(ctx)
	require.NoError(t, err)
	require.False(t, readOnly)
	require.NoError(t, txn.Commit(ctx))
}

func get(t *testing.T, s storage.Store, key string) ([]byte, error) {
	t.Helper()
	ctx := context.Background()
	txn, err := s.Begin(ctx, false)
	require.NoError(t, err)
	defer func() { require.NoError(t, txn.Rollback(ctx)) }()
	return txn.Get(ctx, []byte(key))
}

func testCommitIsVisible(t *testing.T, s storage.Store) {
	put(t, s, "a", "1", "b", "2")
	v, err := get(t, s, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	ctx := context.Background()
	txn, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, txn.Delete(ctx, []byte("a")))
	_, err = txn.Get(ctx, []byte("a"))
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, txn.Commit(ctx))

	_, err = get(t, s, "a")
	require.ErrorIs(t, err, storage.ErrNotFound)
	v, err = get(t, s, "b")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func testRollbackDiscards(t *testing.T, s storage.Store) {
	ctx := context.Background()
	txn, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, txn.Put(ctx, []byte("k"), []byte("v")))
	v, err := txn.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
	require.NoError(t, txn.Rollback(ctx))
	require.NoError(t, txn.Rollback(ctx))

	_, err = get(t, s, "k")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testReadOnly(t *testing.T, s storage.Store) {
	ctx := context.Background()
	txn, err := s.Begin(ctx, false)
	require.NoError(t, err)
	defer func() { require.NoError(t, txn.Rollback(ctx)) }()

	require.ErrorIs(t, txn.Put(ctx, []byte("k"), []byte("v")), storage.ErrReadOnly)
	require.ErrorIs(t, txn.Delete(ctx, []byte("k")), storage.ErrReadOnly)
	readOnly, err := txn.Prepare(ctx)
	require.NoError(t, err)
	require.True(t, readOnly)
}

func testPrepareVotes(t *testing.T, s storage.Store) {
	ctx := context.Background()
	txn, err := s.Begin(ctx, true)
	require.NoError(t, err)
	readOnly, err := txn.Prepare(ctx)
	require.NoError(t, err)
	require.True(t, readOnly, "untouched write transaction should vote read-only")
	require.NoError(t, txn.Commit(ctx))

	txn, err = s.Begin(ctx, true)
	require.NoError(t, err)
	require.ErrorIs(t, txn.Put(ctx, nil, []byte("v")), storage.ErrEmptyKey)
	require.NoError(t, txn.Rollback(ctx))
}

func testScanPrefix(t *testing.T, s storage.Store) {
	put(t, s, "user/2", "bob", "user/1", "alice", "group/1", "admins", "users", "x")

	ctx := context.Background()
	txn, err := s.Begin(ctx, false)
	require.NoError(t, err)
	defer func() { require.NoError(t, txn.Rollback(ctx)) }()

	c, err := txn.Scan(ctx, []byte("user/"))
	require.NoError(t, err)
	require.Equal(t, []string{"user/1=alice", "user/2=bob"}, drain(t, c))

	c, err = txn.Scan(ctx, []byte("none/"))
	require.NoError(t, err)
	require.Empty(t, drain(t, c))
}

func testFinished(t *testing.T, s storage.Store) {
	ctx := context.Background()
	txn, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, txn.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, txn.Commit(ctx))

	_, err = txn.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, storage.ErrTxnDone)
	require.ErrorIs(t, txn.Put(ctx, []byte("k"), []byte("w")), storage.ErrTxnDone)
	require.NoError(t, txn.Rollback(ctx))
}

func drain(t *testing.T, c transaction.Cursor) []string {
	t.Helper()
	var out []string
	for c.Next() {
		out = append(out, string(c.Key())+"="+string(c.Value()))
	}
	require.NoError(t, c.Err())
	require.NoError(t, c.Close())
	return out
}
