package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/storage/storetest"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open("test", Options{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store { return openMemory(t) })
}

func TestConflictingCommit(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	first, err := s.Begin(ctx, true)
	require.NoError(t, err)
	second, err := s.Begin(ctx, true)
	require.NoError(t, err)

	// Both read then write the same key.
	_, err = first.Get(ctx, []byte("counter"))
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = second.Get(ctx, []byte("counter"))
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, first.Put(ctx, []byte("counter"), []byte("1")))
	require.NoError(t, second.Put(ctx, []byte("counter"), []byte("1")))

	require.NoError(t, first.Commit(ctx))
	require.ErrorIs(t, second.Commit(ctx), storage.ErrConflict)
}

func TestOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open("test", Options{Dir: dir}, zap.NewNop())
	require.NoError(t, err)

	txn, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, txn.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, txn.Commit(ctx))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = Open("test", Options{Dir: dir}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	txn, err = s.Begin(ctx, false)
	require.NoError(t, err)
	v, err := txn.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
	require.NoError(t, txn.Rollback(ctx))
}
