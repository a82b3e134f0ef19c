package transaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransactionalCursorKeepsReaderOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", newWriteLock(), nil)
	res := newTestResource("system")

	txn, err := f.internal.GetTransaction(ctx, false)
	require.NoError(t, err)

	src := &sliceCursor{
		keys:   [][]byte{[]byte("a"), []byte("b")},
		values: [][]byte{[]byte("1"), []byte("2")},
	}
	var cursor *TransactionalCursor
	err = txn.Execute(ctx, NewOperation(false, func(ctx context.Context, _ Resolver, _ StorageSession, _ Metadata) error {
		if err := txn.Enlist(ctx, res); err != nil {
			return err
		}
		var err error
		cursor, err = NewTransactionalCursor(ctx, txn, src)
		return err
	}), testMetadata)
	require.NoError(t, err)
	require.Equal(t, []string{"start:TMNOFLAGS", "end:TMSUSPEND"}, res.Calls())

	require.Equal(t, []string{"a=1", "b=2"}, collect(cursor))
	require.NoError(t, cursor.Err())
	require.NoError(t, cursor.Close())
	require.NoError(t, cursor.Close())

	require.True(t, src.closed)
	require.Equal(t, 4, res.Count("start:TMRESUME"))
	calls := res.Calls()
	require.Equal(t, []string{"start:TMRESUME", "end:TMSUCCESS", "commit:1p"}, calls[len(calls)-3:])
	require.Empty(t, f.internal.Transactions())
}
