package commonutils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGoroutineIDStableWithinGoroutine(t *testing.T) {
	id := GoroutineID()
	require.Greater(t, id, int64(0))
	require.Equal(t, id, GoroutineID())
}

func TestGoroutineIDDistinctAcrossGoroutines(t *testing.T) {
	const n = 8
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = GoroutineID()
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]struct{}, n)
	for _, id := range ids {
		require.Greater(t, id, int64(0))
		seen[id] = struct{}{}
	}
	require.Len(t, seen, n)
}
