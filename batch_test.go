// batch_test.go - batched and parallel operation tests
//
// (c) Sudhi Herle 2018
//
// Author: Sudhi Herle <sudhi@herle.net>
//
// This software does not come with any express or implied
// warranty; it is provided "as is". No claim  is made to its
// suitability for any purpose.

package slotdb

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func kvPairs(n int) (keys, vals [][]byte) {
	keys = make([][]byte, n)
	vals = make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		vals[i] = []byte(fmt.Sprintf("val-%d", i))
	}
	return keys, vals
}

func TestMultiSetGet(t *testing.T) {
	db := mkDB(t, 1024)

	keys, vals := kvPairs(300)
	n, err := db.MultiSet(keys, vals)
	require.NoError(t, err)
	require.Equal(t, 300, n)

	got := map[string]string{}
	var mu sync.Mutex
	hits := db.MultiGet(keys, func(k, v []byte) {
		mu.Lock()
		got[string(k)] = string(v)
		mu.Unlock()
	})
	require.Equal(t, 300, hits)
	for i := range keys {
		require.Equal(t, string(vals[i]), got[string(keys[i])])
	}

	// misses are not visited
	hits = db.MultiGet([][]byte{[]byte("nope"), keys[0]}, nil)
	require.Equal(t, 1, hits)
}

func TestMultiSetPartialError(t *testing.T) {
	db := mkDB(t, 1024)

	keys, vals := kvPairs(10)
	vals[3] = make([]byte, MaxValueLen+1)

	n, err := db.MultiSet(keys, vals)
	require.ErrorIs(t, err, ErrValueTooLarge)
	require.Equal(t, 9, n)

	// later pairs were still attempted
	_, ok := db.Get(keys[9])
	require.True(t, ok)
	_, ok = db.Get(keys[3])
	require.False(t, ok)
}

func TestMultiSetUnequalLengths(t *testing.T) {
	db := mkDB(t, 1024)

	keys, vals := kvPairs(10)
	n, err := db.MultiSet(keys, vals[:7])
	require.NoError(t, err)
	require.Equal(t, 7, n)
}

func TestParallelMultiGet(t *testing.T) {
	db := mkDB(t, 4096)

	keys, vals := kvPairs(1000)
	n, err := db.MultiSet(keys, vals)
	require.NoError(t, err)
	require.Equal(t, 1000, n)

	var mu sync.Mutex
	got := map[string]string{}
	hits := db.ParallelMultiGet(4, keys, func(k, v []byte) {
		mu.Lock()
		got[string(k)] = string(v)
		mu.Unlock()
	})
	require.Equal(t, 1000, hits)
	require.Len(t, got, 1000)
	for i := range keys {
		require.Equal(t, string(vals[i]), got[string(keys[i])])
	}
}

// small batches fall back to the sequential path
func TestParallelSmallBatch(t *testing.T) {
	db := mkDB(t, 64)

	keys, vals := kvPairs(5)
	n, err := db.ParallelMultiSet(8, keys, vals)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	hits := db.ParallelMultiGet(8, keys, nil)
	require.Equal(t, 5, hits)
}

func TestParallelScan(t *testing.T) {
	db := mkDB(t, 4096)

	keys, vals := kvPairs(500)
	_, err := db.MultiSet(keys, vals)
	require.NoError(t, err)

	var n int64
	var mu sync.Mutex
	err = db.ParallelScan(4, func(i uint64, fp uint32, val []byte) error {
		mu.Lock()
		n++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(500), n)
}
