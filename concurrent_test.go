// concurrent_test.go - lock-free reader / single-writer tests
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
	"bytes"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// one writer alternates a key between two values while readers hammer
// Get: every successful read must see one of the two committed
// values, never a blend
func TestConcurrentReadersOneWriter(t *testing.T) {
	db := mkDB(t, 64)

	key := []byte("k")
	v1 := bytes.Repeat([]byte{'a'}, 400)
	v2 := bytes.Repeat([]byte{'b'}, 17)
	require.NoError(t, db.Set(key, v1))

	const nReaders = 8
	const nReads = 100000

	var stop atomic.Bool
	var torn atomic.Int64

	var wg sync.WaitGroup
	wg.Add(nReaders)
	for r := 0; r < nReaders; r++ {
		go func() {
			defer wg.Done()
			for i := 0; i < nReads; i++ {
				v, ok := db.Get(key)
				if !ok {
					// contended read; allowed, must be rare
					continue
				}
				if !bytes.Equal(v, v1) && !bytes.Equal(v, v2) {
					torn.Add(1)
					return
				}
			}
		}()
	}

	wdone := make(chan struct{})
	go func() {
		defer close(wdone)
		for i := 0; !stop.Load(); i++ {
			if i&1 == 0 {
				db.Set(key, v2)
			} else {
				db.Set(key, v1)
			}
		}
	}()

	wg.Wait()
	stop.Store(true)
	<-wdone
	require.Zero(t, torn.Load(), "reader observed a torn value")
}

// concurrent readers during an optimize see every key throughout
func TestConcurrentReadersDuringOptimize(t *testing.T) {
	db := mkDB(t, 256)

	fillSequential(t, db, 100)

	var stop atomic.Bool
	var missing atomic.Int64

	var wg sync.WaitGroup
	wg.Add(4)
	for r := 0; r < 4; r++ {
		go func() {
			defer wg.Done()
			for !stop.Load() {
				for _, k := range []string{"0", "42", "99"} {
					// the migration window for a key is a handful of
					// slot writes; a short retry loop must land
					found := false
					for try := 0; try < 1000 && !found; try++ {
						_, found = db.Get([]byte(k))
					}
					if !found {
						missing.Add(1)
					}
				}
			}
		}()
	}

	require.NoError(t, db.Optimize())
	stop.Store(true)
	wg.Wait()

	require.Zero(t, missing.Load(), "reader lost a key during optimize")
	checkSequential(t, db, 100)
}

// slot versions never move backwards under sustained rewrites
func TestVersionMonotonicUnderLoad(t *testing.T) {
	db := mkDB(t, 8)

	key := []byte("k")
	require.NoError(t, db.Set(key, []byte("v")))

	km := db.km.Load()
	slot := km.primarySlot(key, fingerprint(key))

	var stop atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		var prev uint32
		for !stop.Load() {
			_, ver := db.st.loadMeta(slot)
			if ver < prev {
				t.Errorf("version regressed: %d -> %d", prev, ver)
				return
			}
			prev = ver
		}
	}()

	for i := 0; i < 50000; i++ {
		db.Set(key, []byte("vv"))
	}
	stop.Store(true)
	<-done
}
