// batch.go - batched and parallel operations
//
// (c) Sudhi Herle 2018
//
// License GPLv2
//
// If you need a commercial license for this work, please contact
// the author.
//
// This software does not come with any express or implied
// warranty; it is provided "as is". No claim  is made to its
// suitability for any purpose.

package slotdb

import (
	"runtime"
	"sync"
)

// Minimum items per worker before the parallel entry points bother
// spinning up goroutines.
const _minPerWorker = 10

// MultiGet looks up every key, calling fp(key, value) for each hit,
// and returns the hit count. The first pass touches each key's
// primary slot to pull its page in ahead of the lookups.
func (db *DB) MultiGet(keys [][]byte, fp func(key, val []byte)) int {
	if db.closed.Load() {
		return 0
	}

	km := db.km.Load()
	for _, k := range keys {
		db.st.prefetch(km.primarySlot(k, fingerprint(k)))
	}

	hits := 0
	for _, k := range keys {
		if v, ok := db.Get(k); ok {
			hits++
			if fp != nil {
				fp(k, v)
			}
		}
	}
	return hits
}

// MultiSet stores each (keys[i], vals[i]) pair as an independent Set;
// there is no atomicity across the batch. Returns the number of pairs
// committed and the first error encountered; later pairs are still
// attempted.
func (db *DB) MultiSet(keys, vals [][]byte) (int, error) {
	n := len(keys)
	if len(vals) < n {
		n = len(vals)
	}

	var firstErr error
	committed := 0
	for i := 0; i < n; i++ {
		if err := db.Set(keys[i], vals[i]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		committed++
	}
	return committed, firstErr
}

// ParallelMultiGet is MultiGet over 'nw' workers, each taking a
// contiguous partition of 'keys'. Order across workers is not
// preserved; fp must be safe for concurrent calls. Small batches run
// sequentially.
func (db *DB) ParallelMultiGet(nw int, keys [][]byte, fp func(key, val []byte)) int {
	nw = clampWorkers(nw, len(keys))
	if nw <= 1 {
		return db.MultiGet(keys, fp)
	}

	var wg sync.WaitGroup
	hits := make([]int, nw)

	wg.Add(nw)
	for w, lo, hi := 0, 0, 0; w < nw; w++ {
		lo, hi = partition(len(keys), nw, w)
		go func(w, lo, hi int) {
			hits[w] = db.MultiGet(keys[lo:hi], fp)
			wg.Done()
		}(w, lo, hi)
	}
	wg.Wait()

	total := 0
	for _, h := range hits {
		total += h
	}
	return total
}

// ParallelMultiSet is MultiSet over 'nw' workers on contiguous
// partitions. The engine does not synchronize writers; this entry
// point is safe only because partitions never share a pair, but two
// colliding keys in different partitions may race on a slot - callers
// that cannot rule that out use MultiSet.
func (db *DB) ParallelMultiSet(nw int, keys, vals [][]byte) (int, error) {
	n := len(keys)
	if len(vals) < n {
		n = len(vals)
	}

	nw = clampWorkers(nw, n)
	if nw <= 1 {
		return db.MultiSet(keys[:n], vals[:n])
	}

	var wg sync.WaitGroup
	counts := make([]int, nw)
	errs := make([]error, nw)

	wg.Add(nw)
	for w := 0; w < nw; w++ {
		lo, hi := partition(n, nw, w)
		go func(w, lo, hi int) {
			counts[w], errs[w] = db.MultiSet(keys[lo:hi], vals[lo:hi])
			wg.Done()
		}(w, lo, hi)
	}
	wg.Wait()

	total := 0
	var firstErr error
	for w := 0; w < nw; w++ {
		total += counts[w]
		if firstErr == nil {
			firstErr = errs[w]
		}
	}
	return total, firstErr
}

// ParallelScan runs Scan over 'nw' workers, each covering a
// contiguous slot range. fp must be safe for concurrent calls; the
// first error stops only the worker that saw it.
func (db *DB) ParallelScan(nw int, fp func(i uint64, fprint uint32, val []byte) error) error {
	if db.closed.Load() {
		return ErrClosed
	}

	nw = clampWorkers(nw, int(db.st.nslots))
	if nw <= 1 {
		return db.Scan(fp)
	}

	var wg sync.WaitGroup
	errs := make([]error, nw)

	wg.Add(nw)
	for w := 0; w < nw; w++ {
		lo, hi := partition(int(db.st.nslots), nw, w)
		go func(w int, lo, hi uint64) {
			errs[w] = db.scanRange(lo, hi, fp)
			wg.Done()
		}(w, uint64(lo), uint64(hi))
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// clampWorkers bounds nw to something useful for 'items' items.
func clampWorkers(nw, items int) int {
	if nw <= 0 {
		nw = runtime.NumCPU()
	}
	if items < nw*_minPerWorker {
		return 1
	}
	return nw
}

// partition returns the [lo, hi) range of worker w of nw over n items.
func partition(n, nw, w int) (lo, hi int) {
	z := n / nw
	lo = z * w
	hi = lo + z
	if w == nw-1 {
		hi = n
	}
	return lo, hi
}
