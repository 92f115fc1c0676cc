// db.go - engine handle: create, open, close, flush, stats
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
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/arc/v2"
)

// DB is one handle over one slot file. Readers are lock-free; the
// caller must ensure single-writer discipline per table. A process
// may hold independent handles over distinct files.
type DB struct {
	st *store
	jr *journal

	// current hasher state; swapped atomically by the optimizer
	km atomic.Pointer[keymap]

	cfg Config
	fn  string

	// serializes Optimize() and journal compaction
	optMu     sync.Mutex
	optCancel atomic.Bool

	// called before each migration chain; tests use it to cancel at a
	// deterministic point
	optStep func()

	fl *flusher

	// read-through value cache; read-only handles only
	cache *arc.ARCCache[string, []byte]

	closed atomic.Bool
}

// Create makes a new slot file at 'fn' sized for cfg.SlotCount slots,
// plus an empty journal next to it, and returns a ready handle.
func Create(fn string, cfg *Config) (*DB, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()
	if c.ReadOnly {
		return nil, fmt.Errorf("create %s: %w", fn, ErrReadOnly)
	}

	st, err := createStore(fn, c.SlotCount)
	if err != nil {
		return nil, err
	}
	return newDB(fn, st, c)
}

// Open returns a handle over an existing slot file. A previously
// installed MPH index is verified and put back in service.
func Open(fn string, cfg *Config) (*DB, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()

	st, err := openStore(fn, c.ReadOnly)
	if err != nil {
		return nil, err
	}
	return newDB(fn, st, c)
}

func newDB(fn string, st *store, cfg Config) (*DB, error) {
	db := &DB{
		st:  st,
		cfg: cfg,
		fn:  fn,
	}

	onAppend := st.setJournalLen
	if cfg.ReadOnly {
		onAppend = nil
	}
	jr, err := openJournal(fn+".journal", cfg.ReadOnly, onAppend)
	if err != nil {
		st.close()
		return nil, err
	}
	db.jr = jr

	km := newStdKeymap(st.nslots, cfg.MaxProbe)
	if buf, err := st.readRegion(); err != nil {
		db.shut()
		return nil, err
	} else if buf != nil {
		idx, err := loadMPHIndex(buf)
		if err != nil {
			db.shut()
			return nil, fmt.Errorf("open %s: %w", fn, err)
		}
		km = newMPHKeymap(idx, st.nslots, cfg.MaxProbe)
	}
	db.km.Store(km)

	if cfg.ReadOnly && cfg.CacheSize > 0 {
		db.cache, err = arc.NewARC[string, []byte](cfg.CacheSize)
		if err != nil {
			db.shut()
			return nil, err
		}
	}

	if cfg.SyncInterval > 0 && !cfg.ReadOnly {
		db.fl = newFlusher(st, cfg.SyncInterval)
		db.fl.start()
	}
	return db, nil
}

func (db *DB) shut() {
	if db.jr != nil {
		db.jr.close()
	}
	db.st.close()
}

// Size returns the slot count N.
func (db *DB) Size() uint64 {
	return db.st.nslots
}

// Flush asks the OS to write dirty pages of the mapping back, and
// syncs the journal. With sync set the call returns only after the
// data has hit storage.
func (db *DB) Flush(sync bool) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if err := db.jr.flush(); err != nil {
		return err
	}
	return db.st.flush(sync)
}

// Stats reports a point-in-time snapshot of the table.
func (db *DB) Stats() Stats {
	if db.closed.Load() {
		return Stats{}
	}

	s := Stats{
		Slots:      db.st.nslots,
		Generation: db.st.generation(),
		JournalLen: db.jr.count,
	}

	for i := uint64(0); i < db.st.nslots; i++ {
		if fp, _ := db.st.loadMeta(i); fp >= _fpMin {
			s.Used++
		}
	}
	s.LoadFactor = float64(s.Used) / float64(s.Slots)

	if km := db.km.Load(); km.idx != nil {
		s.MPHInstalled = true
		s.MPHKeys = km.idx.nkeys
		s.MPHBytes = km.idx.nbytes
	}
	return s
}

// CompactJournal rewrites the journal to the live-key projection.
func (db *DB) CompactJournal() error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.cfg.ReadOnly {
		return ErrReadOnly
	}

	db.optMu.Lock()
	defer db.optMu.Unlock()
	return db.jr.compact()
}

// Desc returns a short human description of the handle.
func (db *DB) Desc() string {
	var w strings.Builder

	st := db.Stats()
	fmt.Fprintf(&w, "slotdb %s: %d/%d slots (load %4.2f), generation %d\n",
		db.fn, st.Used, st.Slots, st.LoadFactor, st.Generation)
	if st.MPHInstalled {
		fmt.Fprintf(&w, "  MPH: %d keys, %s, generation %d\n",
			st.MPHKeys, humansize(st.MPHBytes), db.st.mphGeneration())
	}
	fmt.Fprintf(&w, "  journal: %d entries\n", st.JournalLen)
	return w.String()
}

// DumpMeta writes the handle description plus MPH metadata to 'w'.
func (db *DB) DumpMeta(w io.Writer) {
	fmt.Fprintf(w, "%s", db.Desc())
	if km := db.km.Load(); km.idx != nil {
		km.idx.mph.DumpMeta(w)
	}
}

// Close stops the durability worker, syncs the journal and releases
// the mapping. Idempotent.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	if db.fl != nil {
		db.fl.stop()
	}
	if db.cache != nil {
		db.cache.Purge()
	}

	err := db.jr.close()
	if e := db.st.close(); err == nil {
		err = e
	}
	return err
}
