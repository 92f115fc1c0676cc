// optimize.go - build the MPH over live keys and install it
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

// Optimize reconstructs the live key set from the journal, builds a
// minimal perfect hash over it and installs it atomically. After a
// successful call every live key is served with a single slot probe;
// keys inserted later flow through the standard fallback region.
//
// Readers continue concurrently: during migration the table answers
// from both the incoming and outgoing hasher. Mutations are admitted
// too, but a Set racing the migration snapshot may be superseded by
// it; callers wanting the stronger guarantee quiesce writes around
// Optimize (the engine's single-writer discipline).
//
// On any failure the previously installed hasher is retained.
func (db *DB) Optimize() error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.cfg.ReadOnly {
		return ErrReadOnly
	}

	db.optMu.Lock()
	defer db.optMu.Unlock()
	db.optCancel.Store(false)

	keys, err := db.jr.liveKeys()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		// nothing to optimize
		return nil
	}
	if uint64(len(keys)) > db.st.nslots {
		return ErrCapacity
	}

	idx, err := newMPHIndex(&db.cfg, keys)
	if err != nil {
		return err
	}
	if idx.n() > db.st.nslots {
		return ErrCapacity
	}

	// Snapshot every live key's value through the outgoing hasher
	// before any slot moves.
	old := db.km.Load()
	ents := db.snapshot(old, idx, keys)

	// Persist the index; the header region pointers flip only after
	// migration completes, so a crash mid-migration reopens on the
	// outgoing hasher.
	buf, err := idx.serialize()
	if err != nil {
		return err
	}
	if err = db.st.writeRegion(buf); err != nil {
		return err
	}

	// Migration window: readers consult the incoming index first,
	// then the outgoing chain. A key's old slot is overwritten only
	// after that key has moved; leftover old copies are swept after
	// publish.
	db.km.Store(old.migrating(idx))

	for _, chain := range migrationChains(ents) {
		if db.optStep != nil {
			db.optStep()
		}
		if db.optCancel.Load() {
			// stay in the dual-consult state; at a chain boundary
			// every key is whole in one place or the other, so all
			// of them keep answering until the next Optimize
			return ErrCanceled
		}
		for _, e := range chain {
			if !e.present {
				// journal-live but value unreadable: reserve the slot
				db.st.clearSlot(e.newSlot, _fpEmpty)
				continue
			}
			db.st.writeSlot(e.newSlot, e.fp, e.val)
		}
	}

	db.st.setMPHRegion(db.st.regionStart(), uint64(len(buf)))
	db.km.Store(db.km.Load().settled(db.st.nslots))

	// Every pre-optimize entry now lives in its assigned MPH slot;
	// anything left elsewhere - the fallback region, or indices the
	// MPH never assigns - is a stale copy.
	for i := uint64(0); i < db.st.nslots; i++ {
		if i < idx.n() && idx.keytbl[i] != 0 {
			continue
		}
		if fp, _ := db.st.loadMeta(i); fp != _fpEmpty {
			db.st.clearSlot(i, _fpEmpty)
		}
	}

	db.st.bumpGeneration()
	return nil
}

// CancelOptimize asks a running Optimize() to stop between key
// migrations. The table keeps answering from both the incoming and
// outgoing hasher, so every key stays readable until the next
// successful Optimize() publishes a settled state.
func (db *DB) CancelOptimize() {
	db.optCancel.Store(true)
}

// one key's move from its outgoing slot to its MPH slot
type migEntry struct {
	key     []byte
	fp      uint32
	val     []byte
	newSlot uint64
	oldSlot uint64
	present bool
}

// snapshot reads each live key's current slot and value through the
// outgoing hasher 'km'.
func (db *DB) snapshot(km *keymap, idx *mphIndex, keys [][]byte) []migEntry {
	ents := make([]migEntry, 0, len(keys))
	for _, k := range keys {
		i, ok := idx.slotOf(k)
		if !ok {
			// cannot happen: idx was built over 'keys'
			continue
		}
		e := migEntry{key: k, fp: fingerprint(k), newSlot: i}

		km.readSlots(k, e.fp, func(s uint64, term bool) bool {
			f, _ := db.st.loadMeta(s)
			switch {
			case f == _fpEmpty:
				return !term
			case f == _fpTomb || f != e.fp:
				return true
			}
			if v, ok := db.st.readSlot(s, e.fp); ok {
				e.val, e.oldSlot, e.present = v, s, true
				return false
			}
			return true
		})
		ents = append(ents, e)
	}
	return ents
}

// migrationChains arranges entries so that a slot is overwritten only
// after its previous occupant has moved to its own new slot. The
// "occupies" relation forms chains and cycles (old and new slots are
// both distinct per entry); each chain is emitted leaf-first, and a
// cycle is broken at an arbitrary entry, bounding the not-yet-readable
// window to one key inside one chain. A chain never depends on a
// later chain, so between chains every key is whole in one place or
// the other - the only safe points to pause or cancel.
func migrationChains(ents []migEntry) [][]migEntry {
	occ := make(map[uint64]int, len(ents))
	for i := range ents {
		if ents[i].present {
			occ[ents[i].oldSlot] = i
		}
	}

	const (
		unvisited = iota
		walking
		emitted
	)

	chains := make([][]migEntry, 0, len(ents))
	state := make([]byte, len(ents))
	stack := make([]int, 0, 16)

	for i := range ents {
		if state[i] != unvisited {
			continue
		}

		stack = stack[:0]
		j := i
		for {
			state[j] = walking
			stack = append(stack, j)

			p, ok := occ[ents[j].newSlot]
			if !ok || p == j || state[p] != unvisited {
				break
			}
			j = p
		}

		// deepest predecessor first
		chain := make([]migEntry, 0, len(stack))
		for k := len(stack) - 1; k >= 0; k-- {
			chain = append(chain, ents[stack[k]])
			state[stack[k]] = emitted
		}
		chains = append(chains, chain)
	}
	return chains
}
