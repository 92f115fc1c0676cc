// table.go - point operations against the slot array
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

// Get looks up 'key' and returns a copy of its value. The bool result
// distinguishes a present empty value from a miss.
//
// Two distinct keys sharing a 32-bit fingerprint inside the same
// probe window can make Get return the other key's value; the
// probability is bounded by maxProbe * 2^-32. Callers needing a
// stronger guarantee embed a key digest in the value and verify.
func (db *DB) Get(key []byte) ([]byte, bool) {
	if db.closed.Load() {
		return nil, false
	}

	if db.cache != nil {
		if v, ok := db.cache.Get(string(key)); ok {
			return v, true
		}
	}

	km := db.km.Load()
	fp := fingerprint(key)

	var val []byte
	var found bool
	km.readSlots(key, fp, func(i uint64, term bool) bool {
		f, _ := db.st.loadMeta(i)
		switch {
		case f == _fpEmpty:
			return !term
		case f == _fpTomb || f != fp:
			return true
		}
		if v, ok := db.st.readSlot(i, fp); ok {
			val, found = v, true
			return false
		}
		// contended by a writer; treat as transient miss
		return true
	})

	if found && db.cache != nil {
		db.cache.Add(string(key), val)
	}
	return val, found
}

// Contains reports whether 'key' is present, without copying the
// value. Subject to the same fingerprint false-hit bound as Get.
func (db *DB) Contains(key []byte) bool {
	if db.closed.Load() {
		return false
	}

	km := db.km.Load()
	fp := fingerprint(key)

	var found bool
	km.readSlots(key, fp, func(i uint64, term bool) bool {
		f, _ := db.st.loadMeta(i)
		switch {
		case f == _fpEmpty:
			return !term
		case f == _fpTomb || f != fp:
			return true
		}
		found = true
		return false
	})
	return found
}

// Set inserts or overwrites 'key' with 'val'. The insert is journaled
// first, then published with the per-slot commit protocol.
func (db *DB) Set(key, val []byte) error {
	if err := db.writable(key); err != nil {
		return err
	}
	if len(val) > MaxValueLen {
		return ErrValueTooLarge
	}

	km := db.km.Load()
	fp := fingerprint(key)

	target, ok := findInsertSlot(db.st, km, key, fp)
	if !ok {
		return ErrTableFull
	}

	if err := db.jr.recordInsert(key); err != nil {
		return err
	}

	db.st.writeSlot(target, fp, val)
	db.st.bumpGeneration()
	return nil
}

// findInsertSlot picks the slot an insert of (key, fp) commits to:
// the matching occupied slot, else the earliest tombstone on the
// probe path, else the first empty slot. A non-terminal candidate
// (the incoming index's slot during a migration) is used only when it
// already holds this key; an empty one means the key has not moved
// yet and the write belongs on the outgoing chain.
func findInsertSlot(st *store, km *keymap, key []byte, fp uint32) (uint64, bool) {
	var target uint64
	var haveTarget bool

	km.writeSlots(key, fp, func(i uint64, term bool) bool {
		f, _ := st.loadMeta(i)
		switch {
		case f == fp:
			target, haveTarget = i, true
			return false
		case f == _fpEmpty:
			if !term {
				return true
			}
			if !haveTarget {
				target, haveTarget = i, true
			}
			return false
		case f == _fpTomb:
			if term && !haveTarget {
				target, haveTarget = i, true
			}
		}
		return true
	})
	return target, haveTarget
}

// Remove deletes 'key'. The slot is cleared to empty only when no
// later entry on its probe path depends on it as a bridge; otherwise
// it keeps a tombstone so unrelated lookups probing through it still
// terminate correctly.
func (db *DB) Remove(key []byte) error {
	if err := db.writable(key); err != nil {
		return err
	}

	km := db.km.Load()
	fp := fingerprint(key)

	// during a migration the key may exist in two places; both copies
	// go, or a reader would resurrect the other one
	var migAt, at uint64
	var haveMig, found bool
	km.writeSlots(key, fp, func(i uint64, term bool) bool {
		f, _ := db.st.loadMeta(i)
		switch {
		case f == _fpEmpty:
			return !term
		case f == _fpTomb || f != fp:
			return true
		}
		if !term {
			haveMig, migAt = true, i
			return true
		}
		found, at = true, i
		return false
	})
	if !found && !haveMig {
		return ErrNotFound
	}

	if err := db.jr.recordRemove(key); err != nil {
		return err
	}

	if haveMig {
		// an MPH slot is never a probe bridge
		db.st.clearSlot(migAt, _fpEmpty)
	}
	if found {
		tomb := _fpTomb
		if km.idx != nil {
			if i, ok := km.idx.slotOf(key); ok && i == at {
				tomb = _fpEmpty
			}
		}
		if tomb == _fpTomb && db.chainEndsAt(km, fp, at) {
			tomb = _fpEmpty
		}
		db.st.clearSlot(at, tomb)
	}
	db.st.bumpGeneration()
	return nil
}

// chainEndsAt reports whether every probe slot after 'at' in the
// window for 'fp' is empty - in which case clearing 'at' to empty
// cannot cut any other key's probe path.
func (db *DB) chainEndsAt(km *keymap, fp uint32, at uint64) bool {
	tail := true
	seen := false
	km.std.slots(fp, func(i uint64) bool {
		if seen {
			if f, _ := db.st.loadMeta(i); f != _fpEmpty {
				tail = false
				return false
			}
			return true
		}
		if i == at {
			seen = true
		}
		return true
	})
	return tail
}

// Scan iterates all occupied slots in storage order, calling fp for
// each. The iteration is not a snapshot: concurrent mutations may or
// may not be observed, but every value passed to fp is
// self-consistent. A non-nil return from fp stops the scan and is
// propagated.
func (db *DB) Scan(fp func(i uint64, fprint uint32, val []byte) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return db.scanRange(0, db.st.nslots, fp)
}

func (db *DB) scanRange(lo, hi uint64, fp func(i uint64, fprint uint32, val []byte) error) error {
	for i := lo; i < hi; i++ {
		f, _ := db.st.loadMeta(i)
		if f < _fpMin {
			continue
		}
		v, ok := db.st.readSlot(i, f)
		if !ok {
			// being rewritten; skip
			continue
		}
		if err := fp(i, f, v); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) writable(key []byte) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.cfg.ReadOnly {
		return ErrReadOnly
	}
	if len(key) > MaxKeyLen {
		return ErrKeyTooLarge
	}
	return nil
}
