// hybrid.go - MPH index over byte keys and the hybrid hasher
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
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dchest/siphash"
)

// mphIndex pairs a frozen MPH with the membership key table.
//
// The MPH maps 64-bit pre-hashes of the build keys onto [0, n); the
// key table records, per index, the pre-hash that owns it. Membership
// is the MPH probe plus one table compare - false positives need a
// full 64-bit siphash collision.
//
// Serialized region layout (little-endian):
//
//	0x00 [4]byte  algorithm magic ("MPHC" or "MPHB")
//	0x04 u32      flags (0)
//	0x08 u64      key table length (the MPH range; >= key count)
//	0x10 [16]byte siphash salt
//	0x20          key table, one u64 per MPH index
//	...           marshaled MPH (8-byte aligned)
//	tail u64      xxhash64 of everything prior
const (
	_MagicCHD    = "MPHC"
	_MagicBBHash = "MPHB"

	_idxHeaderSize = 0x20
	_idxTrailerLen = 8
)

type mphIndex struct {
	mph MPH

	// per MPH index, the pre-hash owning it; 0 marks an index the
	// MPH never assigns (CHD is perfect but not minimal, so its
	// range can be larger than the key count)
	keytbl []uint64
	nkeys  uint64

	salt   []byte // 16 bytes; feeds siphash-2-4
	k0, k1 uint64
	kind   MPHKind

	// serialized size, for observability
	nbytes uint64
}

// keyHash reduces a byte-string key to the 64-bit key fed to the MPH.
func (x *mphIndex) keyHash(key []byte) uint64 {
	return siphash.Hash(x.k0, x.k1, key)
}

// n is the size of the slot region the index addresses; >= nkeys.
func (x *mphIndex) n() uint64 {
	return uint64(len(x.keytbl))
}

// slotOf returns the MPH slot for 'key' and whether the key is a
// member of the build set.
func (x *mphIndex) slotOf(key []byte) (uint64, bool) {
	h := x.keyHash(key)
	i, ok := x.mph.Find(h)
	if !ok || i >= uint64(len(x.keytbl)) || x.keytbl[i] != h {
		return 0, false
	}
	return i, true
}

func (x *mphIndex) magic() string {
	if x.kind == BBHash {
		return _MagicBBHash
	}
	return _MagicCHD
}

// serialize flattens the index for the on-file MPH region.
func (x *mphIndex) serialize() ([]byte, error) {
	var b bytes.Buffer

	le := binary.LittleEndian
	var hdr [_idxHeaderSize]byte
	copy(hdr[:4], x.magic())
	le.PutUint64(hdr[0x08:], uint64(len(x.keytbl)))
	copy(hdr[0x10:], x.salt)

	w := newErrWriter(&b)
	w.Write(hdr[:])
	w.Write(u64sToByteSlice(x.keytbl))
	if err := w.Error(); err != nil {
		return nil, err
	}
	if _, err := x.mph.MarshalBinary(&b); err != nil {
		return nil, err
	}

	var sum [8]byte
	le.PutUint64(sum[:], xxhash.Sum64(b.Bytes()))
	b.Write(sum[:])

	x.nbytes = uint64(b.Len())
	return b.Bytes(), nil
}

// loadMPHIndex reconstructs a previously serialized index, verifying
// the trailer checksum first.
func loadMPHIndex(buf []byte) (*mphIndex, error) {
	if len(buf) < _idxHeaderSize+_idxTrailerLen {
		return nil, ErrTooSmall
	}

	le := binary.LittleEndian
	body := buf[:len(buf)-_idxTrailerLen]
	want := le.Uint64(buf[len(buf)-_idxTrailerLen:])
	if sum := xxhash.Sum64(body); sum != want {
		return nil, fmt.Errorf("MPH region checksum mismatch; exp %#x, saw %#x", want, sum)
	}

	var kind MPHKind
	switch string(body[:4]) {
	case _MagicCHD:
		kind = CHD
	case _MagicBBHash:
		kind = BBHash
	default:
		return nil, fmt.Errorf("unknown MPH region type %q", body[:4])
	}

	nkeys := le.Uint64(body[0x08:])
	salt := make([]byte, 16)
	copy(salt, body[0x10:0x20])

	tblEnd := _idxHeaderSize + nkeys*8
	if uint64(len(body)) < tblEnd {
		return nil, ErrTooSmall
	}

	// copy the key table out of buf; the MPH unmarshaled below keeps
	// its own views into buf
	keytbl := make([]uint64, nkeys)
	copy(keytbl, bsToUint64Slice(body[_idxHeaderSize:tblEnd]))

	var mph MPH
	var err error
	if kind == BBHash {
		mph, err = newBBHash(body[tblEnd:])
	} else {
		mph, err = newChd(body[tblEnd:])
	}
	if err != nil {
		return nil, fmt.Errorf("can't unmarshal MPH index: %w", err)
	}

	var live uint64
	for _, h := range keytbl {
		if h != 0 {
			live++
		}
	}

	return &mphIndex{
		mph:    mph,
		keytbl: keytbl,
		nkeys:  live,
		salt:   salt,
		k0:     le.Uint64(salt[:8]),
		k1:     le.Uint64(salt[8:]),
		kind:   kind,
		nbytes: uint64(len(buf)),
	}, nil
}

// newMPHIndex builds an index over the distinct keys in 'keys'.
func newMPHIndex(cfg *Config, keys [][]byte) (*mphIndex, error) {
	bld, err := newBuilder(cfg)
	if err != nil {
		return nil, err
	}

	salt := randbytes(16)
	le := binary.LittleEndian
	x := &mphIndex{
		salt: salt,
		k0:   le.Uint64(salt[:8]),
		k1:   le.Uint64(salt[8:]),
		kind: cfg.Kind,
	}

	seen := make(map[uint64][]byte, len(keys))
	hashes := make([]uint64, 0, len(keys))
	for _, k := range keys {
		h := x.keyHash(k)
		if prev, ok := seen[h]; ok {
			if bytes.Equal(prev, k) {
				continue
			}
			// distinct keys colliding on the 64-bit pre-hash; a
			// rebuild with a fresh salt is the caller's recourse
			return nil, fmt.Errorf("pre-hash collision on %#x: %w", h, ErrMPHFail)
		}
		seen[h] = k
		hashes = append(hashes, h)
		if err = bld.Add(h); err != nil {
			return nil, err
		}
	}

	mph, err := bld.Freeze()
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMPHFail)
	}

	x.mph = mph
	x.nkeys = uint64(len(hashes))
	x.keytbl = make([]uint64, mph.Len())
	for _, h := range hashes {
		i, ok := mph.Find(h)
		if !ok || i >= uint64(len(x.keytbl)) {
			return nil, fmt.Errorf("MPH lost key %#x: %w", h, ErrMPHFail)
		}
		if x.keytbl[i] != 0 {
			return nil, fmt.Errorf("MPH mapped %#x and %#x to %d: %w",
				x.keytbl[i], h, i, ErrMPHFail)
		}
		x.keytbl[i] = h
	}
	return x, nil
}

// keymap composes the optional MPH index with the standard hasher;
// one immutable value per hasher state, swapped atomically on the DB.
//
// States:
//   - standard only:   idx == nil
//   - MPH installed:   idx != nil; std covers the fallback region [n, N)
//   - migrating:       mig != nil; reads and writes consult the incoming
//     index first and then the outgoing state (see writeSlots)
type keymap struct {
	idx *mphIndex
	mig *mphIndex
	std stdHasher
}

// newStdKeymap covers the whole table with the standard hasher.
func newStdKeymap(nslots uint64, maxProbe int) *keymap {
	return &keymap{
		std: stdHasher{base: 0, span: nslots, maxProbe: maxProbe},
	}
}

// newMPHKeymap reserves [0, n) for the index and probes [n, N) with
// the standard hasher. Requires n <= nslots (checked by the optimizer).
func newMPHKeymap(idx *mphIndex, nslots uint64, maxProbe int) *keymap {
	n := idx.n()
	span := nslots - n
	if span == 0 {
		// no fallback region; the standard hasher still needs a
		// non-zero modulus, any probe of it will find the table full
		span = 1
	}
	return &keymap{
		idx: idx,
		std: stdHasher{base: n, span: span, maxProbe: maxProbe},
	}
}

// migrating returns a copy of 'km' that additionally consults the
// incoming index on reads.
func (km *keymap) migrating(mig *mphIndex) *keymap {
	return &keymap{idx: km.idx, mig: mig, std: km.std}
}

// settled returns the post-migration state for the incoming index.
func (km *keymap) settled(nslots uint64) *keymap {
	return newMPHKeymap(km.mig, nslots, km.std.maxProbe)
}

// readSlots visits candidate slots for a lookup, in order. 'term'
// tells the visitor whether an empty slot at that candidate ends the
// lookup: the incoming index's slot during a migration does not - the
// key may simply not have moved yet, so the outgoing chain is
// consulted next.
func (km *keymap) readSlots(key []byte, fp uint32, visit func(i uint64, term bool) bool) {
	if km.mig != nil {
		if i, ok := km.mig.slotOf(key); ok && !visit(i, false) {
			return
		}
	}
	if km.idx != nil {
		if i, ok := km.idx.slotOf(key); ok {
			// outside a migration, member keys have exactly one candidate
			if !visit(i, true) || km.mig == nil {
				return
			}
		}
	}
	km.std.slots(fp, func(i uint64) bool {
		return visit(i, true)
	})
}

// writeSlots visits candidate slots for an insert or remove - the
// same order as readSlots: a mutation must land on the copy readers
// see first when the key has already moved, and fall back to the
// outgoing chain when it has not. The caller decides by looking at
// the slot; a non-terminal candidate is only used when it already
// holds the key.
func (km *keymap) writeSlots(key []byte, fp uint32, visit func(i uint64, term bool) bool) {
	km.readSlots(key, fp, visit)
}

// primarySlot is the first read candidate; used for prefetch.
func (km *keymap) primarySlot(key []byte, fp uint32) uint64 {
	if km.mig != nil {
		if i, ok := km.mig.slotOf(key); ok {
			return i
		}
	}
	if km.idx != nil {
		if i, ok := km.idx.slotOf(key); ok {
			return i
		}
	}
	return km.std.primary(fp)
}
