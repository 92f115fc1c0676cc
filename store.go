// store.go - on-file layout: header, slot array, mapping
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
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The file has the following structure; all multibyte integers are
// little-endian:
//
//   Offset 0: header, 512 bytes
//     0x000 u32  magic = 0x4D415048
//     0x004 u32  format version
//     0x008 u64  slot count N
//     0x010 u64  generation; incremented on every committed mutation
//     0x018 u64  mph region file offset (0 if absent)
//     0x020 u64  mph region size (0 if absent)
//     0x028 u64  journal entry count (informational)
//     0x030 u64  mph generation; incremented on every install
//     0x038 ..   reserved, zero to 0x200
//
//   Offset 512 + 512*i: slot i, 512 bytes
//     +0x00 u64  metadata = fingerprint<<32 | version
//     +0x08 u32  value length
//     +0x0C u32  reserved = 0
//     +0x10      payload, 496 bytes
//
//   Offset 512 + 512*N: serialized MPH region (if installed); written
//   and read with plain file i/o so the mapping never has to move.
//
// The slot metadata word is the commit point: version is odd while a
// write is in flight and even when quiescent. Readers copy the payload
// between two acquiring loads of the word and retry on any change
// (a seqlock). Fingerprint 0 marks an empty slot, 1 a tombstone.

const (
	_Magic      uint32 = 0x4D415048
	_Version    uint32 = 1
	_HeaderSize        = 512
	_SlotSize          = 512

	// MaxValueLen is the largest value that fits a slot payload.
	MaxValueLen = _SlotSize - 16

	// MaxKeyLen is the largest accepted key.
	MaxKeyLen = 1 << 16

	// header field offsets
	_hMagic      = 0x00
	_hVersion    = 0x04
	_hSlotCount  = 0x08
	_hGeneration = 0x10
	_hMPHOff     = 0x18
	_hMPHSize    = 0x20
	_hJournalLen = 0x28
	_hMPHGen     = 0x30

	// slot field offsets
	_sMeta    = 0x00
	_sVlen    = 0x08
	_sPayload = 0x10

	// reserved fingerprints; FNV outputs below _fpMin are bumped up
	_fpEmpty uint32 = 0
	_fpTomb  uint32 = 1
	_fpMin   uint32 = 2

	// bounded retries for a contended seqlock read
	_readRetries = 4
)

// store is the mapped header + slot array of one file.
type store struct {
	fd *os.File
	mm []byte
	fn string

	nslots uint64
	ro     bool
}

// createStore sizes a new file for 'nslots' slots, writes the header
// and maps it read-write.
func createStore(fn string, nslots uint64) (*store, error) {
	if nslots == 0 {
		return nil, fmt.Errorf("create %s: slot count must be non-zero", fn)
	}

	fd, err := os.OpenFile(fn, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", fn, err)
	}

	sz := int64(_HeaderSize + _SlotSize*nslots)
	if err = fd.Truncate(sz); err != nil {
		fd.Close()
		os.Remove(fn)
		return nil, fmt.Errorf("create %s: truncate to %d: %w", fn, sz, err)
	}

	s := &store{
		fd:     fd,
		fn:     fn,
		nslots: nslots,
	}

	if err = s.mapFile(sz, false); err != nil {
		fd.Close()
		os.Remove(fn)
		return nil, err
	}

	le := binary.LittleEndian
	le.PutUint32(s.mm[_hMagic:], _Magic)
	le.PutUint32(s.mm[_hVersion:], _Version)
	le.PutUint64(s.mm[_hSlotCount:], nslots)
	if err = s.flush(true); err != nil {
		s.close()
		os.Remove(fn)
		return nil, err
	}
	return s, nil
}

// openStore validates the header of an existing file and maps the
// header + slot array.
func openStore(fn string, ro bool) (*store, error) {
	flags := os.O_RDWR
	if ro {
		flags = os.O_RDONLY
	}

	fd, err := os.OpenFile(fn, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fn, err)
	}

	st, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("open %s: can't stat: %w", fn, err)
	}
	if st.Size() < _HeaderSize {
		fd.Close()
		return nil, fmt.Errorf("open %s: file too small: %w", fn, ErrBadMagic)
	}

	// Validate the header before touching the mapping.
	var hdr [_HeaderSize]byte
	if _, err = fd.ReadAt(hdr[:], 0); err != nil {
		fd.Close()
		return nil, fmt.Errorf("open %s: can't read header: %w", fn, err)
	}

	le := binary.LittleEndian
	if le.Uint32(hdr[_hMagic:]) != _Magic {
		fd.Close()
		return nil, fmt.Errorf("open %s: %w", fn, ErrBadMagic)
	}
	if v := le.Uint32(hdr[_hVersion:]); v != _Version {
		fd.Close()
		return nil, fmt.Errorf("open %s: version %d: %w", fn, v, ErrBadVersion)
	}

	nslots := le.Uint64(hdr[_hSlotCount:])
	mapsz := int64(_HeaderSize + _SlotSize*nslots)
	if nslots == 0 || st.Size() < mapsz {
		fd.Close()
		return nil, fmt.Errorf("open %s: header slot count %d inconsistent with size %d: %w",
			fn, nslots, st.Size(), ErrBadMagic)
	}

	s := &store{
		fd:     fd,
		fn:     fn,
		nslots: nslots,
		ro:     ro,
	}
	if err = s.mapFile(mapsz, ro); err != nil {
		fd.Close()
		return nil, err
	}
	return s, nil
}

func (s *store) mapFile(sz int64, ro bool) error {
	prot := unix.PROT_READ
	if !ro {
		prot |= unix.PROT_WRITE
	}

	mm, err := unix.Mmap(int(s.fd.Fd()), 0, int(sz), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s (%d bytes): %w", s.fn, sz, err)
	}

	// point lookups are random access
	unix.Madvise(mm, unix.MADV_RANDOM)
	s.mm = mm
	return nil
}

// metaWord returns the address of slot i's atomic metadata word.
func (s *store) metaWord(i uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.mm[_HeaderSize+_SlotSize*i+_sMeta]))
}

func packMeta(fp uint32, ver uint32) uint64 {
	return uint64(fp)<<32 | uint64(ver)
}

func unpackMeta(w uint64) (fp uint32, ver uint32) {
	return uint32(w >> 32), uint32(w)
}

// loadMeta returns slot i's fingerprint and version.
func (s *store) loadMeta(i uint64) (fp uint32, ver uint32) {
	return unpackMeta(toLEUint64(atomic.LoadUint64(s.metaWord(i))))
}

// readSlot copies out slot i's payload if the slot holds fingerprint
// 'fp' in a quiescent state. Retries a bounded number of times when a
// concurrent write moves the version; reports a miss after that (a
// later call will see the stable state).
func (s *store) readSlot(i uint64, fp uint32) ([]byte, bool) {
	base := _HeaderSize + _SlotSize*i
	mw := s.metaWord(i)

	for try := 0; try < _readRetries; try++ {
		m0 := toLEUint64(atomic.LoadUint64(mw))
		f, ver := unpackMeta(m0)
		if f != fp {
			return nil, false
		}
		if ver&1 == 1 {
			// write in progress
			continue
		}

		vlen := binary.LittleEndian.Uint32(s.mm[base+_sVlen:])
		if vlen > MaxValueLen {
			// torn read of a slot being rewritten
			continue
		}
		val := make([]byte, vlen)
		copy(val, s.mm[base+_sPayload:base+_sPayload+uint64(vlen)])

		if m1 := toLEUint64(atomic.LoadUint64(mw)); m1 == m0 {
			return val, true
		}
	}
	return nil, false
}

// writeSlot publishes 'val' under fingerprint 'fp' at slot i.
// Version goes odd, payload lands, version goes even.
func (s *store) writeSlot(i uint64, fp uint32, val []byte) {
	base := _HeaderSize + _SlotSize*i
	mw := s.metaWord(i)

	_, ver := unpackMeta(toLEUint64(atomic.LoadUint64(mw)))
	atomic.StoreUint64(mw, toLEUint64(packMeta(fp, ver+1)))

	binary.LittleEndian.PutUint32(s.mm[base+_sVlen:], uint32(len(val)))
	copy(s.mm[base+_sPayload:], val)

	atomic.StoreUint64(mw, toLEUint64(packMeta(fp, ver+2)))
}

// clearSlot marks slot i empty or tombstoned. The payload is not
// zeroed; the version keeps counting.
func (s *store) clearSlot(i uint64, fp uint32) {
	base := _HeaderSize + _SlotSize*i
	mw := s.metaWord(i)

	old, ver := unpackMeta(toLEUint64(atomic.LoadUint64(mw)))
	atomic.StoreUint64(mw, toLEUint64(packMeta(old, ver+1)))
	binary.LittleEndian.PutUint32(s.mm[base+_sVlen:], 0)
	atomic.StoreUint64(mw, toLEUint64(packMeta(fp, ver+2)))
}

// prefetch touches slot i's metadata word to pull its cache line /
// page in ahead of a subsequent read.
func (s *store) prefetch(i uint64) {
	atomic.LoadUint64(s.metaWord(i))
}

// header generation counter

func (s *store) generation() uint64 {
	return toLEUint64(atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.mm[_hGeneration]))))
}

func (s *store) bumpGeneration() {
	p := (*uint64)(unsafe.Pointer(&s.mm[_hGeneration]))
	for {
		old := atomic.LoadUint64(p)
		g := toLEUint64(old) + 1
		if atomic.CompareAndSwapUint64(p, old, toLEUint64(g)) {
			return
		}
	}
}

// journal entry count, informational

func (s *store) journalLen() uint64 {
	return toLEUint64(atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.mm[_hJournalLen]))))
}

func (s *store) setJournalLen(n uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&s.mm[_hJournalLen])), toLEUint64(n))
}

// MPH region bookkeeping; mutated only under the optimize lock.

func (s *store) mphRegion() (off, sz uint64) {
	le := binary.LittleEndian
	return le.Uint64(s.mm[_hMPHOff:]), le.Uint64(s.mm[_hMPHSize:])
}

func (s *store) setMPHRegion(off, sz uint64) {
	le := binary.LittleEndian
	le.PutUint64(s.mm[_hMPHOff:], off)
	le.PutUint64(s.mm[_hMPHSize:], sz)

	p := (*uint64)(unsafe.Pointer(&s.mm[_hMPHGen]))
	atomic.StoreUint64(p, toLEUint64(toLEUint64(atomic.LoadUint64(p))+1))
}

func (s *store) mphGeneration() uint64 {
	return toLEUint64(atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.mm[_hMPHGen]))))
}

// regionStart is the file offset where the MPH region begins.
func (s *store) regionStart() uint64 {
	return _HeaderSize + _SlotSize*s.nslots
}

// writeRegion persists 'buf' after the slot array, growing the file
// as needed; the slot array is never relocated.
func (s *store) writeRegion(buf []byte) error {
	off := int64(s.regionStart())
	if err := s.fd.Truncate(off + int64(len(buf))); err != nil {
		return fmt.Errorf("%s: grow for MPH region: %w", s.fn, err)
	}
	if _, err := s.fd.WriteAt(buf, off); err != nil {
		return fmt.Errorf("%s: write MPH region: %w", s.fn, err)
	}
	return s.fd.Sync()
}

// readRegion reads the installed MPH region back.
func (s *store) readRegion() ([]byte, error) {
	off, sz := s.mphRegion()
	if sz == 0 {
		return nil, nil
	}
	if off != s.regionStart() {
		return nil, fmt.Errorf("%s: MPH region offset %d out of place", s.fn, off)
	}

	buf := make([]byte, sz)
	if _, err := s.fd.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("%s: read MPH region: %w", s.fn, err)
	}
	return buf, nil
}

// flush writes dirty pages back; sync waits for the i/o to complete.
func (s *store) flush(sync bool) error {
	if s.ro {
		return nil
	}
	how := unix.MS_ASYNC
	if sync {
		how = unix.MS_SYNC
	}
	if err := unix.Msync(s.mm, how); err != nil {
		return fmt.Errorf("msync %s: %w", s.fn, err)
	}
	return nil
}

func (s *store) close() error {
	if s.mm == nil {
		return nil
	}
	if err := unix.Munmap(s.mm); err != nil {
		return fmt.Errorf("munmap %s: %w", s.fn, err)
	}
	s.mm = nil
	return s.fd.Close()
}
