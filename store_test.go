// store_test.go - file layout and slot protocol tests
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
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStoreCreateOpen(t *testing.T) {
	assert := newAsserter(t)

	fn := filepath.Join(t.TempDir(), "t.db")
	s, err := createStore(fn, 16)
	assert(err == nil, "create: %s", err)

	st, err := os.Stat(fn)
	assert(err == nil, "stat: %s", err)
	assert(st.Size() == 512+512*16, "file size: exp %d, saw %d", 512+512*16, st.Size())

	s.writeSlot(3, 0xdead, []byte("hello"))
	assert(s.close() == nil, "close failed")

	s, err = openStore(fn, false)
	assert(err == nil, "reopen: %s", err)
	assert(s.nslots == 16, "slot count: exp 16, saw %d", s.nslots)

	v, ok := s.readSlot(3, 0xdead)
	assert(ok, "slot 3 lost across reopen")
	assert(string(v) == "hello", "slot 3 value: exp hello, saw %q", v)
	s.close()
}

func TestStoreBadMagic(t *testing.T) {
	assert := newAsserter(t)

	fn := filepath.Join(t.TempDir(), "junk.db")
	buf := make([]byte, 2048)
	for i := range buf {
		buf[i] = byte(i)
	}
	assert(os.WriteFile(fn, buf, 0600) == nil, "can't write junk file")

	_, err := openStore(fn, false)
	assert(errors.Is(err, ErrBadMagic), "exp ErrBadMagic, saw %v", err)

	_, err = Open(fn, nil)
	assert(errors.Is(err, ErrBadMagic), "db open: exp ErrBadMagic, saw %v", err)
}

func TestStoreBadVersion(t *testing.T) {
	assert := newAsserter(t)

	fn := filepath.Join(t.TempDir(), "t.db")
	s, err := createStore(fn, 4)
	assert(err == nil, "create: %s", err)
	s.close()

	// clobber the version field
	fd, err := os.OpenFile(fn, os.O_RDWR, 0600)
	assert(err == nil, "reopen raw: %s", err)
	fd.WriteAt([]byte{0xff, 0, 0, 0}, _hVersion)
	fd.Close()

	_, err = openStore(fn, false)
	assert(errors.Is(err, ErrBadVersion), "exp ErrBadVersion, saw %v", err)
}

func TestSlotVersionMonotonic(t *testing.T) {
	assert := newAsserter(t)

	fn := filepath.Join(t.TempDir(), "t.db")
	s, err := createStore(fn, 4)
	assert(err == nil, "create: %s", err)
	defer s.close()

	_, prev := s.loadMeta(0)
	for i := 0; i < 100; i++ {
		s.writeSlot(0, 0x1234, []byte("x"))
		_, ver := s.loadMeta(0)
		assert(ver > prev, "version went backwards: %d -> %d", prev, ver)
		assert(ver&1 == 0, "quiescent version is odd: %d", ver)
		prev = ver

		s.clearSlot(0, _fpEmpty)
		_, ver = s.loadMeta(0)
		assert(ver > prev, "version went backwards on clear: %d -> %d", prev, ver)
		prev = ver
	}
}

func TestStoreMPHRegion(t *testing.T) {
	assert := newAsserter(t)

	fn := filepath.Join(t.TempDir(), "t.db")
	s, err := createStore(fn, 8)
	assert(err == nil, "create: %s", err)

	blob := []byte("some serialized index bits")
	assert(s.writeRegion(blob) == nil, "write region failed")
	s.setMPHRegion(s.regionStart(), uint64(len(blob)))
	assert(s.mphGeneration() == 1, "mph generation: exp 1, saw %d", s.mphGeneration())
	s.close()

	s, err = openStore(fn, false)
	assert(err == nil, "reopen: %s", err)
	defer s.close()

	got, err := s.readRegion()
	assert(err == nil, "read region: %s", err)
	assert(string(got) == string(blob), "region roundtrip: exp %q, saw %q", blob, got)
}

func TestHeaderInvariants(t *testing.T) {
	assert := newAsserter(t)

	fn := filepath.Join(t.TempDir(), "t.db")
	s, err := createStore(fn, 8)
	assert(err == nil, "create: %s", err)
	defer s.close()

	g0 := s.generation()
	s.bumpGeneration()
	s.bumpGeneration()
	assert(s.generation() == g0+2, "generation: exp %d, saw %d", g0+2, s.generation())

	s.setJournalLen(42)
	assert(s.journalLen() == 42, "journal len: exp 42, saw %d", s.journalLen())
}
