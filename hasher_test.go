// hasher_test.go - fingerprint and probe sequence tests
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
	"testing"
)

func TestFingerprintReserved(t *testing.T) {
	assert := newAsserter(t)

	for _, s := range keyw {
		fp := fingerprint([]byte(s))
		assert(fp >= _fpMin, "fingerprint of %q hit a reserved value %d", s, fp)
	}

	// deterministic
	a := fingerprint([]byte("expectoration"))
	b := fingerprint([]byte("expectoration"))
	assert(a == b, "fingerprint not deterministic: %#x vs %#x", a, b)

	// empty key is legal
	assert(fingerprint(nil) >= _fpMin, "empty-key fingerprint reserved")
}

func TestStdHasherProbeBound(t *testing.T) {
	assert := newAsserter(t)

	h := stdHasher{base: 0, span: 64, maxProbe: 10}

	var got []uint64
	h.slots(12345, func(i uint64) bool {
		got = append(got, i)
		return true
	})
	assert(len(got) == 10, "probe count: exp 10, saw %d", len(got))

	p := uint64(12345) % 64
	for k, i := range got {
		exp := (p + uint64(k)) % 64
		assert(i == exp, "probe %d: exp slot %d, saw %d", k, exp, i)
		assert(i < 64, "probe %d out of range: %d", k, i)
	}

	// early termination
	got = got[:0]
	h.slots(12345, func(i uint64) bool {
		got = append(got, i)
		return len(got) < 3
	})
	assert(len(got) == 3, "early stop: exp 3 probes, saw %d", len(got))
}

func TestStdHasherFallbackRegion(t *testing.T) {
	assert := newAsserter(t)

	// geometry of a fallback region [20, 64)
	h := stdHasher{base: 20, span: 44, maxProbe: 10}
	for fp := uint32(2); fp < 1000; fp++ {
		h.slots(fp, func(i uint64) bool {
			assert(i >= 20 && i < 64, "fp %d probed slot %d outside [20,64)", fp, i)
			return true
		})
	}
}

func TestStdHasherTinySpan(t *testing.T) {
	assert := newAsserter(t)

	// window clamps to the span when the region is smaller than the bound
	h := stdHasher{base: 0, span: 4, maxProbe: 10}
	n := 0
	h.slots(7, func(i uint64) bool {
		n++
		return true
	})
	assert(n == 4, "clamped probe count: exp 4, saw %d", n)
}
