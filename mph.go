// mph.go - Minimal perfect hash function capability
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
	"io"
)

// The engine does not pin an MPH algorithm; it depends only on the
// two small interfaces below. Keys reaching a builder are 64-bit
// pre-hashes of the application's byte-string keys (see mphIndex).

// MPHBuilder accumulates keys and freezes them into an immutable MPH.
type MPHBuilder interface {
	// Add a new key
	Add(key uint64) error

	// Freeze the builder into an immutable lookup structure
	Freeze() (MPH, error)
}

// MPH is a frozen perfect hash over the build set: a collision-free
// map of the n build keys onto [0, Len()). BBHash is minimal
// (Len() == n); CHD's range is nextpow2(n/load) and can exceed n.
type MPH interface {
	// Marshal the MPH into io.Writer 'w'; the writer is
	// guaranteed to start at a uint64 aligned boundary
	MarshalBinary(w io.Writer) (int, error)

	// Find the key and return a 0 based index - a perfect hash index.
	// The index is meaningful only for keys in the build set; callers
	// verify membership against their own key table.
	Find(key uint64) (uint64, bool)

	// Dump metadata about the constructed MPH to io.Writer 'w'
	DumpMeta(w io.Writer)

	// Return the size of the MPH index range
	Len() int
}

// chd and bbhash both must satisfy these two interfaces
var _ MPHBuilder = &chdBuilder{}
var _ MPH = &chd{}

var _ MPHBuilder = &bbHashBuilder{}
var _ MPH = &bbHash{}

// newBuilder makes the builder for the configured algorithm.
func newBuilder(cfg *Config) (MPHBuilder, error) {
	if cfg.Kind == BBHash {
		return NewBBHashBuilder(cfg.Gamma)
	}
	return NewChdBuilder(cfg.Load)
}
