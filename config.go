// config.go - engine configuration and statistics
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
	"time"
)

// MPHKind selects the minimal perfect hash algorithm used by Optimize().
type MPHKind byte

const (
	// CHD is Compress Hash Displace; the default.
	CHD MPHKind = iota

	// BBHash is the leveled-bitvector construction; better suited to
	// very large key sets.
	BBHash
)

const (
	// DefaultMaxProbe is the bound on linear probing in the standard
	// hasher. Keeps the worst-case lookup within a small cache-local
	// window; at load factors <= 0.5 insert failure is rare and
	// surfaces as ErrTableFull.
	DefaultMaxProbe = 10

	// DefaultLoad is the CHD hash table load factor.
	DefaultLoad = 0.85

	// DefaultGamma is the BBHash bitvector expansion factor.
	DefaultGamma = 2.0
)

// Config holds the recognized options for Create() and Open().
// The zero value is usable with Open(); Create() additionally
// requires SlotCount.
type Config struct {
	// SlotCount is the number of slots; fixed at creation and
	// determines the file size (512 + 512 * SlotCount bytes).
	// Ignored by Open().
	SlotCount uint64

	// MaxProbe bounds linear probing in the standard hasher.
	// 0 means DefaultMaxProbe.
	MaxProbe int

	// ReadOnly forbids all mutating operations on the handle.
	ReadOnly bool

	// SyncInterval enables the background durability worker: every
	// interval the mapped region is flushed asynchronously.
	// 0 disables the worker.
	SyncInterval time.Duration

	// CacheSize enables an ARC cache of values on read-only handles;
	// the number of cached records. 0 disables the cache. Ignored
	// unless ReadOnly is set: a cached value cannot observe writes
	// made through the same handle.
	CacheSize int

	// Kind selects the MPH algorithm for Optimize().
	Kind MPHKind

	// Load is the CHD load factor; 0 means DefaultLoad.
	Load float64

	// Gamma is the BBHash expansion factor; 0 means DefaultGamma.
	Gamma float64
}

// fill in defaults for unset fields
func (c *Config) setDefaults() {
	if c.MaxProbe <= 0 {
		c.MaxProbe = DefaultMaxProbe
	}
	if c.Load <= 0 || c.Load > 1 {
		c.Load = DefaultLoad
	}
	if c.Gamma <= 1.0 {
		c.Gamma = DefaultGamma
	}
}

// Stats is a point-in-time snapshot of table occupancy and hasher state.
type Stats struct {
	// Slots is the total slot count N.
	Slots uint64

	// Used is the number of occupied slots (tombstones excluded).
	Used uint64

	// LoadFactor is Used / Slots.
	LoadFactor float64

	// Generation is the header mutation counter.
	Generation uint64

	// MPHInstalled reports whether an MPH is serving lookups.
	MPHInstalled bool

	// MPHKeys is the number of keys in the installed MPH build set.
	MPHKeys uint64

	// MPHBytes is the serialized size of the installed MPH index.
	MPHBytes uint64

	// JournalLen is the number of journal entries (inserts + removes).
	JournalLen uint64
}
