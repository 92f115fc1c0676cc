// doc.go - top level documentation
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

// Package slotdb implements a memory-mapped key-value store tuned for
// sub-microsecond point lookups on a single machine.
//
// The store maps opaque byte-string keys to small byte-string values
// (at most 496 bytes). All state lives in a single file: a 512 byte
// header followed by an array of 512 byte, cache-line aligned slots.
// The file is mapped into the process and every read or write goes
// directly against the mapping; readers are lock-free and coordinate
// with a single writer through a per-slot atomic metadata word
// (a seqlock: odd versions mark writes in progress).
//
// Keys are located with a hybrid strategy. A standard hasher
// (FNV-1a fingerprint plus bounded linear probing) serves all keys
// initially. Once the working key set is known, Optimize() builds a
// minimal perfect hash function over the live keys - either
// Compress Hash Displace (http://cmph.sourceforge.net/papers/esa09.pdf)
// or BBHash (https://arxiv.org/abs/1702.03154) - and installs it
// atomically. Thereafter member keys are served with a single slot
// probe while new keys continue to flow through the standard
// fallback region.
//
// Insertions and removals are recorded in an append-only key journal
// kept next to the data file; the journal is the source of truth from
// which Optimize() reconstructs the live key set. It is never
// consulted on the read path.
package slotdb
