// errors.go - public errors exposed by slotdb
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
	"errors"
	"fmt"
)

func errShortWrite(who string, n int) error {
	return fmt.Errorf("%s: incomplete write; saw %d", who, n)
}

var (
	// ErrBadMagic is returned when the file is not a slotdb file.
	ErrBadMagic = errors.New("bad file magic")

	// ErrBadVersion is returned when the file format version is unsupported.
	ErrBadVersion = errors.New("unsupported format version")

	// ErrValueTooLarge is returned if a value exceeds the inline slot payload
	// (MaxValueLen bytes).
	ErrValueTooLarge = errors.New("value larger than slot payload")

	// ErrKeyTooLarge is returned if a key exceeds MaxKeyLen bytes.
	ErrKeyTooLarge = errors.New("key too large")

	// ErrTableFull is returned when an insert exhausts the probe window
	// without finding a usable slot.
	ErrTableFull = errors.New("probe window exhausted; table full")

	// ErrNotFound is returned when removing a key that is not present.
	ErrNotFound = errors.New("no such key")

	// ErrReadOnly is returned when a mutating operation is attempted on a
	// handle opened read-only.
	ErrReadOnly = errors.New("db is read-only")

	// ErrClosed is returned when the handle has already been closed.
	ErrClosed = errors.New("db is closed")

	// ErrMPHFail is returned when the underlying MPH construction fails;
	// the previously installed hasher is retained.
	ErrMPHFail = errors.New("failed to build MPH")

	// ErrCapacity is returned when the live key set is larger than the
	// slot count; the previously installed hasher is retained.
	ErrCapacity = errors.New("live keys exceed slot count")

	// ErrCanceled is returned when an Optimize() is canceled cooperatively;
	// all keys remain readable, the table consulting both the incoming
	// and the previous hasher.
	ErrCanceled = errors.New("optimize canceled")

	// ErrTooSmall is returned when unmarshaling from a truncated buffer.
	ErrTooSmall = errors.New("not enough data to unmarshal")
)
