// journal_test.go - key journal tests
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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func mkJournal(t *testing.T) *journal {
	t.Helper()

	fn := filepath.Join(t.TempDir(), "t.journal")
	j, err := openJournal(fn, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.close() })
	return j
}

func TestJournalFormat(t *testing.T) {
	j := mkJournal(t)

	require.NoError(t, j.recordInsert([]byte("abc")))
	require.NoError(t, j.recordRemove([]byte("de")))
	require.NoError(t, j.flush())

	buf, err := os.ReadFile(j.fn)
	require.NoError(t, err)
	require.Equal(t, "I:3:abc\nR:2:de\n", string(buf))
}

// keys containing the delimiter or newlines must survive the
// length-prefixed format
func TestJournalHostileKeys(t *testing.T) {
	j := mkJournal(t)

	keys := [][]byte{
		[]byte("a:b:c"),
		[]byte("line1\nline2"),
		[]byte("I:5:fake\n"),
		{0, 1, 2, 0xff},
		{},
	}
	for _, k := range keys {
		require.NoError(t, j.recordInsert(k))
	}

	live, err := j.liveKeys()
	require.NoError(t, err)
	if d := cmp.Diff(keys, live, cmpopts.EquateEmpty()); d != "" {
		t.Fatalf("live keys mismatch (-want +got):\n%s", d)
	}
}

func TestJournalLiveKeys(t *testing.T) {
	j := mkJournal(t)

	// INSERT a, b, c; REMOVE b; re-INSERT b; REMOVE a
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, j.recordInsert([]byte(s)))
	}
	require.NoError(t, j.recordRemove([]byte("b")))
	require.NoError(t, j.recordInsert([]byte("b")))
	require.NoError(t, j.recordRemove([]byte("a")))

	// duplicate INSERTs collapse
	require.NoError(t, j.recordInsert([]byte("c")))

	live, err := j.liveKeys()
	require.NoError(t, err)

	want := [][]byte{[]byte("c"), []byte("b")}
	if d := cmp.Diff(want, live); d != "" {
		t.Fatalf("projection mismatch (-want +got):\n%s", d)
	}
	require.Equal(t, uint64(7), j.count)
}

func TestJournalCompact(t *testing.T) {
	j := mkJournal(t)

	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, j.recordInsert([]byte(s)))
	}
	require.NoError(t, j.recordRemove([]byte("b")))
	require.NoError(t, j.recordRemove([]byte("d")))

	before, err := j.liveKeys()
	require.NoError(t, err)

	require.NoError(t, j.compact())
	require.Equal(t, uint64(len(before)), j.count)

	after, err := j.liveKeys()
	require.NoError(t, err)
	if d := cmp.Diff(before, after); d != "" {
		t.Fatalf("compact changed projection (-want +got):\n%s", d)
	}

	// compacted file holds only INSERTs
	buf, err := os.ReadFile(j.fn)
	require.NoError(t, err)
	require.Equal(t, "I:1:a\nI:1:c\n", string(buf))

	// appends continue to work after the swap
	require.NoError(t, j.recordInsert([]byte("e")))
	after, err = j.liveKeys()
	require.NoError(t, err)
	require.Len(t, after, 3)
}

func TestJournalReopenCount(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "t.journal")

	j, err := openJournal(fn, false, nil)
	require.NoError(t, err)
	require.NoError(t, j.recordInsert([]byte("a")))
	require.NoError(t, j.recordInsert([]byte("b")))
	require.NoError(t, j.close())

	j, err = openJournal(fn, false, nil)
	require.NoError(t, err)
	defer j.close()
	require.Equal(t, uint64(2), j.count)
}

func TestJournalCorrupt(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "t.journal")
	require.NoError(t, os.WriteFile(fn, []byte("I:9999:short\n"), 0600))

	_, err := openJournal(fn, false, nil)
	require.Error(t, err)
}
