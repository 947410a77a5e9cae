package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexInstallAndLookup(t *testing.T) {
	idx := newIndex()
	_, had := idx.lookup([]byte("k"))
	assert.False(t, had)

	prev, had := idx.install([]byte("k"), indexEntry{SegmentID: 1, Offset: 0, Length: 10, Timestamp: 1})
	assert.False(t, had)
	assert.Zero(t, prev)

	entry, ok := idx.lookup([]byte("k"))
	assert.True(t, ok)
	assert.Equal(t, uint64(1), entry.SegmentID)

	prev, had = idx.install([]byte("k"), indexEntry{SegmentID: 2, Offset: 5, Length: 3, Timestamp: 2})
	assert.True(t, had)
	assert.Equal(t, uint64(1), prev.SegmentID)
}

func TestIndexRetargetOnlyAppliesWhenUnchanged(t *testing.T) {
	idx := newIndex()
	original := indexEntry{SegmentID: 1, Offset: 0, Length: 10, Timestamp: 1}
	idx.install([]byte("k"), original)

	replacement := indexEntry{SegmentID: 9, Offset: 100, Length: 10, Timestamp: 1}
	ok := idx.retarget([]byte("k"), original, replacement)
	assert.True(t, ok)

	entry, _ := idx.lookup([]byte("k"))
	assert.Equal(t, replacement, entry)

	// A retarget against a now-stale expected value is a no-op: a
	// concurrent writer's newer entry must not be clobbered.
	newer := indexEntry{SegmentID: 3, Offset: 0, Length: 1, Timestamp: 5}
	idx.install([]byte("k"), newer)
	staleReplacement := indexEntry{SegmentID: 42, Offset: 0, Length: 1, Timestamp: 1}
	ok = idx.retarget([]byte("k"), replacement, staleReplacement)
	assert.False(t, ok)

	entry, _ = idx.lookup([]byte("k"))
	assert.Equal(t, newer, entry)
}

func TestIndexRemove(t *testing.T) {
	idx := newIndex()
	idx.install([]byte("k"), indexEntry{SegmentID: 1, Timestamp: 1})
	idx.remove([]byte("k"))
	_, ok := idx.lookup([]byte("k"))
	assert.False(t, ok)
}

func TestIndexSnapshotIsACopy(t *testing.T) {
	idx := newIndex()
	idx.install([]byte("k"), indexEntry{SegmentID: 1, Timestamp: 1})
	snap := idx.snapshot()
	idx.install([]byte("k2"), indexEntry{SegmentID: 2, Timestamp: 2})
	assert.Len(t, snap, 1)
	assert.Equal(t, 2, idx.len())
}
