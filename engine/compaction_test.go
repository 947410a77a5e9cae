package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactionAnalysisTracksLiveAndDead(t *testing.T) {
	a := newCompactionAnalysis()
	a.recordLive(1, 100)
	a.recordLive(1, 50)
	a.recordDead(1, 100)

	snap := a.snapshot()
	row := snap[1]
	assert.Equal(t, uint64(1), row.liveEntries)
	assert.Equal(t, uint64(1), row.deadEntries)
	assert.Equal(t, uint64(50), row.liveBytes)
	assert.Equal(t, uint64(100), row.deadBytes)
}

func TestCompactionAnalysisEligibleByDeadRatio(t *testing.T) {
	a := newCompactionAnalysis()
	a.recordLive(1, 10)
	a.recordDead(1, 90)

	opt := DefaultOptions()
	opt.DeadBytesRatioThreshold = 0.5
	opt.FragmentationThreshold = 1.1 // disable this trigger
	opt.DeadBytesThreshold = 1 << 40 // disable this trigger

	ids := a.eligible([]uint64{1}, opt)
	assert.Equal(t, []uint64{1}, ids)
}

func TestCompactionAnalysisNotEligibleBelowThresholds(t *testing.T) {
	a := newCompactionAnalysis()
	a.recordLive(1, 90)
	a.recordDead(1, 10)

	opt := DefaultOptions()
	opt.DeadBytesRatioThreshold = 0.9
	opt.FragmentationThreshold = 0.9
	opt.DeadBytesThreshold = 1 << 40

	ids := a.eligible([]uint64{1}, opt)
	assert.Empty(t, ids)
}

func TestCompactionAnalysisDropSegment(t *testing.T) {
	a := newCompactionAnalysis()
	a.recordLive(1, 10)
	a.dropSegment(1)
	snap := a.snapshot()
	_, ok := snap[1]
	assert.False(t, ok)
}

// TestCompactSegmentsLeavesNoBareOutputOnDisk exercises the merged
// segment's file once compaction has returned: it must be present only
// under its final <id>.log name, never left behind under <id>.tmp.
func TestCompactSegmentsLeavesNoBareOutputOnDisk(t *testing.T) {
	dir := t.TempDir()
	opt := testOptions()
	opt.MaxSegmentBytes = 64
	e, err := Open(dir, opt)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, e.Set([]byte("k"), []byte("some value to force rotation")))
	}

	e.segmentsMu.RLock()
	var sealed []uint64
	for id := range e.segments {
		sealed = append(sealed, id)
	}
	e.segmentsMu.RUnlock()
	require.NotEmpty(t, sealed)

	require.NoError(t, e.compactSegments(sealed))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, ent := range entries {
		assert.False(t, filepath.Ext(ent.Name()) == ".tmp", "stray compaction output left on disk: %s", ent.Name())
	}
}
