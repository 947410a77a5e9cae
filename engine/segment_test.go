package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentAppendAndReadAt(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(filepath.Join(dir, "0.seg"), 0)
	require.NoError(t, err)
	defer seg.close()

	off1, err := seg.append([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off1)

	off2, err := seg.append([]byte("world!"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), off2)

	got, err := seg.readAt(off1, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = seg.readAt(off2, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("world!"), got)
}

func TestSegmentReadAtOutOfRange(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(filepath.Join(dir, "0.seg"), 0)
	require.NoError(t, err)
	defer seg.close()

	seg.append([]byte("hi"))
	_, err = seg.readAt(0, 100)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSegmentGrowsPastInitialMapping(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(filepath.Join(dir, "0.seg"), 0)
	require.NoError(t, err)
	defer seg.close()

	big := make([]byte, segmentGrowSize*3)
	for i := range big {
		big[i] = byte(i)
	}
	off, err := seg.append(big)
	require.NoError(t, err)
	got, err := seg.readAt(off, uint64(len(big)))
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestSegmentFinalizeTruncatesToLogicalSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.seg")
	seg, err := createSegment(path, 0)
	require.NoError(t, err)

	seg.append([]byte("abc"))
	require.NoError(t, seg.finalize())

	reopened, err := openSegment(path, 0, false)
	require.NoError(t, err)
	defer reopened.close()
	assert.Equal(t, uint64(3), reopened.size)
}

func TestSegmentRenameAndRemove(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "0.seg")
	newPath := filepath.Join(dir, "0.seg.renamed")

	seg, err := createSegment(oldPath, 0)
	require.NoError(t, err)
	seg.append([]byte("x"))
	require.NoError(t, seg.rename(newPath))

	got, err := seg.readAt(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)

	require.NoError(t, seg.remove())
}
