package engine

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCacheEvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	paths := make(map[uint64]string)
	for i := uint64(0); i < 3; i++ {
		path := filepath.Join(dir, fmt.Sprintf("%d.seg", i))
		seg, err := createSegment(path, i)
		require.NoError(t, err)
		seg.append([]byte("x"))
		require.NoError(t, seg.finalize())
		seg.close()
		paths[i] = path
	}

	cache := newFileCache(2, func(id uint64) (*segment, error) {
		return openSegment(paths[id], id, false)
	})

	_, err := cache.get(0)
	require.NoError(t, err)
	_, err = cache.get(1)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.len())

	// Touch 0 again so 1 becomes the least recently used entry.
	_, err = cache.get(0)
	require.NoError(t, err)

	_, err = cache.get(2)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.len())

	cache.mu.Lock()
	_, stillCached := cache.items[1]
	cache.mu.Unlock()
	assert.False(t, stillCached, "segment 1 should have been evicted")
}

func TestFileCacheInvalidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.seg")
	seg, err := createSegment(path, 0)
	require.NoError(t, err)
	seg.append([]byte("x"))
	require.NoError(t, seg.finalize())
	seg.close()

	cache := newFileCache(4, func(id uint64) (*segment, error) {
		return openSegment(path, id, false)
	})
	_, err = cache.get(0)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.len())

	cache.invalidate(0)
	assert.Equal(t, 0, cache.len())
}
