package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	opt := DefaultOptions()
	opt.Logger = NewNoopLogger()
	opt.SyncPolicy = SyncEveryWrite
	return opt
}

func TestEngineSetGetRemove(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Set([]byte("k1"), []byte("v1")))

	v, ok, err := e.Get([]byte("k1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	_, ok, err = e.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	existed, err := e.Remove([]byte("k1"))
	require.NoError(t, err)
	assert.True(t, existed)

	_, ok, err = e.Get([]byte("k1"))
	require.NoError(t, err)
	assert.False(t, ok)

	existed, err = e.Remove([]byte("k1"))
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestEngineRejectsEmptyKey(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer e.Close()

	err = e.Set([]byte{}, []byte("v"))
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestEngineOperationsFailAfterClose(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	err = e.Set([]byte("k"), []byte("v"))
	assert.ErrorIs(t, err, ErrClosed)

	err = e.Close()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngineSecondOpenIsLocked(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer e.Close()

	_, err = Open(dir, testOptions())
	assert.ErrorIs(t, err, ErrLocked)
}

func TestEngineRecoversAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		require.NoError(t, e.Set([]byte(key), []byte(fmt.Sprintf("value-%d", i))))
	}
	_, err = e.Remove([]byte("key-050"))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	reopened, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get([]byte("key-099"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("value-99"), v)

	_, ok, err = reopened.Get([]byte("key-050"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngineRotatesSegmentsOnSize(t *testing.T) {
	dir := t.TempDir()
	opt := testOptions()
	opt.MaxSegmentBytes = 128
	e, err := Open(dir, opt)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%03d", i)
		require.NoError(t, e.Set([]byte(key), []byte("some reasonably sized value")))
	}

	stats := e.Stats()
	assert.Greater(t, stats.SegmentCount, 0)
}

func TestEngineCompactReclaimsOverwrittenKeys(t *testing.T) {
	dir := t.TempDir()
	opt := testOptions()
	opt.MaxSegmentBytes = 64
	opt.FragmentationThreshold = 0
	opt.DeadBytesThreshold = 1
	e, err := Open(dir, opt)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, e.Set([]byte("k"), []byte(fmt.Sprintf("v%d", i))))
	}

	require.NoError(t, e.Compact(context.Background()))

	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v19"), v)
}

func TestEngineConcurrentWritesToSameKeySurviveRestart(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	require.NoError(t, err)

	const writers = 8
	done := make(chan struct{}, writers)
	for i := 0; i < writers; i++ {
		i := i
		go func() {
			for j := 0; j < 25; j++ {
				_ = e.Set([]byte("k"), []byte(fmt.Sprintf("w%d-%d", i, j)))
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < writers; i++ {
		<-done
	}

	wantBeforeClose, _, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	reopened, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer reopened.Close()

	gotAfterReopen, ok, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, wantBeforeClose, gotAfterReopen)
}

func TestEngineTombstoneCountsAsDeadNotLive(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Set([]byte("k"), []byte("v")))
	statsAfterSet := e.Stats()
	assert.Greater(t, statsAfterSet.LiveBytes, uint64(0))

	_, err = e.Remove([]byte("k"))
	require.NoError(t, err)

	statsAfterRemove := e.Stats()
	assert.Equal(t, uint64(0), statsAfterRemove.LiveBytes)
	assert.Greater(t, statsAfterRemove.DeadBytes, statsAfterSet.DeadBytes)
	assert.Equal(t, 0, statsAfterRemove.KeyCount)
}

func TestInstallRecoveredTieBreaksOnSegmentID(t *testing.T) {
	e := &Engine{idx: newIndex(), analysis: newCompactionAnalysis()}
	key := []byte("k")

	e.installRecovered(key, indexEntry{SegmentID: 1, Timestamp: 5, Length: 10})
	e.installRecovered(key, indexEntry{SegmentID: 2, Timestamp: 5, Length: 10})

	got, ok := e.idx.lookup(key)
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.SegmentID)

	snap := e.analysis.snapshot()
	assert.Equal(t, uint64(1), snap[1].deadEntries)
	assert.Equal(t, uint64(1), snap[2].liveEntries)
}

func TestInstallRecoveredKeepsLaterTimestampRegardlessOfVisitOrder(t *testing.T) {
	e := &Engine{idx: newIndex(), analysis: newCompactionAnalysis()}
	key := []byte("k")

	e.installRecovered(key, indexEntry{SegmentID: 5, Timestamp: 10})
	e.installRecovered(key, indexEntry{SegmentID: 3, Timestamp: 20})

	got, ok := e.idx.lookup(key)
	require.True(t, ok)
	assert.Equal(t, uint64(20), got.Timestamp)
	assert.Equal(t, uint64(3), got.SegmentID)
}

func TestEngineRemovesStrayCompactionOutputOnOpen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, e.Set([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())

	strayPath := filepath.Join(dir, "00000000000000000099.tmp")
	require.NoError(t, os.WriteFile(strayPath, []byte("partial compaction output"), 0644))

	reopened, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer reopened.Close()

	_, statErr := os.Stat(strayPath)
	assert.True(t, os.IsNotExist(statErr))

	v, ok, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}
