package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOptionsMissingFileReturnsDefaults(t *testing.T) {
	opt, err := LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions().MaxSegmentBytes, opt.MaxSegmentBytes)
}

func TestLoadOptionsOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_segment_bytes: 4096\nopen_files_max: 8\n"), 0644))

	opt, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), opt.MaxSegmentBytes)
	assert.Equal(t, uint32(8), opt.OpenFilesMax)
	// Untouched fields still fall back to defaults.
	assert.Equal(t, DefaultOptions().CompactionIntervalMs, opt.CompactionIntervalMs)
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	opt := Options{}.withDefaults()
	assert.Equal(t, DefaultOptions().SegmentSoftLimit, opt.SegmentSoftLimit)
	assert.NotNil(t, opt.Logger)
}
