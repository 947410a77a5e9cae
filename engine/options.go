package engine

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SyncPolicy controls when the active segment is fsynced.
type SyncPolicy int

const (
	// SyncNever relies entirely on the OS to flush dirty pages.
	SyncNever SyncPolicy = iota
	// SyncEveryWrite fsyncs the active segment before Set/Remove return.
	SyncEveryWrite
	// SyncInterval fsyncs the active segment on a fixed cadence, driven
	// by the syncer worker.
	SyncInterval
)

// Options configures an Engine. Zero-value fields are filled in from
// DefaultOptions by Open, except SyncPolicy and VerifyReads, whose zero
// values (SyncNever, false) are kept as given.
type Options struct {
	// MaxSegmentBytes bounds the active segment; once exceeded, a write
	// triggers rotation to a fresh segment.
	MaxSegmentBytes uint64 `yaml:"max_segment_bytes"`

	// OpenFilesMax bounds the number of immutable segment handles kept
	// open in the LRU cache, not counting the active segment.
	OpenFilesMax uint32 `yaml:"open_files_max"`

	// SyncPolicy and SyncIntervalMs control durability of the active
	// segment. SyncIntervalMs is only consulted when SyncPolicy is
	// SyncInterval.
	SyncPolicy     SyncPolicy `yaml:"sync_policy"`
	SyncIntervalMs uint64     `yaml:"sync_interval_ms"`

	// CompactionIntervalMs is the cadence at which the compactor scans
	// for eligible segments.
	CompactionIntervalMs uint64 `yaml:"compaction_interval_ms"`

	// FragmentationThreshold, DeadBytesThreshold, and
	// DeadBytesRatioThreshold are compaction eligibility triggers; a
	// segment is eligible if any one of them is met.
	FragmentationThreshold  float32 `yaml:"fragmentation_threshold"`
	DeadBytesThreshold      uint64  `yaml:"dead_bytes_threshold"`
	DeadBytesRatioThreshold float32 `yaml:"dead_bytes_ratio_threshold"`

	// CompactionBatchSegments bounds how many eligible segments a single
	// compaction pass merges together.
	CompactionBatchSegments int `yaml:"compaction_batch_segments"`

	// SegmentSoftLimit blocks Set/Remove (until compaction drains below
	// the limit); SegmentHardLimit fails them outright with
	// ErrOverloaded. Both count only immutable segments.
	SegmentSoftLimit uint32 `yaml:"segment_soft_limit"`
	SegmentHardLimit uint32 `yaml:"segment_hard_limit"`

	// VerifyReads forces Get to re-validate a record's checksum by
	// reading the full record (header included) rather than trusting
	// the index-resolved value range.
	VerifyReads bool `yaml:"verify_reads"`

	// Logger receives leveled log lines from the engine and its
	// background workers. Defaults to a stdlib-backed logger writing to
	// os.Stderr when nil.
	Logger Logger `yaml:"-"`
}

// DefaultOptions returns the engine's default configuration, per the
// defaults named in the options table.
func DefaultOptions() Options {
	return Options{
		MaxSegmentBytes:         128 << 20,
		OpenFilesMax:            64,
		SyncPolicy:              SyncEveryWrite,
		SyncIntervalMs:          1000,
		CompactionIntervalMs:    60_000,
		FragmentationThreshold:  0.40,
		DeadBytesThreshold:      16 << 20,
		DeadBytesRatioThreshold: 0.50,
		CompactionBatchSegments: 4,
		SegmentSoftLimit:        64,
		SegmentHardLimit:        256,
		VerifyReads:             false,
	}
}

// withDefaults fills zero-valued fields of opt with DefaultOptions, so
// callers can pass a sparse Options literal. SyncPolicy and VerifyReads
// are left as given, and a nil Logger becomes a stderr logger.
func (opt Options) withDefaults() Options {
	def := DefaultOptions()
	if opt.MaxSegmentBytes == 0 {
		opt.MaxSegmentBytes = def.MaxSegmentBytes
	}
	if opt.OpenFilesMax == 0 {
		opt.OpenFilesMax = def.OpenFilesMax
	}
	if opt.SyncIntervalMs == 0 {
		opt.SyncIntervalMs = def.SyncIntervalMs
	}
	if opt.CompactionIntervalMs == 0 {
		opt.CompactionIntervalMs = def.CompactionIntervalMs
	}
	if opt.FragmentationThreshold == 0 {
		opt.FragmentationThreshold = def.FragmentationThreshold
	}
	if opt.DeadBytesThreshold == 0 {
		opt.DeadBytesThreshold = def.DeadBytesThreshold
	}
	if opt.DeadBytesRatioThreshold == 0 {
		opt.DeadBytesRatioThreshold = def.DeadBytesRatioThreshold
	}
	if opt.CompactionBatchSegments == 0 {
		opt.CompactionBatchSegments = def.CompactionBatchSegments
	}
	if opt.SegmentSoftLimit == 0 {
		opt.SegmentSoftLimit = def.SegmentSoftLimit
	}
	if opt.SegmentHardLimit == 0 {
		opt.SegmentHardLimit = def.SegmentHardLimit
	}
	if opt.Logger == nil {
		opt.Logger = NewStdLogger(os.Stderr)
	}
	return opt
}

// syncInterval returns SyncIntervalMs as a time.Duration.
func (opt Options) syncInterval() time.Duration {
	return time.Duration(opt.SyncIntervalMs) * time.Millisecond
}

// compactionInterval returns CompactionIntervalMs as a time.Duration.
func (opt Options) compactionInterval() time.Duration {
	return time.Duration(opt.CompactionIntervalMs) * time.Millisecond
}

// LoadOptions reads YAML-encoded options from path, layering them over
// DefaultOptions. A missing file is not an error: callers typically call
// LoadOptions with a user-supplied, possibly absent, config path and fall
// back to defaults.
func LoadOptions(path string) (Options, error) {
	opt := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opt, nil
		}
		return opt, errors.Wrapf(err, "reading options file %q", path)
	}
	if err := yaml.Unmarshal(data, &opt); err != nil {
		return opt, errors.Wrapf(err, "parsing options file %q", path)
	}
	return opt.withDefaults(), nil
}
