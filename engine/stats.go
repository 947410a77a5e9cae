package engine

// EngineStats is a point-in-time snapshot of the engine's internal
// bookkeeping, returned by Stats. It is assembled fresh on each call
// rather than maintained as a running total, so the numbers are
// consistent with each other but not with whatever the engine does the
// instant after Stats returns.
type EngineStats struct {
	// KeyCount is the number of live keys in the index (tombstones not
	// counted).
	KeyCount int

	// SegmentCount is the number of immutable segments on disk, not
	// including the active segment.
	SegmentCount int

	// OpenSegmentHandles is the number of immutable segments currently
	// mapped in the open-file cache.
	OpenSegmentHandles int

	// LiveBytes and DeadBytes total live and reclaimable bytes across
	// every segment, per the compaction analyzer's bookkeeping.
	LiveBytes uint64
	DeadBytes uint64

	// ActiveSegmentID and ActiveSegmentBytes describe the segment
	// currently being appended to.
	ActiveSegmentID    uint64
	ActiveSegmentBytes uint64
}
