package engine

import (
	"os"
	"sort"
	"sync"
	"time"
)

// segmentStats tracks how much of one segment's data is still reachable
// from the index (live) versus superseded by a later write or a
// tombstone (dead). The compactor consults this to decide which segments
// are worth rewriting.
type segmentStats struct {
	liveEntries uint64
	deadEntries uint64
	liveBytes   uint64
	deadBytes   uint64
	totalBytes  uint64
}

// compactionAnalysis is the engine's live/dead accounting, one row per
// segment. It is updated incrementally as writes land (a new record is
// live, the record it replaced becomes dead) rather than recomputed from
// scratch, so the compactor's eligibility scan is a cheap map read.
type compactionAnalysis struct {
	mu    sync.Mutex
	stats map[uint64]*segmentStats
}

func newCompactionAnalysis() *compactionAnalysis {
	return &compactionAnalysis{stats: make(map[uint64]*segmentStats)}
}

func (a *compactionAnalysis) rowLocked(segmentID uint64) *segmentStats {
	row, ok := a.stats[segmentID]
	if !ok {
		row = &segmentStats{}
		a.stats[segmentID] = row
	}
	return row
}

// recordLive accounts for a freshly appended record of length bytes in
// segmentID.
func (a *compactionAnalysis) recordLive(segmentID, length uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row := a.rowLocked(segmentID)
	row.liveEntries++
	row.liveBytes += length
	row.totalBytes += length
}

// recordDead moves length bytes in segmentID from live to dead, because
// the key they held has since been overwritten or removed.
func (a *compactionAnalysis) recordDead(segmentID, length uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row := a.rowLocked(segmentID)
	if row.liveEntries > 0 {
		row.liveEntries--
	}
	if row.liveBytes >= length {
		row.liveBytes -= length
	}
	row.deadEntries++
	row.deadBytes += length
}

// dropSegment removes segmentID's row entirely, once it has been deleted
// from disk.
func (a *compactionAnalysis) dropSegment(segmentID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.stats, segmentID)
}

// snapshot copies the current per-segment rows.
func (a *compactionAnalysis) snapshot() map[uint64]segmentStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]segmentStats, len(a.stats))
	for id, row := range a.stats {
		out[id] = *row
	}
	return out
}

// eligible returns the segment IDs, out of candidates, whose dead-data
// ratio meets any one of the configured compaction thresholds, ordered
// worst-first by dead byte count so the most fragmented segments are
// merged before less urgent ones within a batch.
func (a *compactionAnalysis) eligible(candidates []uint64, opt Options) []uint64 {
	a.mu.Lock()
	rows := make(map[uint64]segmentStats, len(candidates))
	for _, id := range candidates {
		if row, ok := a.stats[id]; ok {
			rows[id] = *row
		}
	}
	a.mu.Unlock()

	var out []uint64
	for id, row := range rows {
		if row.totalBytes == 0 {
			continue
		}
		deadRatio := float32(row.deadBytes) / float32(row.totalBytes)
		entryFragmentation := float32(0)
		if row.liveEntries+row.deadEntries > 0 {
			entryFragmentation = float32(row.deadEntries) / float32(row.liveEntries+row.deadEntries)
		}
		if entryFragmentation >= opt.FragmentationThreshold ||
			row.deadBytes >= opt.DeadBytesThreshold ||
			deadRatio >= opt.DeadBytesRatioThreshold {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return rows[out[i]].deadBytes > rows[out[j]].deadBytes })
	return out
}

// compactor periodically merges fragmented immutable segments into fresh
// ones, rewriting only the records the index still points at and leaving
// everything else to be reclaimed when the old segment is unlinked.
type compactor struct {
	e *Engine
}

func newCompactor(e *Engine) *compactor {
	return &compactor{e: e}
}

func (c *compactor) run() {
	defer c.e.closer.done()
	ticker := time.NewTicker(c.e.opt.compactionInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.e.closer.stopping():
			return
		case <-ticker.C:
			if err := c.e.runCompactionPass(); err != nil {
				c.e.opt.Logger.Warnf("compaction pass failed: %v", err)
			}
		}
	}
}

// runCompactionPass selects eligible immutable segments and merges up to
// CompactionBatchSegments of them into one new segment. It is exposed to
// both the background ticker and the engine's exported Compact method.
func (e *Engine) runCompactionPass() error {
	e.segmentsMu.RLock()
	candidates := make([]uint64, 0, len(e.segments))
	for id := range e.segments {
		candidates = append(candidates, id)
	}
	e.segmentsMu.RUnlock()

	eligible := e.analysis.eligible(candidates, e.opt)
	if len(eligible) == 0 {
		return nil
	}
	if len(eligible) > e.opt.CompactionBatchSegments {
		eligible = eligible[:e.opt.CompactionBatchSegments]
	}
	return e.compactSegments(eligible)
}

// compactSegments merges the given immutable segments into one new
// segment, keeping only the records the index still points at, then
// retargets the index and removes the merged-away segments. Segments
// that acquire a newer write mid-compaction are left untouched by
// retarget's conditional check, so a concurrent writer never loses data
// to a stale compaction.
func (e *Engine) compactSegments(segmentIDs []uint64) error {
	if len(segmentIDs) == 0 {
		return nil
	}
	merging := make(map[uint64]bool, len(segmentIDs))
	for _, id := range segmentIDs {
		merging[id] = true
	}

	type liveKey struct {
		key   []byte
		entry indexEntry
	}
	var toCopy []liveKey
	for key, entry := range e.idx.snapshot() {
		if merging[entry.SegmentID] {
			toCopy = append(toCopy, liveKey{key: []byte(key), entry: entry})
		}
	}
	if len(toCopy) == 0 {
		return e.removeMergedSegments(segmentIDs, 0, false)
	}

	newID := e.allocSegmentID()
	tmpPath := e.tmpSegmentPath(newID)
	newPath := e.segmentPath(newID)
	newSeg, err := createSegment(tmpPath, newID)
	if err != nil {
		return err
	}

	var hints []hintEntry
	for _, lk := range toCopy {
		src, err := e.openSegmentForRead(lk.entry.SegmentID)
		if err != nil {
			e.opt.Logger.Warnf("compaction: skipping key in segment %d, cannot open: %v", lk.entry.SegmentID, err)
			continue
		}
		raw, err := src.readAt(lk.entry.Offset, lk.entry.Length)
		if err != nil {
			e.opt.Logger.Warnf("compaction: skipping unreadable record at segment %d offset %d: %v", lk.entry.SegmentID, lk.entry.Offset, err)
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			e.opt.Logger.Warnf("compaction: skipping corrupt record at segment %d offset %d: %v", lk.entry.SegmentID, lk.entry.Offset, err)
			continue
		}

		newOffset, err := newSeg.append(raw)
		if err != nil {
			newSeg.close()
			return err
		}
		newEntry := indexEntry{
			SegmentID: newID,
			Offset:    newOffset,
			Length:    uint64(len(raw)),
			Timestamp: rec.Timestamp,
			Tombstone: rec.Tombstone,
		}
		if e.idx.retarget(lk.key, lk.entry, newEntry) {
			// A tombstone carries no live data even after compaction
			// copies it forward; it is booked dead again here, and a
			// later pass copies it forward again, since the index keeps
			// tombstone entries.
			if newEntry.Tombstone {
				e.analysis.recordDead(newID, uint64(len(raw)))
			} else {
				e.analysis.recordLive(newID, uint64(len(raw)))
			}
			hints = append(hints, hintEntry{
				Key:       lk.key,
				Offset:    newOffset,
				Length:    uint64(len(raw)),
				Timestamp: rec.Timestamp,
				Tombstone: rec.Tombstone,
			})
		} else {
			// A newer write landed on this key after we snapshotted
			// the index; the copy we just made is already dead.
			e.analysis.recordDead(newID, uint64(len(raw)))
		}
	}

	if err := newSeg.sync(); err != nil {
		newSeg.close()
		return err
	}
	if err := newSeg.finalize(); err != nil {
		newSeg.close()
		return err
	}
	// The segment is complete and fsynced but still named <id>.tmp. A
	// crash before the rename below leaves only a stray tmp file, which
	// removeStrayCompactionOutputs deletes on the next Open; the merged
	// segments and their live data are untouched either way.
	if err := newSeg.rename(newPath); err != nil {
		newSeg.close()
		return err
	}
	if err := writeHintFile(hintPathFor(newPath), hints); err != nil {
		newSeg.close()
		return err
	}
	// The mapping stays closed between uses; cache.get reopens it
	// read-only on the next access, same as any other immutable segment.
	newSeg.close()

	e.segmentsMu.Lock()
	e.segments[newID] = newPath
	e.segmentsMu.Unlock()

	return e.removeMergedSegments(segmentIDs, newID, true)
}

// removeMergedSegments unlinks the segments that were just merged away
// (and their hint files), dropping them from the cache, the segment
// table, and the analysis rows. excludeID is the newly created segment's
// ID and is only meaningful when hasNew is true (hasNew is false when
// compaction found no live keys to carry forward, so no new segment
// exists and excludeID is ignored); excludeID is never removed even though it cannot appear
// in segmentIDs (IDs are monotonic and segmentIDs only ever names
// segments older than it).
func (e *Engine) removeMergedSegments(segmentIDs []uint64, excludeID uint64, hasNew bool) error {
	e.segmentsMu.Lock()
	defer e.segmentsMu.Unlock()
	for _, id := range segmentIDs {
		if hasNew && id == excludeID {
			continue
		}
		path, ok := e.segments[id]
		if !ok {
			continue
		}
		delete(e.segments, id)
		e.cache.invalidate(id)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.opt.Logger.Warnf("compaction: removing old segment %d: %v", id, err)
		}
		removeIfExists(hintPathFor(path))
		e.analysis.dropSegment(id)
	}
	e.signalSegmentsDrained()
	return nil
}

func removeIfExists(path string) {
	_ = os.Remove(path)
}
