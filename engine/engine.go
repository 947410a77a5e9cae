package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

const segmentSuffix = ".log"

// Engine is an embeddable, single-node key/value store backed by
// append-only segment files and an in-memory index. A single Engine owns
// exclusive access to its data directory for as long as it is open.
type Engine struct {
	dir string
	opt Options

	lock     *dirLock
	idx      *index
	analysis *compactionAnalysis
	cache    *fileCache

	segmentsMu sync.RWMutex
	segments   map[uint64]string // sealed segment id -> path

	activeMu sync.Mutex
	active   *segment
	seq      uint64 // last timestamp assigned; guarded by activeMu

	nextID atomic.Uint64

	backpressureMu   sync.Mutex
	backpressureCond *sync.Cond

	closer *closer

	closed atomic.Bool
	fatal  atomic.Pointer[fatalIOError]
}

// Open opens the data directory at dir, creating it if absent, and
// recovers the in-memory index from whatever segments and hint files are
// already there. Only one Engine may have a directory open at a time;
// a second Open against the same directory fails with ErrLocked.
func Open(dir string, opt Options) (*Engine, error) {
	opt = opt.withDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating data directory %s", dir)
	}

	lock, err := acquireDirLock(dir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dir:      dir,
		opt:      opt,
		lock:     lock,
		idx:      newIndex(),
		analysis: newCompactionAnalysis(),
		segments: make(map[uint64]string),
		closer:   newCloser(),
	}
	e.backpressureCond = sync.NewCond(&e.backpressureMu)
	e.cache = newFileCache(int(opt.OpenFilesMax), e.openImmutableSegment)

	if err := e.recover(); err != nil {
		lock.release()
		return nil, err
	}

	e.closer.add(2)
	go newSyncer(e).run()
	go newCompactor(e).run()

	return e, nil
}

// recover enumerates every *.log file in the data directory, rebuilds
// the index from hint files where available (falling back to a full
// record scan otherwise), and reopens the highest-numbered segment as
// the writable active segment.
func (e *Engine) recover() error {
	if err := e.removeStrayCompactionOutputs(); err != nil {
		return err
	}
	ids, err := e.listSegmentIDs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		seg, err := createSegment(e.segmentPath(0), 0)
		if err != nil {
			return err
		}
		e.active = seg
		e.nextID.Store(1)
		return nil
	}

	sealed := ids[:len(ids)-1]
	activeID := ids[len(ids)-1]

	for _, id := range sealed {
		path := e.segmentPath(id)
		if err := e.recoverSealedSegment(id, path); err != nil {
			return err
		}
		e.segments[id] = path
	}

	if err := e.recoverActiveSegment(activeID); err != nil {
		return err
	}
	e.nextID.Store(activeID + 1)
	return nil
}

// recoverSealedSegment installs every live entry from a previously
// sealed segment's hint file into the index, re-scanning the segment
// directly when no hint file is present or it fails to parse.
func (e *Engine) recoverSealedSegment(id uint64, path string) error {
	hints, err := readHintFile(hintPathFor(path))
	if err == nil {
		for _, h := range hints {
			e.installRecovered(h.Key, indexEntry{
				SegmentID: id,
				Offset:    h.Offset,
				Length:    h.Length,
				Timestamp: h.Timestamp,
				Tombstone: h.Tombstone,
			})
		}
		return nil
	}

	e.opt.Logger.Warnf("segment %d: hint file unusable (%v), rescanning", id, err)
	seg, err := openSegment(path, id, false)
	if err != nil {
		return errors.Wrapf(err, "opening sealed segment %d for recovery scan", id)
	}
	defer seg.close()

	var hintsRebuilt []hintEntry
	_, err = decodeStream(newSegmentReader(seg), func(rec *record, offset, length int64) error {
		e.installRecovered(rec.Key, indexEntry{
			SegmentID: id,
			Offset:    uint64(offset),
			Length:    uint64(length),
			Timestamp: rec.Timestamp,
			Tombstone: rec.Tombstone,
		})
		hintsRebuilt = append(hintsRebuilt, hintEntry{
			Key: rec.Key, Offset: uint64(offset), Length: uint64(length),
			Timestamp: rec.Timestamp, Tombstone: rec.Tombstone,
		})
		return nil
	})
	if err != nil {
		return errors.Wrapf(ErrCorruptStore, "segment %d failed recovery scan: %v", id, err)
	}
	if werr := writeHintFile(hintPathFor(path), hintsRebuilt); werr != nil {
		e.opt.Logger.Warnf("segment %d: could not rewrite hint file: %v", id, werr)
	}
	return nil
}

// recoverActiveSegment scans the previously active segment in full
// (hint files are never trusted for the active segment, which may have
// been mid-write at the last shutdown), truncates a partially written
// trailing record if found, and reopens it writable.
func (e *Engine) recoverActiveSegment(id uint64) error {
	path := e.segmentPath(id)
	seg, err := openSegment(path, id, true)
	if err != nil {
		return errors.Wrapf(err, "opening active segment %d for recovery", id)
	}

	validEnd, err := decodeStream(newSegmentReader(seg), func(rec *record, offset, length int64) error {
		e.installRecovered(rec.Key, indexEntry{
			SegmentID: id,
			Offset:    uint64(offset),
			Length:    uint64(length),
			Timestamp: rec.Timestamp,
			Tombstone: rec.Tombstone,
		})
		return nil
	})
	if err != nil && !errors.Is(err, ErrTruncatedTail) {
		seg.close()
		return errors.Wrapf(ErrCorruptStore, "active segment %d failed recovery scan: %v", id, err)
	}
	if errors.Is(err, ErrTruncatedTail) {
		e.opt.Logger.Warnf("active segment %d: truncating partial trailing record at offset %d", id, validEnd)
	}

	seg.mu.Lock()
	seg.size = uint64(validEnd)
	seg.mu.Unlock()
	if terr := seg.fd.Truncate(int64(validEnd)); terr != nil {
		seg.close()
		return errors.Wrapf(terr, "truncating active segment %d to last valid record", id)
	}

	e.active = seg
	return nil
}

// installRecovered installs entry into the index if it is newer than
// whatever is already there, and marks the entry it replaces (if any) as
// dead in the compaction analysis. Recovery visits segments oldest
// first, but within a segment and across segments timestamps still
// arbitrate: a replay can see a lower-numbered segment's record after a
// higher one's hint file if hint-based recovery and scan-based recovery
// are mixed, so comparing timestamps rather than trusting visit order
// keeps recovery correct either way. A timestamp tie is broken by
// segment ID: the entry from the higher-numbered (later) segment wins.
// A tombstone entry is booked as dead the moment it is installed, and a
// replaced entry that was itself already a tombstone is not booked dead
// again, since it never counted as live in the first place.
func (e *Engine) installRecovered(key []byte, entry indexEntry) {
	if entry.Timestamp > e.seq {
		e.seq = entry.Timestamp
	}

	prev, had := e.idx.lookup(key)
	if had && (prev.Timestamp > entry.Timestamp ||
		(prev.Timestamp == entry.Timestamp && prev.SegmentID > entry.SegmentID)) {
		e.analysis.recordDead(entry.SegmentID, entry.Length)
		return
	}
	e.idx.install(key, entry)
	if entry.Tombstone {
		e.analysis.recordDead(entry.SegmentID, entry.Length)
	} else {
		e.analysis.recordLive(entry.SegmentID, entry.Length)
	}
	if had && !prev.Tombstone {
		e.analysis.recordDead(prev.SegmentID, prev.Length)
	}
}

// listSegmentIDs returns every segment ID present in the data directory,
// ascending.
func (e *Engine) listSegmentIDs() ([]uint64, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing data directory %s", e.dir)
	}
	var ids []uint64
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(name, segmentSuffix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// removeStrayCompactionOutputs deletes any ".tmp" file left behind by a
// compaction that crashed before renaming its output into place. A file
// reaching this state never finished being written and is never the
// active segment, so it is always safe to discard.
func (e *Engine) removeStrayCompactionOutputs() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return errors.Wrapf(err, "listing data directory %s", e.dir)
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".tmp") {
			continue
		}
		path := filepath.Join(e.dir, ent.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing stray compaction output %s", path)
		}
		e.opt.Logger.Warnf("recovery: removed stray compaction output %s", path)
	}
	return nil
}

func (e *Engine) segmentPath(id uint64) string {
	return filepath.Join(e.dir, fmt.Sprintf("%020d%s", id, segmentSuffix))
}

// tmpSegmentPath names the staging file a compaction output is built
// under before it is known to be complete. It never carries the segment
// suffix, so listSegmentIDs can never mistake it for a real segment.
func (e *Engine) tmpSegmentPath(id uint64) string {
	return filepath.Join(e.dir, fmt.Sprintf("%020d.tmp", id))
}

func (e *Engine) allocSegmentID() uint64 {
	return e.nextID.Add(1) - 1
}

// openImmutableSegment is the fileCache's loader: it opens a sealed
// segment read-only by ID, looking up its path in the segment table.
func (e *Engine) openImmutableSegment(id uint64) (*segment, error) {
	e.segmentsMu.RLock()
	path, ok := e.segments[id]
	e.segmentsMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("segment %d is not a known sealed segment", id)
	}
	return openSegment(path, id, false)
}

// openSegmentForRead returns the segment for id, whether it is the
// current active segment or an immutable one served from the cache.
func (e *Engine) openSegmentForRead(id uint64) (*segment, error) {
	e.activeMu.Lock()
	if e.active != nil && e.active.id == id {
		seg := e.active
		e.activeMu.Unlock()
		return seg, nil
	}
	e.activeMu.Unlock()
	return e.cache.get(id)
}

// Get returns the current value for key. The second return value is
// false if the key has no live entry (never written, or deleted).
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if err := e.checkOpen(); err != nil {
		return nil, false, err
	}
	entry, ok := e.idx.lookup(key)
	if !ok || entry.Tombstone {
		return nil, false, nil
	}

	seg, err := e.openSegmentForRead(entry.SegmentID)
	if err != nil {
		return nil, false, errors.Wrapf(err, "resolving segment %d for key", entry.SegmentID)
	}
	raw, err := seg.readAt(entry.Offset, entry.Length)
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading record at segment %d offset %d", entry.SegmentID, entry.Offset)
	}
	if e.opt.VerifyReads {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, false, err
		}
		return rec.Value, true, nil
	}
	// Skip verifying the checksum, but still need the key length to find
	// where the value starts.
	keySize := binary.LittleEndian.Uint32(raw[16:20])
	start := headerSize + int(keySize)
	if start > len(raw) {
		return nil, false, errors.Wrap(ErrCorruptRecord, "key length exceeds record")
	}
	return append([]byte(nil), raw[start:]...), true, nil
}

// Set writes key/value, replacing any prior value, and returns once the
// write is durable according to the configured sync policy.
func (e *Engine) Set(key, value []byte) error {
	return e.write(key, value, false)
}

// Remove deletes key, returning whether it had a live entry beforehand.
// A delete is itself an appended record (a tombstone), not an in-place
// edit, so it costs disk space until compaction reclaims it.
func (e *Engine) Remove(key []byte) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	prev, had := e.idx.lookup(key)
	existed := had && !prev.Tombstone
	if err := e.write(key, nil, true); err != nil {
		return false, err
	}
	return existed, nil
}

func (e *Engine) write(key, value []byte, tombstone bool) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}

	if err := e.awaitBackpressure(); err != nil {
		return err
	}

	e.activeMu.Lock()
	// timestamp is assigned under the same lock that orders the append,
	// so two racing writers to the same key always get an append order
	// and a timestamp order that agree; installRecovered relies on that
	// agreement to pick the same winner on replay that was live when the
	// engine closed.
	e.seq++
	timestamp := e.seq
	buf, err := encodeRecord(key, value, timestamp, tombstone)
	if err != nil {
		e.activeMu.Unlock()
		return err
	}
	offset, err := e.active.append(buf)
	if err != nil {
		e.activeMu.Unlock()
		e.poison(err)
		return err
	}
	if e.opt.SyncPolicy == SyncEveryWrite {
		if err := e.active.sync(); err != nil {
			e.activeMu.Unlock()
			e.poison(err)
			return err
		}
	}
	newEntry := indexEntry{
		SegmentID: e.active.id,
		Offset:    offset,
		Length:    uint64(len(buf)),
		Timestamp: timestamp,
		Tombstone: tombstone,
	}
	// The index is updated before activeMu is released, so racing writers
	// install in the same order they appended, and a rotation below sees
	// every record of the segment it seals already in the index.
	prev, had := e.idx.install(key, newEntry)
	var rotateErr error
	if e.active.logicalSize() >= e.opt.MaxSegmentBytes {
		rotateErr = e.rotateLocked()
	}
	e.activeMu.Unlock()

	// A tombstone carries no live data: it occupies bytes in the active
	// segment but is dead from the moment it is written, so it is never
	// counted toward liveBytes the way a normal value is.
	if tombstone {
		e.analysis.recordDead(newEntry.SegmentID, newEntry.Length)
	} else {
		e.analysis.recordLive(newEntry.SegmentID, newEntry.Length)
	}
	if had && !prev.Tombstone {
		e.analysis.recordDead(prev.SegmentID, prev.Length)
	}

	return rotateErr
}

// awaitBackpressure blocks while the number of sealed segments is at or
// above SegmentSoftLimit, and fails outright with ErrOverloaded once it
// reaches SegmentHardLimit.
func (e *Engine) awaitBackpressure() error {
	for {
		e.segmentsMu.RLock()
		n := len(e.segments)
		e.segmentsMu.RUnlock()

		if uint32(n) >= e.opt.SegmentHardLimit {
			return ErrOverloaded
		}
		if uint32(n) < e.opt.SegmentSoftLimit {
			return nil
		}

		e.backpressureMu.Lock()
		e.backpressureCond.Wait()
		e.backpressureMu.Unlock()

		if err := e.checkOpen(); err != nil {
			return err
		}
	}
}

// signalSegmentsDrained wakes any writers parked in awaitBackpressure
// after compaction has removed segments.
func (e *Engine) signalSegmentsDrained() {
	e.backpressureMu.Lock()
	e.backpressureCond.Broadcast()
	e.backpressureMu.Unlock()
}

// rotateLocked seals the current active segment and starts a fresh one.
// Caller holds activeMu.
func (e *Engine) rotateLocked() error {
	old := e.active
	if err := old.finalize(); err != nil {
		return errors.Wrapf(err, "finalizing segment %d during rotation", old.id)
	}

	hints := e.hintsForSegment(old.id)
	if err := writeHintFile(hintPathFor(old.path), hints); err != nil {
		e.opt.Logger.Warnf("segment %d: failed writing hint file: %v", old.id, err)
	}

	e.segmentsMu.Lock()
	e.segments[old.id] = old.path
	e.segmentsMu.Unlock()
	old.close()

	newID := e.allocSegmentID()
	newSeg, err := createSegment(e.segmentPath(newID), newID)
	if err != nil {
		return errors.Wrapf(err, "creating segment %d during rotation", newID)
	}
	e.active = newSeg
	return nil
}

// hintsForSegment collects the index entries currently pointing at
// segmentID, for writing that segment's hint file at seal time.
func (e *Engine) hintsForSegment(segmentID uint64) []hintEntry {
	var out []hintEntry
	for key, entry := range e.idx.snapshot() {
		if entry.SegmentID == segmentID {
			out = append(out, hintEntry{
				Key: []byte(key), Offset: entry.Offset, Length: entry.Length,
				Timestamp: entry.Timestamp, Tombstone: entry.Tombstone,
			})
		}
	}
	return out
}

// syncActive fsyncs the active segment; used by the syncer worker and by
// Close.
func (e *Engine) syncActive() error {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if e.active == nil {
		return nil
	}
	return e.active.sync()
}

// Compact runs one compaction pass immediately, merging whatever
// segments currently meet the eligibility thresholds. It returns nil
// without doing anything if nothing is eligible.
func (e *Engine) Compact(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- e.runCompactionPass() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the engine's internal bookkeeping.
func (e *Engine) Stats() EngineStats {
	e.segmentsMu.RLock()
	segCount := len(e.segments)
	e.segmentsMu.RUnlock()

	var liveBytes, deadBytes uint64
	for _, row := range e.analysis.snapshot() {
		liveBytes += row.liveBytes
		deadBytes += row.deadBytes
	}

	e.activeMu.Lock()
	var activeID, activeBytes uint64
	if e.active != nil {
		activeID = e.active.id
		activeBytes = e.active.logicalSize()
	}
	e.activeMu.Unlock()

	return EngineStats{
		KeyCount:           e.idx.len(),
		SegmentCount:       segCount,
		OpenSegmentHandles: e.cache.len(),
		LiveBytes:          liveBytes,
		DeadBytes:          deadBytes,
		ActiveSegmentID:    activeID,
		ActiveSegmentBytes: activeBytes,
	}
}

// Close stops background workers, flushes and closes every open segment,
// and releases the directory lock. A second call returns ErrClosed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.closer.close()
	e.signalSegmentsDrained()

	e.activeMu.Lock()
	activeErr := e.active.close()
	e.activeMu.Unlock()

	e.cache.closeAll()

	lockErr := e.lock.release()
	if activeErr != nil {
		return activeErr
	}
	return lockErr
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if f := e.fatal.Load(); f != nil {
		return f
	}
	return nil
}

// poison marks the engine permanently closed after an unrecoverable
// append or sync error: every subsequent call fails fast with an error
// that matches ErrClosed and wraps the original cause, instead of risking
// a partially written record on the next attempt.
func (e *Engine) poison(cause error) {
	e.fatal.CompareAndSwap(nil, &fatalIOError{cause: cause})
	e.opt.Logger.Errorf("fatal I/O error, engine poisoned: %v", cause)
}
