package engine

import "sync"

// indexEntry locates the latest record for a key: which segment holds it,
// where in that segment, how many bytes it occupies, and the timestamp it
// was written with (used to resolve write-write races during recovery
// replay, where later timestamps win).
type indexEntry struct {
	SegmentID uint64
	Offset    uint64
	Length    uint64
	Timestamp uint64
	Tombstone bool
}

// index is the engine's in-memory map from key to the location of its
// most recent record. It is the single source of truth for Get: nothing
// is ever read from disk to answer a lookup that index says doesn't
// exist.
type index struct {
	mu      sync.RWMutex
	entries map[string]indexEntry
}

func newIndex() *index {
	return &index{entries: make(map[string]indexEntry)}
}

// lookup returns the current entry for key, if any. A tombstone entry is
// returned rather than hidden, so callers can distinguish "never written"
// from "written then deleted".
func (idx *index) lookup(key []byte) (indexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[string(key)]
	return e, ok
}

// install records entry as the current location for key, returning the
// entry it replaced, if any. Callers append to the active segment before
// calling install, so the index is updated only after the write it
// describes is durable in the segment's mapping.
func (idx *index) install(key []byte, entry indexEntry) (indexEntry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	prev, had := idx.entries[string(key)]
	idx.entries[string(key)] = entry
	return prev, had
}

// remove deletes key from the index outright (as opposed to recording a
// tombstone entry for it). No engine code path calls it: Remove installs a
// tombstone entry, and the compactor carries tombstone entries forward.
func (idx *index) remove(key []byte) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, string(key))
}

// retarget conditionally replaces key's entry: it only takes effect if
// the entry currently installed still matches expected exactly. This lets
// the compactor rewrite pointers to survive a concurrent write racing the
// same key: if a newer write landed while the compactor was copying the
// old record forward, retarget is a no-op and the newer write's entry is
// left alone.
func (idx *index) retarget(key []byte, expected, replacement indexEntry) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cur, ok := idx.entries[string(key)]
	if !ok || cur != expected {
		return false
	}
	idx.entries[string(key)] = replacement
	return true
}

// snapshot returns a copy of every key currently indexed, for the
// compactor to iterate without holding the lock for the whole merge.
func (idx *index) snapshot() map[string]indexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]indexEntry, len(idx.entries))
	for k, v := range idx.entries {
		out[k] = v
	}
	return out
}

// len returns the number of live keys in the index: entries present but
// not yet compacted away are counted, tombstones are not.
func (idx *index) len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, e := range idx.entries {
		if !e.Tombstone {
			n++
		}
	}
	return n
}
