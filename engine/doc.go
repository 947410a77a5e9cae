// Package engine implements an embeddable, single-node key/value storage
// engine with a log-structured on-disk layout: append-only segment files,
// an in-memory key index, and a background compactor that reclaims space
// held by overwritten or deleted entries.
//
// The design follows Bitcask/LevelDB in spirit: every write is framed and
// appended to the current active segment, the in-memory index is updated
// to point at the record just written, and reads consult the index before
// touching disk. There is no sorted tree of keys, no range scans, and no
// multi-key transactions; values are opaque byte strings.
package engine
