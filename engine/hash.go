package engine

import "github.com/cespare/xxhash/v2"

// hashKey produces a stable, non-cryptographic 64-bit digest of a key.
// Nothing in the engine calls it; the open-file cache is keyed by segment
// ID, not by a key hash. Record checksums use xxhash.Sum64
// directly and do not go through this helper, since they hash the whole
// record body rather than a bare key.
func hashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}
