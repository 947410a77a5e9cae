package engine

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// headerSize is the fixed-size prefix of every on-disk record:
// checksum(8) + timestamp(8) + key_size(4) + value_size(4), all
// little-endian. The checksum covers every byte following it.
const headerSize = 8 + 8 + 4 + 4

// tombstoneSentinel is the reserved value_size that marks a record as a
// delete marker rather than a value write. A record with this value_size
// carries no value bytes on disk, which also disambiguates it from a
// legitimate empty-value write (value_size == 0, zero value bytes), while
// keeping the header a fixed size with no extra type tag byte.
const tombstoneSentinel uint32 = math.MaxUint32

// record is the in-memory form of one on-disk log entry.
type record struct {
	Checksum  uint64
	Timestamp uint64
	Key       []byte
	Value     []byte
	Tombstone bool
}

// encodedLen returns the number of bytes encode will produce for this
// record, without actually encoding it.
func (r *record) encodedLen() int {
	if r.Tombstone {
		return headerSize + len(r.Key)
	}
	return headerSize + len(r.Key) + len(r.Value)
}

// encodeRecord serializes key/value (or a tombstone, when value == nil and
// tombstone == true) into a single contiguous on-disk record. It fails
// only when key or value length cannot be represented in 32 bits.
func encodeRecord(key, value []byte, timestamp uint64, tombstone bool) ([]byte, error) {
	if len(key) > math.MaxUint32 {
		return nil, ErrKeyTooLarge
	}
	valueSize := uint32(len(value))
	if tombstone {
		valueSize = tombstoneSentinel
	} else if uint64(len(value)) > uint64(math.MaxUint32-1) {
		// Reserve the sentinel length for tombstones; a real value may
		// not claim it.
		return nil, ErrValueTooLarge
	}

	payloadLen := len(key)
	if !tombstone {
		payloadLen += len(value)
	}
	buf := make([]byte, headerSize+payloadLen)

	binary.LittleEndian.PutUint64(buf[8:16], timestamp)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[20:24], valueSize)
	n := copy(buf[headerSize:], key)
	if !tombstone {
		copy(buf[headerSize+n:], value)
	}

	sum := xxhash.Sum64(buf[8:])
	binary.LittleEndian.PutUint64(buf[0:8], sum)
	return buf, nil
}

// decodeRecord parses a single record from a tightly-sized buffer (exactly
// one record, no trailing bytes) and verifies its checksum.
func decodeRecord(buf []byte) (*record, error) {
	if len(buf) < headerSize {
		return nil, errors.Wrap(ErrCorruptRecord, "short header")
	}
	wantSum := binary.LittleEndian.Uint64(buf[0:8])
	timestamp := binary.LittleEndian.Uint64(buf[8:16])
	keySize := binary.LittleEndian.Uint32(buf[16:20])
	valueSize := binary.LittleEndian.Uint32(buf[20:24])
	tombstone := valueSize == tombstoneSentinel

	payloadLen := int(keySize)
	if !tombstone {
		payloadLen += int(valueSize)
	}
	if len(buf) != headerSize+payloadLen {
		return nil, errors.Wrap(ErrCorruptRecord, "length mismatch")
	}

	gotSum := xxhash.Sum64(buf[8:])
	if gotSum != wantSum {
		return nil, errors.Wrap(ErrCorruptRecord, "checksum mismatch")
	}

	r := &record{
		Checksum:  wantSum,
		Timestamp: timestamp,
		Tombstone: tombstone,
		Key:       append([]byte(nil), buf[headerSize:headerSize+int(keySize)]...),
	}
	if !tombstone {
		r.Value = append([]byte{}, buf[headerSize+int(keySize):]...)
	}
	return r, nil
}

// peekHeader reads just the fixed header from r without consuming the
// key/value payload, returning the lengths needed to read the rest of the
// record. io.EOF is returned verbatim when no more records remain; any
// other short read is reported as ErrTruncatedTail since it indicates a
// partially written trailing record.
func peekHeader(r io.Reader) (keySize, valueSize uint32, header []byte, err error) {
	header = make([]byte, headerSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if err == io.EOF && n == 0 {
			return 0, 0, nil, io.EOF
		}
		return 0, 0, nil, errors.Wrap(ErrTruncatedTail, "short record header")
	}
	keySize = binary.LittleEndian.Uint32(header[16:20])
	valueSize = binary.LittleEndian.Uint32(header[20:24])
	return keySize, valueSize, header, nil
}

// decodeStream decodes consecutive records from r, invoking fn for each
// one successfully parsed along with the byte offset (relative to the
// start of r) at which it began and its total encoded length. It stops at
// a clean EOF. A partially written trailing record is reported to the
// caller as ErrTruncatedTail together with the offset at which the good
// data ends; everything parsed before that point has already been
// delivered to fn.
func decodeStream(r io.Reader, fn func(rec *record, offset int64, length int64) error) (validEnd int64, err error) {
	var offset int64
	for {
		keySize, valueSize, header, herr := peekHeader(r)
		if herr == io.EOF {
			return offset, nil
		}
		if herr != nil {
			return offset, herr
		}

		tombstone := valueSize == tombstoneSentinel
		payloadLen := int(keySize)
		if !tombstone {
			payloadLen += int(valueSize)
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return offset, errors.Wrap(ErrTruncatedTail, "short record payload")
		}

		full := append(header, payload...)
		rec, derr := decodeRecord(full)
		if derr != nil {
			return offset, derr
		}

		length := int64(len(full))
		if err := fn(rec, offset, length); err != nil {
			return offset, err
		}
		offset += length
	}
}
