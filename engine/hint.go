package engine

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Hint files let Open skip a full record-by-record scan of every
// immutable segment: each sealed segment gets a companion .cpct file
// holding, for every live key in that segment, just enough to rebuild an
// indexEntry without touching the segment's data at all.
var hintMagic = [4]byte{'K', 'V', 'H', 'T'}

const hintVersion uint32 = 1

// hintEntryHeaderSize is checksum(8) + key_len(4) + offset(8) + length(8)
// + timestamp(8) + tombstone(1).
const hintEntryHeaderSize = 8 + 4 + 8 + 8 + 8 + 1

// hintEntry is one record of a hint file: a key plus the location and
// metadata needed to reinstall it into the in-memory index.
type hintEntry struct {
	Key       []byte
	Offset    uint64
	Length    uint64
	Timestamp uint64
	Tombstone bool
}

// hintPathFor derives a segment's companion hint file path: the segment's
// own name with its .log suffix replaced by .cpct.
func hintPathFor(segmentPath string) string {
	return strings.TrimSuffix(segmentPath, segmentSuffix) + ".cpct"
}

// writeHintFile atomically writes a hint file for entries: it writes to a
// temporary file, syncs it, then renames it into place, so a crash mid-
// write never leaves a corrupt .cpct file for recovery to trip over.
func writeHintFile(path string, entries []hintEntry) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating hint file %s", tmp)
	}

	w := bufio.NewWriter(f)
	if err := writeHintHeader(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	for _, e := range entries {
		if err := writeHintEntry(w, e); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "flushing hint file %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "syncing hint file %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "closing hint file %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "renaming hint file %s to %s", tmp, path)
	}
	return nil
}

func writeHintHeader(w io.Writer) error {
	var buf [8]byte
	copy(buf[0:4], hintMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], hintVersion)
	_, err := w.Write(buf[:])
	return err
}

func writeHintEntry(w io.Writer, e hintEntry) error {
	body := make([]byte, hintEntryHeaderSize+len(e.Key))
	binary.LittleEndian.PutUint32(body[8:12], uint32(len(e.Key)))
	binary.LittleEndian.PutUint64(body[12:20], e.Offset)
	binary.LittleEndian.PutUint64(body[20:28], e.Length)
	binary.LittleEndian.PutUint64(body[28:36], e.Timestamp)
	if e.Tombstone {
		body[36] = 1
	}
	copy(body[hintEntryHeaderSize:], e.Key)
	sum := xxhash.Sum64(body[8:])
	binary.LittleEndian.PutUint64(body[0:8], sum)
	_, err := w.Write(body)
	return err
}

// readHintFile parses a hint file written by writeHintFile, verifying
// the magic/version preamble and every entry's checksum. A corrupt or
// unreadable hint file is never fatal to Open: callers fall back to a
// full scan of the segment it describes.
func readHintFile(path string) ([]hintEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var preamble [8]byte
	if _, err := io.ReadFull(r, preamble[:]); err != nil {
		return nil, errors.Wrap(ErrCorruptStore, "short hint file preamble")
	}
	if [4]byte{preamble[0], preamble[1], preamble[2], preamble[3]} != hintMagic {
		return nil, errors.Wrap(ErrCorruptStore, "bad hint file magic")
	}
	if binary.LittleEndian.Uint32(preamble[4:8]) != hintVersion {
		return nil, errors.Wrap(ErrCorruptStore, "unsupported hint file version")
	}

	var entries []hintEntry
	for {
		header := make([]byte, hintEntryHeaderSize)
		_, err := io.ReadFull(r, header)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, errors.Wrap(ErrCorruptStore, "short hint entry header")
		}
		wantSum := binary.LittleEndian.Uint64(header[0:8])
		keyLen := binary.LittleEndian.Uint32(header[8:12])
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, errors.Wrap(ErrCorruptStore, "short hint entry key")
		}
		body := append(header[8:], key...)
		if xxhash.Sum64(body) != wantSum {
			return nil, errors.Wrap(ErrCorruptStore, "hint entry checksum mismatch")
		}
		entries = append(entries, hintEntry{
			Key:       key,
			Offset:    binary.LittleEndian.Uint64(header[12:20]),
			Length:    binary.LittleEndian.Uint64(header[20:28]),
			Timestamp: binary.LittleEndian.Uint64(header[28:36]),
			Tombstone: header[36] != 0,
		})
	}
}
