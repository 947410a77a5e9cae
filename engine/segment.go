package engine

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"kvdb/engine/mmap"
)

// growIncrement bounds how much a segment's mapping is grown in one step:
// double the current size up to this much, never less than what the
// pending write actually needs.
const growIncrement = 1 << 30

// segmentGrowSize is the initial mapping size given to a freshly created
// segment file, before any data has been appended.
const segmentGrowSize = 1 << 20

// segment is one on-disk log file: a sequence of records, mapped into
// memory for both reading and writing. size tracks the logical end of
// written data, which is usually smaller than len(data) because the
// mapping is grown in chunks to amortize the cost of remapping.
type segment struct {
	mu   sync.Mutex
	id   uint64
	path string

	fd   *os.File
	data []byte

	size     uint64
	writable bool
	closed   bool
}

// createSegment creates a new, empty segment file at path and maps it for
// writing.
func createSegment(path string, id uint64) (*segment, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating segment %s", path)
	}
	return newSegment(fd, id, path, segmentGrowSize, true)
}

// openSegment opens an existing segment file. writable controls whether
// it is mapped PROT_WRITE; immutable segments held only for reads should
// pass false.
func openSegment(path string, id uint64, writable bool) (*segment, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	fd, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening segment %s", path)
	}
	fi, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "stat segment %s", path)
	}
	s, err := newSegment(fd, id, path, fi.Size(), writable)
	if err != nil {
		return nil, err
	}
	s.size = uint64(fi.Size())
	return s, nil
}

func newSegment(fd *os.File, id uint64, path string, mapSize int64, writable bool) (*segment, error) {
	fi, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	if fi.Size() == 0 && mapSize > 0 {
		if err := fd.Truncate(mapSize); err != nil {
			fd.Close()
			return nil, errors.Wrapf(err, "truncating %s", path)
		}
	} else {
		mapSize = fi.Size()
	}
	data, err := mmap.Mmap(fd, writable, mapSize)
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "mmap %s", path)
	}
	return &segment{
		id:       id,
		path:     path,
		fd:       fd,
		data:     data,
		writable: writable,
	}, nil
}

// growLocked ensures the mapping can hold at least need bytes beyond the
// current logical size, remapping the file larger if necessary. Caller
// holds mu.
func (s *segment) growLocked(need uint64) error {
	end := s.size + need
	if end <= uint64(len(s.data)) {
		return nil
	}
	grow := uint64(len(s.data))
	if grow > growIncrement {
		grow = growIncrement
	}
	if grow < need {
		grow = need
	}
	newSize := uint64(len(s.data)) + grow
	if newSize < end {
		newSize = end
	}
	if err := s.fd.Truncate(int64(newSize)); err != nil {
		return errors.Wrapf(err, "truncating segment %s", s.path)
	}
	data, err := mmap.Mremap(s.data, int(newSize))
	if err != nil {
		return errors.Wrapf(err, "remapping segment %s", s.path)
	}
	s.data = data
	return nil
}

// append writes buf to the end of the segment's logical data and returns
// the offset at which it begins.
func (s *segment) append(buf []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if !s.writable {
		return 0, errors.Errorf("segment %d is not writable", s.id)
	}
	if err := s.growLocked(uint64(len(buf))); err != nil {
		return 0, err
	}
	offset := s.size
	n := copy(s.data[offset:], buf)
	if n != len(buf) {
		return 0, errors.Errorf("short copy appending to segment %d: wrote %d of %d bytes", s.id, n, len(buf))
	}
	s.size += uint64(len(buf))
	return offset, nil
}

// readAt returns a copy of length bytes starting at offset. Copying
// (rather than returning a slice of the mapping) keeps the returned bytes
// valid across a later remap of this segment.
func (s *segment) readAt(offset, length uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if offset+length > s.size {
		return nil, ErrOutOfRange
	}
	out := make([]byte, length)
	copy(out, s.data[offset:offset+length])
	return out, nil
}

// sync flushes the segment's dirty pages to disk.
func (s *segment) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	end := roundUp(s.size)
	if end > uint64(len(s.data)) {
		end = uint64(len(s.data))
	}
	return mmap.Msync(s.data[:end])
}

// roundUp rounds n up to the nearest multiple of 4096, the assumption
// msync's underlying madvise/mprotect calls make about page alignment in
// practice; msync itself tolerates a length past the mapping's true
// extent as long as it does not exceed the mapping's capacity.
func roundUp(n uint64) uint64 {
	const pageSize = 4096
	if n == 0 {
		return 0
	}
	return ((n + pageSize - 1) / pageSize) * pageSize
}

// finalize truncates the backing file down to the segment's logical
// size, discarding the unused tail of the final grow step, and remaps
// it read-only. Called once a segment is sealed (rotated out of active
// duty) and will never be appended to again.
func (s *segment) finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := mmap.Msync(s.data); err != nil {
		return errors.Wrapf(err, "syncing segment %s before finalize", s.path)
	}
	if err := mmap.Munmap(s.data); err != nil {
		return errors.Wrapf(err, "unmapping segment %s before finalize", s.path)
	}
	if err := s.fd.Truncate(int64(s.size)); err != nil {
		return errors.Wrapf(err, "truncating segment %s to logical size", s.path)
	}
	data, err := mmap.Mmap(s.fd, false, int64(s.size))
	if err != nil {
		return errors.Wrapf(err, "remapping segment %s read-only", s.path)
	}
	s.data = data
	s.writable = false
	return nil
}

// rename moves the segment's backing file to newPath, reopening its
// mapping at the new location. The segment must not be concurrently
// appended to while renaming.
func (s *segment) rename(newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := mmap.Munmap(s.data); err != nil {
		return errors.Wrapf(err, "unmapping segment %s before rename", s.path)
	}
	if err := s.fd.Close(); err != nil {
		return errors.Wrapf(err, "closing segment %s before rename", s.path)
	}
	if err := os.Rename(s.path, newPath); err != nil {
		return errors.Wrapf(err, "renaming segment %s to %s", s.path, newPath)
	}
	fd, err := os.OpenFile(newPath, os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(err, "reopening renamed segment %s", newPath)
	}
	data, err := mmap.Mmap(fd, s.writable, int64(s.size))
	if err != nil {
		fd.Close()
		return errors.Wrapf(err, "remapping renamed segment %s", newPath)
	}
	s.fd = fd
	s.data = data
	s.path = newPath
	return nil
}

// remove unmaps and deletes the segment's backing file.
func (s *segment) remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if len(s.data) > 0 {
		if err := mmap.Munmap(s.data); err != nil {
			return errors.Wrapf(err, "unmapping segment %s before removal", s.path)
		}
	}
	if err := s.fd.Close(); err != nil {
		return errors.Wrapf(err, "closing segment %s before removal", s.path)
	}
	return os.Remove(s.path)
}

// close syncs and unmaps the segment without deleting its backing file. A
// writable segment's file is truncated to its logical size, dropping the
// unused tail of the last grow step so a later recovery scan ends at the
// last record.
func (s *segment) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := mmap.Msync(s.data); err != nil {
		return errors.Wrapf(err, "syncing segment %s on close", s.path)
	}
	if err := mmap.Munmap(s.data); err != nil {
		return errors.Wrapf(err, "unmapping segment %s on close", s.path)
	}
	if s.writable {
		if err := s.fd.Truncate(int64(s.size)); err != nil {
			s.fd.Close()
			return errors.Wrapf(err, "truncating segment %s to logical size on close", s.path)
		}
	}
	return s.fd.Close()
}

func (s *segment) logicalSize() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// segmentReader streams a segment's logical data from the beginning,
// used only during recovery scans where decodeStream expects an
// io.Reader rather than random access.
type segmentReader struct {
	seg    *segment
	offset uint64
}

func newSegmentReader(seg *segment) *segmentReader {
	return &segmentReader{seg: seg}
}

func (r *segmentReader) Read(p []byte) (int, error) {
	r.seg.mu.Lock()
	defer r.seg.mu.Unlock()
	if r.offset >= r.seg.size {
		return 0, io.EOF
	}
	n := copy(p, r.seg.data[r.offset:r.seg.size])
	r.offset += uint64(n)
	return n, nil
}
