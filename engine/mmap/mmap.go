//go:build unix

// Package mmap wraps the mmap-family calls the storage engine needs to
// map a segment file into process memory: map, remap (grow a mapping in
// place when the kernel allows it), unmap, and msync.
package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// Mmap maps size bytes of fd starting at offset 0. The mapping is
// MAP_SHARED, so writes through the returned slice are visible to other
// mappings of the same file and are written back by the kernel
// eventually, or immediately after an explicit Msync.
func Mmap(fd *os.File, writable bool, size int64) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(fd.Fd()), 0, int(size), prot, unix.MAP_SHARED)
}

// Mremap resizes an existing mapping to size bytes, letting the kernel
// relocate it when it cannot be extended in place. data must be a slice
// previously returned by Mmap or Mremap.
func Mremap(data []byte, size int) ([]byte, error) {
	return unix.Mremap(data, size, unix.MREMAP_MAYMOVE)
}

// Munmap releases a mapping previously returned by Mmap or Mremap.
func Munmap(data []byte) error {
	return unix.Munmap(data)
}

// Madvise hints to the kernel whether the mapping will be accessed
// sequentially (readahead) or at random.
func Madvise(data []byte, readahead bool) error {
	flag := unix.MADV_NORMAL
	if !readahead {
		flag = unix.MADV_RANDOM
	}
	return unix.Madvise(data, flag)
}

// Msync flushes dirty pages of a mapping back to the underlying file and
// blocks until the write completes.
func Msync(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}
