//go:build unix

package engine

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
)

// lockFileName is the sentinel file an Engine flocks for the lifetime of
// the process holding it open, so a second Open against the same
// directory fails fast instead of corrupting the store by appending from
// two processes at once.
const lockFileName = "LOCK"

// dirLock holds an advisory, process-exclusive lock on a data directory.
type dirLock struct {
	fd *os.File
}

// acquireDirLock takes an exclusive, non-blocking flock on dir/LOCK. It
// returns ErrLocked if another process already holds it.
func acquireDirLock(dir string) (*dirLock, error) {
	path := filepath.Join(dir, lockFileName)
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening lock file %s", path)
	}
	if err := syscall.Flock(int(fd.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		fd.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, errors.Wrapf(err, "locking %s", path)
	}
	return &dirLock{fd: fd}, nil
}

// release unlocks and closes the lock file. It does not remove it: the
// LOCK file persists across restarts and is simply re-flocked.
func (l *dirLock) release() error {
	if l == nil || l.fd == nil {
		return nil
	}
	if err := syscall.Flock(int(l.fd.Fd()), syscall.LOCK_UN); err != nil {
		l.fd.Close()
		return errors.Wrap(err, "unlocking directory lock")
	}
	return l.fd.Close()
}
