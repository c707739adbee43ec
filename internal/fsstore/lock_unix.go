//go:build !windows

package fsstore

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// tryLockFile takes a non-blocking flock on lockPath. The kernel releases
// the lock if the owner dies, so on unix the stale-seizure path only fires
// for lock files left behind by a different locking implementation.
func tryLockFile(lockPath string) (func(), error) {
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, defaultFilePerm)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", lockPath, err)
	}

	fd := int(file.Fd())
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, errLockHeld
		}
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}

	writeLockOwnerMetadata(file, lockPath)
	release := func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = file.Close()
		_ = os.Remove(lockPath)
	}
	return release, nil
}
