//go:build windows

package fsstore

import (
	"errors"
	"fmt"
	"os"
)

// tryLockFile uses exclusive file creation as the lock primitive. Unlike
// flock this leaves the lock file behind if the owner dies, which is what
// the stale-age seizure in WithLockOptions exists to clean up.
func tryLockFile(lockPath string) (func(), error) {
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, defaultFilePerm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, errLockHeld
		}
		return nil, fmt.Errorf("open %s: %w", lockPath, err)
	}

	writeLockOwnerMetadata(file, lockPath)
	release := func() {
		_ = file.Close()
		_ = os.Remove(lockPath)
	}
	return release, nil
}
