package fsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	lockKeyMaxLen = 120
	lockRetryWait = 100 * time.Millisecond

	// DefaultLockWait bounds how long an acquirer waits politely before it
	// forces the lock. DefaultLockStale is the age past which a lock file is
	// considered abandoned by a dead process and seized immediately.
	DefaultLockWait  = 5 * time.Second
	DefaultLockStale = 10 * time.Second
)

var errLockHeld = errors.New("fsstore: lock held")

type LockOptions struct {
	Wait  time.Duration
	Stale time.Duration
}

func normalizeLockOptions(opts LockOptions) LockOptions {
	if opts.Wait <= 0 {
		opts.Wait = DefaultLockWait
	}
	if opts.Stale <= 0 {
		opts.Stale = DefaultLockStale
	}
	return opts
}

func BuildLockPath(lockRoot string, lockKey string) (string, error) {
	lockRoot, err := normalizePath(lockRoot)
	if err != nil {
		return "", err
	}
	lockKey, err = validateLockKey(lockKey)
	if err != nil {
		return "", err
	}
	return filepath.Join(lockRoot, lockKey+".lck"), nil
}

func validateLockKey(lockKey string) (string, error) {
	lockKey = strings.TrimSpace(lockKey)
	if lockKey == "" {
		return "", fmt.Errorf("%w: empty lock key", ErrInvalidPath)
	}
	if len(lockKey) > lockKeyMaxLen {
		return "", fmt.Errorf("%w: lock key too long", ErrInvalidPath)
	}
	if strings.ToLower(lockKey) != lockKey {
		return "", fmt.Errorf("%w: lock key must be lowercase", ErrInvalidPath)
	}
	if strings.HasPrefix(lockKey, ".") || strings.HasSuffix(lockKey, ".") {
		return "", fmt.Errorf("%w: lock key cannot start or end with dot", ErrInvalidPath)
	}
	for _, r := range lockKey {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return "", fmt.Errorf("%w: invalid lock key character %q", ErrInvalidPath, r)
	}
	return lockKey, nil
}

// WithLock runs fn while holding the cooperative lock file at lockPath,
// using the default wait/stale windows.
func WithLock(ctx context.Context, lockPath string, fn func() error) error {
	return WithLockOptions(ctx, lockPath, LockOptions{}, fn)
}

// WithLockOptions acquires lockPath, runs fn, and releases. The lock is
// cooperative: it guards against sibling ccdd processes sharing a store
// file, not against threads within one process. Acquisition waits with a
// sleep/retry backoff (never a spin); a lock older than Stale is treated as
// abandoned and seized, and after Wait elapses acquisition is forced.
func WithLockOptions(ctx context.Context, lockPath string, opts LockOptions, fn func() error) error {
	normalizedPath, err := normalizePath(lockPath)
	if err != nil {
		return err
	}
	if fn == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	opts = normalizeLockOptions(opts)
	if err := EnsureDir(filepath.Dir(normalizedPath), defaultDirPerm); err != nil {
		return err
	}

	start := time.Now()
	forced := false
	for {
		release, err := tryLockFile(normalizedPath)
		if err == nil {
			defer release()
			return fn()
		}
		if !errors.Is(err, errLockHeld) {
			return fmt.Errorf("%w: %s: %v", ErrLockUnavailable, normalizedPath, err)
		}

		if age, ok := lockAge(normalizedPath); ok && age > opts.Stale {
			seizeLock(normalizedPath)
			continue
		}
		if !forced && time.Since(start) >= opts.Wait {
			// Bounded wait expired; the holder gets no further grace.
			forced = true
			seizeLock(normalizedPath)
			continue
		}
		if forced && time.Since(start) >= 2*opts.Wait {
			return fmt.Errorf("%w: %s", ErrLockTimeout, normalizedPath)
		}
		if err := waitForLockRetry(ctx, normalizedPath); err != nil {
			return err
		}
	}
}

func seizeLock(lockPath string) {
	_ = os.Remove(lockPath)
}

type lockOwnerMeta struct {
	LockPath   string `json:"lock_path"`
	PID        int    `json:"pid"`
	Hostname   string `json:"hostname"`
	OwnerID    string `json:"lock_owner_id"`
	AcquiredAt string `json:"acquired_at"`
}

func writeLockOwnerMetadata(file *os.File, lockPath string) {
	if file == nil {
		return
	}
	host, _ := os.Hostname()
	meta := lockOwnerMeta{
		LockPath:   lockPath,
		PID:        os.Getpid(),
		Hostname:   host,
		OwnerID:    uuid.NewString(),
		AcquiredAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_ = file.Truncate(0)
	_, _ = file.Seek(0, 0)
	_, _ = file.Write(data)
	_ = file.Sync()
}

// lockAge reports how long ago the lock at lockPath was acquired, preferring
// the owner metadata timestamp and falling back to file mtime.
func lockAge(lockPath string) (time.Duration, bool) {
	if data, err := os.ReadFile(lockPath); err == nil {
		var meta lockOwnerMeta
		if json.Unmarshal(data, &meta) == nil && meta.AcquiredAt != "" {
			if at, err := time.Parse(time.RFC3339Nano, meta.AcquiredAt); err == nil {
				return time.Since(at), true
			}
		}
	}
	info, err := os.Stat(lockPath)
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}

func waitForLockRetry(ctx context.Context, lockPath string) error {
	timer := time.NewTimer(lockRetryWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrLockTimeout, lockPath, ctx.Err())
	case <-timer.C:
		return nil
	}
}
