//go:build !windows && !js && !wasip1

package storage

import (
	"fmt"
	"os"
	"time"
)

// fileLock is the single-writer sentinel described in spec §4.6: a file
// created exclusively on open and removed on clean close. There is no
// flock(2) here on purpose — a crash leaves the sentinel behind instead of
// releasing it, which is exactly the "no auto-steal" behavior the design
// requires. ForceUnlock is the only supported way to clear a stale one.
type fileLock struct {
	path string
}

// lockFile exclusively creates <path>.lock. If it already exists, the
// directory is considered locked by another writer.
func lockFile(path string) (*fileLock, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("filelock: %w", ErrAlreadyLocked)
		}
		return nil, fmt.Errorf("filelock: cannot create sentinel: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "pid=%d opened=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))

	return &fileLock{path: lockPath}, nil
}

// unlock removes the sentinel on clean close.
func (fl *fileLock) unlock() error {
	if fl == nil || fl.path == "" {
		return nil
	}
	return os.Remove(fl.path)
}

// forceUnlockFile removes a stale sentinel without holding it. Callers are
// responsible for making sure no other process actually owns it.
func forceUnlockFile(path string) error {
	lockPath := path + ".lock"
	if _, err := os.Stat(lockPath); err != nil {
		if os.IsNotExist(err) {
			return ErrNotLocked
		}
		return err
	}
	return os.Remove(lockPath)
}
