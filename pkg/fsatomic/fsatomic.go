// Package fsatomic provides crash-safe file write and advisory lock helpers.
// A write either leaves the previous file intact or the new file fully in
// place; partially written files are never observable under the final path.
package fsatomic

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WriteFile writes data to path via a sibling temp file and atomic rename
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	// On any failure below, the temp file is removed and the target untouched
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// FileLock is an advisory lock backed by a sibling .lock file created with
// O_CREATE|O_EXCL. It excludes concurrent writers across processes.
type FileLock struct {
	path string
}

// DefaultLockTimeout bounds how long AcquireLock polls for a stale lock
const DefaultLockTimeout = 5 * time.Second

// staleAfter is the age past which a leftover lock from a crashed process is broken
const staleAfter = 30 * time.Second

// AcquireLock acquires the lock for path (the lock file is path + ".lock").
// It polls until acquired or the timeout elapses.
func AcquireLock(path string, timeout time.Duration) (*FileLock, error) {
	lockPath := path + ".lock"
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &FileLock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		// Break locks left behind by a crashed holder
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleAfter {
			os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out acquiring lock %s", lockPath)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Release removes the lock file
func (l *FileLock) Release() error {
	return os.Remove(l.path)
}
