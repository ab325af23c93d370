// Package alloc implements PersistentAllocator: crash-safe pool
// allocation for vsock CIDs and listener ports, backed by a single JSON
// state file per pool and serialized across processes with an advisory
// OS file lock.
package alloc

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// withLockedFile opens path (creating it if necessary), takes an
// exclusive advisory flock for the duration of fn, and lets fn read the
// current bytes (nil if the file was just created) and return the new
// bytes to persist. The write is write-to-temp + fsync + atomic rename,
// matching the staging-then-rename discipline used throughout the
// control plane's on-disk stores.
func withLockedFile(path string, fn func(current []byte) ([]byte, error)) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create allocator directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("open allocator state %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock allocator state %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat allocator state %s: %w", path, err)
	}

	var current []byte
	if fi.Size() > 0 {
		current = make([]byte, fi.Size())
		if _, err := f.ReadAt(current, 0); err != nil {
			return fmt.Errorf("read allocator state %s: %w", path, err)
		}
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		// fn declined to mutate (e.g. release of an id not held).
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp allocator state: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(next); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp allocator state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync temp allocator state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp allocator state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename allocator state into place: %w", err)
	}
	return nil
}
