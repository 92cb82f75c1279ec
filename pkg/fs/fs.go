// Package fs provides the host filesystem primitives the document store needs:
// advisory file locks, atomic file replacement and disk capacity queries.
//
// The main types are:
//   - [Locker]: flock(2)-based shared/exclusive locks with timeouts
//   - [Lock]: a held lock that can be downgraded or released
//   - [DiskUsage]: capacity of the filesystem backing a directory
//
// Example usage:
//
//	locker := fs.NewLocker()
//	lk, err := locker.LockWithTimeout("/data/docvault.lock", time.Second)
//	if errors.Is(err, fs.ErrWouldBlock) {
//	    // another handle holds the lock
//	}
//	defer lk.Close()
package fs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// dirPerm is used when parent directories are created lazily.
const dirPerm = 0o750

// WriteFileAtomic replaces path with data using a temp file and rename, so
// readers never observe a partially written file.
//
// Parent directories are created if missing. The final file mode is perm
// (atomic.WriteFile keeps the mode of an existing file, and uses the
// temp-file default for new ones).
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if path == "" {
		return errors.New("path is empty")
	}

	if perm == 0 {
		return errors.New("perm must be non-zero")
	}

	err := os.MkdirAll(filepath.Dir(path), dirPerm)
	if err != nil {
		return fmt.Errorf("creating parent dir: %w", err)
	}

	err = atomic.WriteFile(path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}

	err = os.Chmod(path, perm)
	if err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}

	return nil
}

// SyncDir fsyncs the directory at path so entries created or renamed in it
// survive a crash.
func SyncDir(path string) error {
	dir, err := os.Open(path) //nolint:gosec // path is from caller
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}

	err = dir.Sync()

	return errors.Join(err, dir.Close())
}

// Exists reports whether path exists. Errors other than "not exist" are returned.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, err
}
