package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when a lock cannot be acquired without waiting.
	//
	// It is returned by [Locker.TryLock]/[Locker.TryRLock] when the lock is held
	// by another open file description, and by the *WithTimeout methods when the
	// acquisition timeout expires.
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")

	// errInodeMismatch is an internal sentinel indicating the lock file was
	// replaced between open and flock. Callers should retry.
	errInodeMismatch = errors.New("inode mismatch")
)

// Locker provides file-based locking using flock(2).
//
// flock is advisory and applies to an open file description, not a pathname
// or a process. Two handles opened by the same process on the same lock file
// therefore conflict with each other exactly like two processes would; the
// document store relies on this to detect a second live handle.
//
// Do not replace or unlink the lock file while locks may be held. Locker
// verifies that the descriptor it locked still refers to the file at path at
// the moment the lock is acquired, and retries otherwise.
//
// This implementation is Unix-only.
type Locker struct {
	flock func(fd int, how int) error
}

// NewLocker creates a Locker backed by unix.Flock.
func NewLocker() *Locker {
	return &Locker{flock: unix.Flock}
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu     sync.Mutex
	file   *os.File
	shared bool
	flock  func(fd int, how int) error
}

// Downgrade converts a held exclusive lock into a shared lock without
// releasing it. Downgrading a shared lock is a no-op.
func (lk *Lock) Downgrade() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return errors.New("lock released")
	}

	if lk.shared {
		return nil
	}

	err := flockRetryEINTR(lk.flock, int(lk.file.Fd()), unix.LOCK_SH)
	if err != nil {
		return fmt.Errorf("downgrading lock: %w", err)
	}

	lk.shared = true

	return nil
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent - calling it multiple times is safe and subsequent calls
// return nil. If both unlocking and closing fail, Close returns an error that
// wraps both underlying errors (see [errors.Join]).
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// LockWithTimeout attempts to acquire an exclusive lock, retrying with
// exponential backoff (1ms to 25ms) until the timeout expires.
//
// The timeout is best-effort: because this method polls and sleeps, it may
// overshoot slightly under scheduler delay.
//
// Returns an error satisfying [errors.Is] with [ErrWouldBlock] if the timeout
// expires before the lock is acquired.
// Returns [ErrInvalidTimeout] if timeout <= 0.
func (l *Locker) LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	return l.lockPolling(path, exclusiveLock, timeout)
}

// RLockWithTimeout attempts to acquire a shared lock, retrying with exponential
// backoff until the timeout expires.
//
// Returns an error satisfying [errors.Is] with [ErrWouldBlock] if the timeout
// expires before the lock is acquired.
// Returns [ErrInvalidTimeout] if timeout <= 0.
func (l *Locker) RLockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	return l.lockPolling(path, sharedLock, timeout)
}

// TryLock attempts to acquire an exclusive lock without blocking.
func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.lockPolling(path, exclusiveLock, 0)
}

// TryRLock attempts to acquire a shared lock without blocking.
func (l *Locker) TryRLock(path string) (*Lock, error) {
	return l.lockPolling(path, sharedLock, 0)
}

type lockType int

const (
	sharedLock    lockType = unix.LOCK_SH
	exclusiveLock lockType = unix.LOCK_EX
)

// lockPolling attempts to acquire a lock using non-blocking flock with retries.
//
//   - timeout == 0: try once (TryLock behavior)
//   - timeout > 0: retry with backoff until timeout
func (l *Locker) lockPolling(path string, lt lockType, timeout time.Duration) (*Lock, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	backoff := time.Millisecond

	for {
		file, err := openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, lt)
		if err == nil {
			return &Lock{file: file, shared: lt == sharedLock, flock: l.flock}, nil
		}

		_ = file.Close()

		retryable := errors.Is(err, ErrWouldBlock) || errors.Is(err, errInodeMismatch)
		if !retryable {
			return nil, err
		}

		if timeout == 0 {
			return nil, ErrWouldBlock
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		time.Sleep(min(backoff, remaining))

		backoff = min(backoff*2, 25*time.Millisecond)
	}
}

// acquire flocks file and verifies the inode still matches path. On failure
// the file is unlocked (if needed) but NOT closed.
func (l *Locker) acquire(file *os.File, path string, lt lockType) error {
	fd := int(file.Fd())

	err := flockRetryEINTR(l.flock, fd, int(lt)|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	match, err := inodeMatchesPath(path, file)
	if err != nil || !match {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("verifying inode match: %w", err)
		}

		return errInodeMismatch
	}

	return nil
}

const lockFilePerm = 0o600

// openLockFile always opens read-write so a shared lock can later be
// upgraded by a fresh exclusive acquisition on the same path.
func openLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	err = os.MkdirAll(filepath.Dir(path), dirPerm)
	if err != nil {
		return nil, err
	}

	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath compares (dev,inode) of the open fd with the file currently
// at path. flock locks inodes, so a replaced path would otherwise let two
// holders lock different files.
func inodeMatchesPath(path string, f *os.File) (bool, error) {
	var openStat, pathStat unix.Stat_t

	err := unix.Fstat(int(f.Fd()), &openStat)
	if err != nil {
		return false, err
	}

	err = unix.Stat(path, &pathStat)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, os.ErrNotExist
		}

		return false, err
	}

	return openStat.Dev == pathStat.Dev && openStat.Ino == pathStat.Ino, nil
}

// flockRetryEINTR wraps flock, retrying on EINTR with a cap to avoid spinning
// forever under a signal storm.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
