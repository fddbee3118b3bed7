// Package lock provides flock-based advisory locks that serialize state
// mutation across concurrent phasegate invocations.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryLock when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

const pollInterval = 50 * time.Millisecond

type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) Path() string {
	return fl.path
}

func (fl *FileLock) TryLock() error {
	if fl.file != nil {
		return fmt.Errorf("lock %s already held by this handle", fl.path)
	}
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLocked
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	// Write PID to lock file for diagnostics
	if err := f.Truncate(0); err != nil {
		fl.release(f)
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		fl.release(f)
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		fl.release(f)
		return fmt.Errorf("write PID to lock file: %w", err)
	}

	fl.file = f
	return nil
}

// Lock polls TryLock until it succeeds, ctx is done, or timeout elapses.
// A non-positive timeout waits on ctx alone.
func (fl *FileLock) Lock(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		err := fl.TryLock()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLocked) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for lock %s: %w (%w)", fl.path, ErrLocked, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock. The lock file itself is left in place: removing
// it would let a waiter that already opened the old inode and a newcomer that
// creates a fresh one both acquire "the" lock.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

func (fl *FileLock) release(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}

// InstanceLocker hands out one lock file per workflow instance under dir.
type InstanceLocker struct {
	dir     string
	timeout time.Duration
}

func NewInstanceLocker(dir string, timeout time.Duration) *InstanceLocker {
	return &InstanceLocker{dir: dir, timeout: timeout}
}

func (l *InstanceLocker) Acquire(ctx context.Context, instanceID string) (func() error, error) {
	fl := NewFileLock(filepath.Join(l.dir, instanceID+".lock"))
	if err := fl.Lock(ctx, l.timeout); err != nil {
		return nil, err
	}
	return fl.Unlock, nil
}

// NopLocker is used when locking is disabled in config; callers then rely on
// the single-writer assumption.
type NopLocker struct{}

func (NopLocker) Acquire(context.Context, string) (func() error, error) {
	return func() error { return nil }, nil
}
