// Package filelock provides advisory, process-wide exclusive locks on files.
//
// Locks are taken on a dedicated lock file next to the data they protect
// (for example "approvals.json.lock"), never on the data file itself, so
// the data file can be replaced atomically by rename while the lock is held.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("file is locked by another process")

// pollInterval is how often Acquire retries a contended lock.
const pollInterval = 25 * time.Millisecond

// Lock is a held advisory lock. Release it with Unlock.
type Lock struct {
	path string
	f    *os.File
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// TryLock attempts to take the lock without blocking.
// It returns ErrLocked when the lock is held elsewhere.
func TryLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	return &Lock{path: path, f: f}, nil
}

// Acquire polls TryLock until the lock is acquired or ctx is done.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		l, err := TryLock(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock. The lock file itself is left in place; removing
// it would race with a waiter that already opened it.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
