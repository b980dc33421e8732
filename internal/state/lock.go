// Package state coordinates runs over the same unit file and exports the
// handles a run observed. Converge keeps no state between runs: every run
// rediscovers resources by their natural keys.
package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("locked by another run")

// DefaultStaleAfter is the age after which a file lock is taken over.
const DefaultStaleAfter = 10 * time.Minute

// Locker serializes apply and destroy runs over one unit file.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// FileLock is a lock file next to the unit file.
type FileLock struct {
	path       string
	staleAfter time.Duration
}

// NewFileLock locks <dir>/.converge/<file>.lock for the given unit file.
func NewFileLock(unitFile string) *FileLock {
	dir, base := filepath.Split(unitFile)
	return &FileLock{
		path:       filepath.Join(dir, ".converge", base+".lock"),
		staleAfter: DefaultStaleAfter,
	}
}

func (l *FileLock) Path() string { return l.path }

// Lock creates the lock file. A lock older than the stale age is removed
// first.
func (l *FileLock) Lock(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info, err := os.Stat(l.path); err == nil && time.Since(info.ModTime()) > l.staleAfter {
		_ = os.Remove(l.path)
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w (lock file: %s). If this is an error, remove the lock file manually", ErrLocked, l.path)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// Unlock removes the lock file. Unlocking twice is not an error.
func (l *FileLock) Unlock(ctx context.Context) error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
