package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
)

// Lock is a held advisory lock on the session lock file
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes an exclusive flock on path, retrying until timeout
func AcquireLock(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirMode); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(path)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire lock %s within %v", path, timeout)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// WaitForSocket blocks until path exists as a socket or ctx ends. It
// watches the parent directory and also polls, since a create event can
// land before the watch is armed.
func WaitForSocket(ctx context.Context, path string) error {
	if isSocket(path) {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
		return err
	}

	var events <-chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(dir); err == nil {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if isSocket(path) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for socket %s: %w", path, ctx.Err())
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == path && ev.Has(fsnotify.Create) && isSocket(path) {
				return nil
			}
		case <-ticker.C:
		}
	}
}

func isSocket(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode()&os.ModeSocket != 0
}
