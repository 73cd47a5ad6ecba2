// Package lockfile keeps a single agentpulse server per state directory
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrLockAcquired = errors.New("lock already acquired")
	ErrLocked       = errors.New("another server is already running")
)

// Lockfile is an exclusive file holding the owner's pid and start time
type Lockfile struct {
	path   string
	file   *os.File
	pid    int
	locked bool
}

// New creates a new lockfile instance
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// TryAcquire creates the lockfile. A lockfile left behind by a process that
// is no longer running is replaced.
func (l *Lockfile) TryAcquire() error {
	if l.locked {
		return ErrLockAcquired
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	file, err := l.create()
	if err != nil && os.IsExist(err) {
		holder, running := l.holder()
		if running {
			return fmt.Errorf("%w: pid %d holds %s", ErrLocked, holder, l.path)
		}
		if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("failed to remove stale lockfile: %w", removeErr)
		}
		file, err = l.create()
	}
	if err != nil {
		return fmt.Errorf("failed to create lockfile: %w", err)
	}

	l.file = file
	l.pid = os.Getpid()
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n", l.pid, time.Now().Format(time.RFC3339))
	if _, err := l.file.WriteString(content); err != nil {
		l.Release()
		return fmt.Errorf("failed to write to lockfile: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return nil
}

func (l *Lockfile) create() (*os.File, error) {
	return os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
}

// holder returns the pid recorded in the lockfile and whether that process
// is still running. Unreadable content counts as not running.
func (l *Lockfile) holder() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, isProcessRunning(pid)
}

// Release closes and removes the lockfile
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}

	var errs []error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove lockfile: %w", err))
	}

	l.locked = false
	return errors.Join(errs...)
}

// PID returns the PID that acquired the lock
func (l *Lockfile) PID() int {
	return l.pid
}

// Locked returns true if the lock is held
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lockfile path
func (l *Lockfile) Path() string {
	return l.path
}
