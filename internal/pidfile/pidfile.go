// Package pidfile reads and writes PID files and follows the PID file of a
// supervising process.
package pidfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/agentpulse/internal/logger"
)

// Pidfile represents a PID file
type Pidfile struct {
	path string
}

// New creates a new PID file instance
func New(path string) *Pidfile {
	return &Pidfile{
		path: path,
	}
}

// Write writes the current PID to the PID file
func (p *Pidfile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes pid to the PID file, replacing it atomically so watchers
// never observe a partial value.
func (p *Pidfile) WritePID(pid int) error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	if _, err := tmp.WriteString(strconv.Itoa(pid)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Read reads the PID from the PID file
func (p *Pidfile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in pidfile: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID in pidfile: %d", pid)
	}

	return pid, nil
}

// Remove removes the PID file
func (p *Pidfile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// Path returns the PID file path
func (p *Pidfile) Path() string {
	return p.path
}

// Exists checks if the PID file exists
func (p *Pidfile) Exists() bool {
	_, err := os.Stat(p.path)
	return !os.IsNotExist(err)
}

// Watch calls fn with the current PID (ok=false when the file is missing)
// and again whenever that changes, until ctx is done. The parent directory is
// watched so the file may be created, replaced or removed. Content that does
// not parse, such as a file truncated for an in-place rewrite, keeps the last
// reported state.
func (p *Pidfile) Watch(ctx context.Context, log *logger.Logger, fn func(pid int, ok bool)) error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create pidfile watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	lastPid, lastOK := 0, false
	notify := func(initial bool) {
		pid, err := p.Read()
		ok := err == nil
		if !ok {
			pid = 0
			if !errors.Is(err, os.ErrNotExist) {
				log.Debug("pidfile %s: %v", p.path, err)
				if !initial {
					return
				}
			}
		}
		if !initial && pid == lastPid && ok == lastOK {
			return
		}
		lastPid, lastOK = pid, ok
		fn(pid, ok)
	}

	notify(true)
	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			notify(false)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("pidfile watcher error: %v", err)
		}
	}
}
