// Package daemon keeps a single background worker per machine. The worker
// holds an advisory lock for its whole lifetime and records its process id
// next to it, so the start, stop and status commands can find it.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

var (
	// ErrAlreadyRunning is returned when a live worker already holds the lock.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrNotRunning is returned when no live worker is recorded.
	ErrNotRunning = errors.New("worker not running")
)

// PIDFile is the worker's process id record and its lock
type PIDFile struct {
	path string
	lock *flock.Flock
}

// NewPIDFile creates a PIDFile backed by pidPath and guarded by lockPath
func NewPIDFile(pidPath, lockPath string) *PIDFile {
	return &PIDFile{
		path: pidPath,
		lock: flock.New(lockPath),
	}
}

// Acquire takes the single-instance lock and records the current process.
// The lock is held until Release.
func (p *PIDFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.lock.Path()), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	locked, err := p.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to take worker lock: %w", err)
	}
	if !locked {
		if pid, _ := p.Read(); pid > 0 {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		return ErrAlreadyRunning
	}

	// The lock is ours, so a live pid in the record belongs to a process
	// that never held it; overwrite it.
	if err := p.write(os.Getpid()); err != nil {
		_ = p.lock.Unlock()
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// Release removes the record if it still names this process and drops the lock
func (p *PIDFile) Release() error {
	if pid, _ := p.Read(); pid == os.Getpid() {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove pid file: %w", err)
		}
	}
	return p.lock.Unlock()
}

// Read returns the recorded process id, or 0 if there is none
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s", p.path)
	}
	return pid, nil
}

// Running returns the recorded worker if it is alive. A record naming a dead
// process, or one that cannot be parsed, is removed.
func (p *PIDFile) Running() (int, bool, error) {
	pid, err := p.Read()
	if err != nil || (pid > 0 && !processAlive(pid)) {
		if rmErr := os.Remove(p.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return 0, false, fmt.Errorf("failed to remove stale pid file: %w", rmErr)
		}
		return 0, false, nil
	}
	if pid == 0 {
		return 0, false, nil
	}
	return pid, true, nil
}

func (p *PIDFile) write(pid int) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(p.path), ".pid-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, p.path)
}
