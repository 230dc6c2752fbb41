package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"
)

const stopPollInterval = 100 * time.Millisecond

// processAlive reports whether pid names an existing process. EPERM means
// the process exists but belongs to someone else.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Start launches exe detached from the terminal in its own session, with
// output appended to logPath, and returns its process id. The child is
// expected to Acquire the PIDFile itself.
func Start(p *PIDFile, exe string, args []string, logPath string) (int, error) {
	if pid, running, err := p.Running(); err != nil {
		return 0, err
	} else if running {
		return pid, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to open activity log: %w", err)
	}
	defer func() {
		_ = logFile.Close()
	}()

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = devNull.Close()
	}()

	cmd := exec.Command(exe, args...)
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start worker: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to detach worker: %w", err)
	}
	return pid, nil
}

// Stop asks the recorded worker to terminate and waits until it has exited
// or ctx is done
func Stop(ctx context.Context, p *PIDFile, clock clockwork.Clock) (int, error) {
	pid, running, err := p.Running()
	if err != nil {
		return 0, err
	}
	if !running {
		return 0, ErrNotRunning
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			_, _, _ = p.Running()
			return pid, nil
		}
		return pid, fmt.Errorf("failed to signal worker %d: %w", pid, err)
	}

	for processAlive(pid) {
		select {
		case <-ctx.Done():
			return pid, fmt.Errorf("worker %d did not exit: %w", pid, ctx.Err())
		case <-clock.After(stopPollInterval):
		}
	}

	// A worker killed before it could clean up leaves its record behind.
	_, _, _ = p.Running()
	return pid, nil
}
