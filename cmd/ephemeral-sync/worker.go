package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Pxys-io/ephemeral-sync/internal/daemon"
	"github.com/Pxys-io/ephemeral-sync/internal/sync"
	"github.com/Pxys-io/ephemeral-sync/internal/systemduser"
)

const stopTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconciliation loop in the foreground",
	Long: `Run holds the single-instance lock, restores the configured snapshot on a
machine's first run, and then mirrors and publishes the watch set every
cooldown interval until it receives SIGINT or SIGTERM.

Log records are also appended to the activity log in the state directory.
This is the command the start command and the systemd unit execute.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror and publish the watch set once",
	Long: `Sync resolves the watch set, rebuilds the snapshot mirror and publishes a new
revision if anything changed. On a machine's first run the configured
snapshot is restored first, and sync fails if that restore does. With
--dry-run it only reports what would be mirrored. With --once=false it
behaves like run.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker in the background",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background worker",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the worker and last cycle status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Bootstrap logger until the activity log location is known
	logger := setupLogger(os.Stdout)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.Paths.StateDir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// A detached worker's output already lands in the activity log.
	if !detached {
		logFile, err := os.OpenFile(cfg.ActivityLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open activity log: %w", err)
		}
		defer func() {
			_ = logFile.Close()
		}()
		logger = setupLogger(io.MultiWriter(os.Stdout, logFile))
	}

	a := newApp(cfg, logger)
	pid := a.pidFile()
	if err := pid.Acquire(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	defer func() {
		if err := pid.Release(); err != nil {
			logger.Warn("failed to release pid file", "error", err)
		}
	}()

	if cfg.Remote == "" {
		logger.Warn("no remote configured, snapshots stay local")
	}
	if len(cfg.Watch) == 0 {
		logger.Warn("watch set is empty, the mirror will stay empty")
	}

	logger.Info("worker started", "pid", os.Getpid(), "version", version)
	loop := sync.NewLoop(a.engine(false), cfg.Cooldown, a.clock, logger)
	return loop.Run(ctx)
}

func runSync(cmd *cobra.Command, args []string) error {
	if !once {
		return runWorker(cmd, args)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(os.Stdout)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a := newApp(cfg, logger)
	engine := a.engine(dryRun)

	if !dryRun {
		pid, err := a.lockWorker()
		if err != nil {
			return err
		}
		defer func() {
			_ = pid.Release()
		}()
	}

	logger.Info("starting sync operation")
	if err := engine.Run(ctx); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

// workerArgs forwards the global flags to a detached run
func workerArgs() ([]string, error) {
	args := []string{"run", "--detached", "--log-level", logLevel, "--log-format", logFormat}
	if cfgFile != "" {
		abs, err := filepath.Abs(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		args = append(args, "--config", abs)
	}
	if remoteOverride != "" {
		args = append(args, "--remote", remoteOverride)
	}
	return args, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	logger := setupLogger(os.Stdout)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Paths.StateDir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	workerFlags, err := workerArgs()
	if err != nil {
		return err
	}

	p := daemon.NewPIDFile(cfg.PIDFilePath(), cfg.LockFilePath())
	pid, err := daemon.Start(p, exe, workerFlags, cfg.ActivityLogPath())
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "worker started (pid %d), logging to %s\n", pid, cfg.ActivityLogPath())
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	logger := setupLogger(os.Stdout)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	a := newApp(cfg, logger)
	pid, err := daemon.Stop(ctx, a.pidFile(), a.clock)
	if errors.Is(err, daemon.ErrNotRunning) {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "worker not running")
		return nil
	}
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "worker stopped (pid %d)\n", pid)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger(os.Stderr)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a := newApp(cfg, logger)
	pid, running, err := a.pidFile().Running()
	if err != nil {
		return fmt.Errorf("failed to read pid file: %w", err)
	}

	status, err := sync.LoadStatus(cfg.StatusFilePath())
	if err != nil {
		return fmt.Errorf("failed to load status: %w", err)
	}

	revisions, err := a.publisher.History(cmd.Context())
	if err != nil {
		logger.Warn("failed to count revisions", "error", err)
	}

	printStatus(cmd.OutOrStdout(), pid, running, serviceState(cmd.Context(), logger), revisions, status)
	return nil
}

// serviceState reports the systemd unit state when deploy installed one
func serviceState(ctx context.Context, logger *slog.Logger) string {
	if _, err := os.Stat(filepath.Join(systemduser.DefaultDir(), systemduser.UnitName)); err != nil {
		return ""
	}
	state, err := systemduser.NewClient().GetUnitStatus(ctx, systemduser.UnitName)
	if err != nil {
		logger.Warn("failed to query worker service", "error", err)
		return ""
	}
	return state
}

func printStatus(w io.Writer, pid int, running bool, service string, revisions int, s *sync.Status) {
	if running {
		_, _ = fmt.Fprintf(w, "worker:        running (pid %d)\n", pid)
	} else {
		_, _ = fmt.Fprintln(w, "worker:        stopped")
	}
	if service != "" {
		_, _ = fmt.Fprintf(w, "service:       %s (%s)\n", systemduser.UnitName, service)
	}
	_, _ = fmt.Fprintf(w, "revisions:     %d\n", revisions)

	if s.Cycles == 0 {
		_, _ = fmt.Fprintln(w, "last cycle:    never")
		return
	}

	_, _ = fmt.Fprintf(w, "last cycle:    %s (%s)\n", s.LastCycleAt.Format(time.RFC3339), s.LastCycleID)
	if !s.LastSuccess.IsZero() {
		_, _ = fmt.Fprintf(w, "last success:  %s\n", s.LastSuccess.Format(time.RFC3339))
	}
	if s.LastRevision != "" {
		_, _ = fmt.Fprintf(w, "revision:      %s\n", s.LastRevision)
	}
	_, _ = fmt.Fprintf(w, "files:         %d\n", s.Files)
	if len(s.Skipped) > 0 {
		_, _ = fmt.Fprintf(w, "skipped:       %d\n", len(s.Skipped))
	}
	if s.PushPending {
		_, _ = fmt.Fprintln(w, "push:          pending")
	}
	if s.LastError != "" {
		_, _ = fmt.Fprintf(w, "last error:    %s\n", s.LastError)
	}
}
