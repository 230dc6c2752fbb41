package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Pxys-io/ephemeral-sync/internal/bootstrap"
	"github.com/Pxys-io/ephemeral-sync/internal/config"
	"github.com/Pxys-io/ephemeral-sync/internal/daemon"
	"github.com/Pxys-io/ephemeral-sync/internal/systemduser"
)

var restoreCmd = &cobra.Command{
	Use:   "restore [url]",
	Short: "Restore the home directory from a snapshot",
	Long: `Restore brings the mirror up to date from a Git repository (URL ending in
.git) or a zip archive (http(s) URL ending in .zip) and copies its files onto
the home directory. Existing files are overwritten, files absent from the
snapshot are left alone. Without an argument the configured restore_url is
used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRestore,
}

var deployCmd = &cobra.Command{
	Use:   "deploy <url>",
	Short: "Restore from a remote and install the worker as a service",
	Long: `Deploy prepares a freshly provisioned machine in one step: it restores the
home directory from the given snapshot repository, makes it the publish
remote, and installs and starts the worker as a systemd user service.

Without systemd the worker is started in the background instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(os.Stdout)

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	url := cfg.RestoreURL
	if len(args) == 1 {
		url = args[0]
	}
	if url == "" {
		return &config.ValidationError{Field: "restore_url", Msg: "no restore source given or configured"}
	}

	a := newApp(cfg, logger)
	pid, err := a.lockWorker()
	if err != nil {
		return err
	}
	defer func() {
		_ = pid.Release()
	}()

	report, err := a.restorer.Restore(ctx, url, cfg.Paths.MirrorDir, cfg.Paths.Home)
	if err != nil {
		logger.Error("restore failed", "error", err)
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "restored %d files from %s snapshot %s\n",
		report.Overlay.Copied, report.Kind, url)
	return nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(os.Stdout)

	url := args[0]
	kind, err := bootstrap.DetectSource(url)
	if err != nil {
		return fmt.Errorf("invalid deploy url: %w", err)
	}
	if kind != bootstrap.Repository {
		return fmt.Errorf("deploy needs a repository url to publish to, got %s source %s", kind, url)
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Remote = url
	if cfg.RestoreURL == "" {
		cfg.RestoreURL = url
	}
	if err := cfg.ValidateForPublish(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a := newApp(cfg, logger)
	if err := restoreIfFresh(ctx, a); err != nil {
		return err
	}

	exe, err := systemduser.Executable()
	if err != nil {
		return err
	}
	cfgPath, err := filepath.Abs(configPath())
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	sd := systemduser.NewClient()
	available, err := sd.IsAvailable(ctx)
	if err != nil {
		logger.Warn("systemd user instance unusable", "error", err)
	}
	if !available {
		logger.Info("systemd not available, starting worker in the background")
		remoteOverride = url
		workerFlags, err := workerArgs()
		if err != nil {
			return err
		}
		pid, err := daemon.Start(a.pidFile(), exe, workerFlags, cfg.ActivityLogPath())
		if err != nil && !errors.Is(err, daemon.ErrAlreadyRunning) {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "worker running (pid %d), publishing to %s\n", pid, url)
		return nil
	}

	unitPath, err := installService(ctx, sd, systemduser.DefaultDir(), systemduser.Unit{
		Executable: exe,
		ConfigPath: cfgPath,
		Remote:     url,
	}, logger)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "installed %s, publishing to %s\n", unitPath, url)
	return nil
}

// restoreIfFresh restores the snapshot when the mirror has no history yet.
// Only failing to take the lock is an error.
func restoreIfFresh(ctx context.Context, a *app) error {
	engine := a.engine(false)
	if !engine.NeedsBootstrap() {
		a.logger.Info("mirror already has history, skipping restore", "dir", a.cfg.Paths.MirrorDir)
		return nil
	}

	pid, err := a.lockWorker()
	if err != nil {
		return err
	}
	defer func() {
		_ = pid.Release()
	}()

	// The mirror keeps no history after a failed restore, so the worker
	// retries it before publishing anything.
	if err := engine.Bootstrap(ctx); err != nil {
		a.logger.Error("restore failed, the worker will retry it", "error", err)
	}
	return nil
}

func installService(ctx context.Context, sd systemduser.Systemd, dir string, unit systemduser.Unit, logger *slog.Logger) (string, error) {
	path, changed, err := systemduser.Install(dir, unit)
	if err != nil {
		return "", err
	}

	if err := sd.DaemonReload(ctx); err != nil {
		return path, err
	}
	if err := sd.EnableNow(ctx, systemduser.UnitName); err != nil {
		return path, err
	}
	if changed {
		// An already running worker must pick up the new unit.
		if err := sd.TryRestartUnits(ctx, []string{systemduser.UnitName}); err != nil {
			logger.Warn("failed to restart worker", "error", err)
		}
	}

	logger.Info("worker service installed", "unit", path, "changed", changed)
	return path, nil
}
