package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Pxys-io/ephemeral-sync/internal/bootstrap"
	"github.com/Pxys-io/ephemeral-sync/internal/config"
	"github.com/Pxys-io/ephemeral-sync/internal/mirror"
	"github.com/Pxys-io/ephemeral-sync/internal/publish"
	"github.com/Pxys-io/ephemeral-sync/internal/resolve"
)

// ErrInterrupted is returned when cancellation arrives between the steps of
// a cycle. The step that was running finished; the rest were skipped.
var ErrInterrupted = errors.New("cycle interrupted")

// Resolver selects the files that belong in the snapshot
type Resolver interface {
	Resolve(root string, watch, ignore []string) (*resolve.Result, error)
}

// Snapshotter rebuilds the mirror from a resolved watch set
type Snapshotter interface {
	Rebuild(root, dir string, entries []resolve.Entry) (mirror.Stats, error)
}

// Publisher records and distributes mirror revisions
type Publisher interface {
	Publish(ctx context.Context, retryPush bool) (publish.Result, error)
	History(ctx context.Context) (int, error)
}

// Restorer restores a snapshot onto the home directory
type Restorer interface {
	Restore(ctx context.Context, url, mirrorDir, home string) (bootstrap.Report, error)
}

// Components are the collaborators an Engine drives
type Components struct {
	Resolver  Resolver
	Mirror    Snapshotter
	Publisher Publisher
	Restorer  Restorer
	Clock     clockwork.Clock
}

// CycleReport describes one resolve, mirror and publish pass
type CycleReport struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Files    int
	Skipped  []string
	Mirror   mirror.Stats
	Publish  publish.Result
}

// Engine orchestrates the snapshot cycle
type Engine struct {
	cfg    *config.Config
	c      Components
	logger *slog.Logger
	dryRun bool

	status *Status
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, c Components, logger *slog.Logger, dryRun bool) *Engine {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return &Engine{
		cfg:    cfg,
		c:      c,
		logger: logger,
		dryRun: dryRun,
	}
}

// NeedsBootstrap reports whether a restore source is configured and the
// mirror has no history yet, i.e. this is the machine's first run
func (e *Engine) NeedsBootstrap() bool {
	if e.cfg.RestoreURL == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(e.cfg.Paths.MirrorDir, ".git"))
	return os.IsNotExist(err)
}

// Bootstrap restores the configured snapshot onto the home directory
func (e *Engine) Bootstrap(ctx context.Context) error {
	if e.c.Restorer == nil {
		return errors.New("no restorer configured")
	}

	e.logger.Info("bootstrapping from snapshot", "url", e.cfg.RestoreURL)
	report, err := e.c.Restorer.Restore(context.WithoutCancel(ctx), e.cfg.RestoreURL, e.cfg.Paths.MirrorDir, e.cfg.Paths.Home)
	if err != nil {
		return fmt.Errorf("failed to bootstrap: %w", err)
	}

	e.logger.Info("bootstrap completed",
		"kind", report.Kind.String(),
		"revision", report.Revision,
		"files", report.Overlay.Copied)
	return nil
}

// Run executes a single cycle, as the sync command does. On a first run the
// snapshot is restored before anything is mirrored, and a failed restore
// aborts the cycle.
func (e *Engine) Run(ctx context.Context) error {
	if !e.dryRun && e.NeedsBootstrap() {
		if err := e.Bootstrap(ctx); err != nil {
			return err
		}
	}
	_, err := e.RunCycle(ctx)
	return err
}

// RunCycle resolves the watch set, rebuilds the mirror and publishes it.
//
// Each step runs to completion even if ctx is cancelled meanwhile; the
// remaining steps are then skipped and ErrInterrupted is returned. A
// *publish.PushError leaves the new revision in place and marks the push as
// pending for the next cycle.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{
		ID:      uuid.NewString(),
		Started: e.c.Clock.Now(),
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	logger := e.logger.With("cycle", report.ID)
	stepCtx := context.WithoutCancel(ctx)

	if e.status == nil {
		status, err := LoadStatus(e.cfg.StatusFilePath())
		if err != nil {
			logger.Warn("failed to load previous status (will start fresh)", "error", err)
			status = &Status{}
		}
		e.status = status
	}

	logger.Debug("starting cycle",
		"home", e.cfg.Paths.Home,
		"watch", len(e.cfg.Watch),
		"dry_run", e.dryRun)

	err := e.cycle(ctx, stepCtx, logger, &report)
	report.Duration = e.c.Clock.Since(report.Started)

	if !e.dryRun {
		e.record(logger, &report, err)
	}

	if err != nil {
		return report, err
	}

	logger.Info("cycle completed",
		"files", report.Files,
		"skipped", len(report.Skipped),
		"changed", report.Publish.Changed,
		"pushed", report.Publish.Pushed,
		"duration", report.Duration)
	return report, nil
}

func (e *Engine) cycle(ctx, stepCtx context.Context, logger *slog.Logger, report *CycleReport) error {
	res, err := e.c.Resolver.Resolve(e.cfg.Paths.Home, e.cfg.Watch, e.cfg.Ignore)
	if err != nil {
		return fmt.Errorf("failed to resolve watch set: %w", err)
	}
	report.Files = len(res.Entries)
	for _, s := range res.Skipped {
		report.Skipped = append(report.Skipped, s.Path)
	}
	if len(res.Unmatched) > 0 {
		logger.Debug("watch patterns matched nothing", "patterns", res.Unmatched)
	}

	if e.dryRun {
		e.logPlanDetails(logger, res)
		logger.Info("dry-run complete, no changes applied")
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%w before mirroring", ErrInterrupted)
	}

	stats, err := e.c.Mirror.Rebuild(e.cfg.Paths.Home, e.cfg.Paths.MirrorDir, res.Entries)
	if err != nil {
		return fmt.Errorf("failed to rebuild mirror: %w", err)
	}
	report.Mirror = stats

	if ctx.Err() != nil {
		return fmt.Errorf("%w before publishing", ErrInterrupted)
	}

	pub, err := e.c.Publisher.Publish(stepCtx, e.status.PushPending)
	report.Publish = pub
	if err != nil {
		var pushErr *publish.PushError
		if errors.As(err, &pushErr) {
			return err
		}
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// record folds the cycle outcome into the persisted status
func (e *Engine) record(logger *slog.Logger, report *CycleReport, err error) {
	s := e.status
	s.LastCycleID = report.ID
	s.LastCycleAt = report.Started
	s.Files = report.Files
	s.Skipped = report.Skipped
	s.Cycles++

	if report.Publish.Revision != "" {
		s.LastRevision = report.Publish.Revision
	}

	var pushErr *publish.PushError
	switch {
	case err == nil:
		s.LastError = ""
		s.LastSuccess = report.Started
		s.PushPending = false
	case errors.As(err, &pushErr):
		s.LastError = err.Error()
		s.PushPending = true
	default:
		s.LastError = err.Error()
	}

	if err := SaveStatus(e.cfg.StatusFilePath(), s); err != nil {
		logger.Warn("failed to save status", "error", err)
	}
}

// logPlanDetails logs the resolved watch set for dry-run
func (e *Engine) logPlanDetails(logger *slog.Logger, res *resolve.Result) {
	for _, entry := range res.Entries {
		logger.Info("[dry-run] would mirror", "path", entry.RelPath, "pattern", entry.Pattern)
	}
	for _, skipped := range res.Skipped {
		logger.Info("[dry-run] would skip", "path", skipped.Path, "error", skipped.Err)
	}
}

// Status returns a copy of the engine's view of the last cycles
func (e *Engine) Status() Status {
	if e.status == nil {
		return Status{}
	}
	return *e.status
}
