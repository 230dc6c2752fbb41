// Package bootstrap restores a machine from a previously published snapshot.
//
// A restore first brings the local snapshot mirror up to date from the
// source, either by cloning or pulling a repository or by downloading and
// extracting a zip archive, then overlays the mirror onto the home
// directory. The overlay only adds or overwrites files, so running a restore
// twice leaves the same result.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/Pxys-io/ephemeral-sync/internal/git"
	"github.com/Pxys-io/ephemeral-sync/internal/mirror"
)

// RestoreRemote is the remote name used when pulling into an existing mirror.
const RestoreRemote = "restore"

// Restore stages reported in Error.
const (
	StageDetect  = "detect"
	StageClone   = "clone"
	StagePull    = "pull"
	StageFetch   = "fetch"
	StageExtract = "extract"
	StageOverlay = "overlay"
)

// Error reports a failed restore and the stage it failed in
type Error struct {
	Stage string
	URL   string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("restore from %s failed during %s: %v", e.URL, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Report summarises a completed restore
type Report struct {
	Kind SourceKind
	// Revision is the restored revision, for repository sources.
	Revision string
	// Extracted counts files unpacked from an archive source.
	Extracted int
	Overlay   mirror.Stats
}

// Options configures a Reconciler
type Options struct {
	Branch string
	// TempDir holds downloaded archives until they are extracted.
	TempDir        string
	NetworkTimeout time.Duration
}

// Reconciler restores snapshots into the mirror and onto the home directory
type Reconciler struct {
	git     git.Client
	fetcher Fetcher
	mirror  *mirror.Mirror
	fs      afero.Fs
	opts    Options
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler
func NewReconciler(client git.Client, fetcher Fetcher, m *mirror.Mirror, fs afero.Fs, opts Options, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		git:     client,
		fetcher: fetcher,
		mirror:  m,
		fs:      fs,
		opts:    opts,
		logger:  logger,
	}
}

// Restore brings mirrorDir up to date from url and overlays it onto home
func (r *Reconciler) Restore(ctx context.Context, url, mirrorDir, home string) (Report, error) {
	kind, err := DetectSource(url)
	if err != nil {
		return Report{}, &Error{Stage: StageDetect, URL: url, Err: err}
	}

	report := Report{Kind: kind}
	r.logger.Info("restoring snapshot", "url", url, "kind", kind.String())

	switch kind {
	case Repository:
		rev, err := r.syncRepository(ctx, url, mirrorDir)
		if err != nil {
			return report, err
		}
		report.Revision = rev
	case Archive:
		n, err := r.syncArchive(ctx, url, mirrorDir)
		if err != nil {
			return report, err
		}
		report.Extracted = n
	}

	stats, err := r.mirror.Overlay(mirrorDir, home)
	if err != nil {
		return report, &Error{Stage: StageOverlay, URL: url, Err: err}
	}
	report.Overlay = stats

	r.logger.Info("restore complete",
		"url", url,
		"revision", report.Revision,
		"files", stats.Copied,
		"skipped", stats.Skipped)

	return report, nil
}

// syncRepository clones into an empty mirror or fast-forwards an existing one
func (r *Reconciler) syncRepository(ctx context.Context, url, mirrorDir string) (string, error) {
	netCtx, cancel := r.networkContext(ctx)
	defer cancel()

	gitDir := filepath.Join(mirrorDir, ".git")
	if _, err := r.fs.Stat(gitDir); os.IsNotExist(err) {
		if _, err := r.mirror.Clear(mirrorDir); err != nil {
			return "", &Error{Stage: StageClone, URL: url, Err: err}
		}
		if err := r.git.Clone(netCtx, url, r.opts.Branch, mirrorDir); err != nil {
			_ = r.fs.RemoveAll(gitDir)
			return "", &Error{Stage: StageClone, URL: url, Err: err}
		}
	} else {
		if err := r.git.SetRemote(ctx, mirrorDir, RestoreRemote, url); err != nil {
			return "", &Error{Stage: StagePull, URL: url, Err: err}
		}
		if err := r.git.Pull(netCtx, mirrorDir, RestoreRemote, r.opts.Branch); err != nil {
			return "", &Error{Stage: StagePull, URL: url, Err: err}
		}
	}

	count, err := r.git.RevisionCount(ctx, mirrorDir)
	if err != nil {
		return "", &Error{Stage: StagePull, URL: url, Err: err}
	}
	if count == 0 {
		r.logger.Info("restore source holds no snapshot yet", "url", url)
		return "", nil
	}

	rev, err := r.git.HeadRevision(ctx, mirrorDir)
	if err != nil {
		return "", &Error{Stage: StagePull, URL: url, Err: err}
	}
	return rev, nil
}

// syncArchive downloads the archive and replaces the mirror's content with it.
// The mirror's history is left in place.
func (r *Reconciler) syncArchive(ctx context.Context, url, mirrorDir string) (int, error) {
	if err := r.fs.MkdirAll(r.opts.TempDir, 0o700); err != nil {
		return 0, &Error{Stage: StageFetch, URL: url, Err: err}
	}
	tmp, err := afero.TempFile(r.fs, r.opts.TempDir, "restore-*.zip")
	if err != nil {
		return 0, &Error{Stage: StageFetch, URL: url, Err: err}
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() {
		_ = r.fs.Remove(tmpPath)
	}()

	netCtx, cancel := r.networkContext(ctx)
	defer cancel()

	if err := r.fetcher.Fetch(netCtx, url, tmpPath); err != nil {
		return 0, &Error{Stage: StageFetch, URL: url, Err: err}
	}

	if _, err := r.mirror.Clear(mirrorDir); err != nil {
		return 0, &Error{Stage: StageExtract, URL: url, Err: err}
	}
	n, err := ExtractZip(r.fs, tmpPath, mirrorDir)
	if err != nil {
		return n, &Error{Stage: StageExtract, URL: url, Err: err}
	}
	return n, nil
}

func (r *Reconciler) networkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.NetworkTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.NetworkTimeout)
}
