// Package publish records the snapshot mirror as a new revision and pushes it
// to the configured remote.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Pxys-io/ephemeral-sync/internal/git"
)

// RemoteName is the remote snapshots are pushed to.
const RemoteName = "origin"

const initialMessage = "initialize snapshot history"

// Options configures a Publisher
type Options struct {
	// Dir is the snapshot mirror, which doubles as the repository worktree.
	Dir string
	// Remote is the push URL. Empty means history stays local.
	Remote         string
	Branch         string
	Author         git.Signature
	NetworkTimeout time.Duration
}

// Result describes one Publish call
type Result struct {
	// Changed is true when a new revision was recorded.
	Changed  bool
	Revision string
	Pushed   bool
	// PushPending is true when local revisions have not reached the remote.
	PushPending bool
}

// PushError reports a failed push. The local revision is kept and the push
// is retried on the next cycle.
type PushError struct {
	Remote string
	Branch string
	Err    error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("failed to push %s to %s: %v", e.Branch, e.Remote, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// Publisher turns mirror contents into revisions
type Publisher struct {
	git    git.Client
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger
}

// New creates a Publisher
func New(client git.Client, opts Options, clock clockwork.Clock, logger *slog.Logger) *Publisher {
	return &Publisher{
		git:    client,
		opts:   opts,
		clock:  clock,
		logger: logger,
	}
}

// EnsureRepository initialises the mirror's history if it has none and keeps
// the push remote in line with the configuration.
func (p *Publisher) EnsureRepository(ctx context.Context) error {
	gitDir := filepath.Join(p.opts.Dir, ".git")
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		p.logger.Info("initializing snapshot history", "dir", p.opts.Dir, "branch", p.opts.Branch)

		if err := p.git.Init(ctx, p.opts.Dir, p.opts.Branch); err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		if _, err := p.git.Commit(ctx, p.opts.Dir, initialMessage, p.opts.Author, true); err != nil {
			return fmt.Errorf("failed to create initial revision: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to check repository: %w", err)
	}

	if p.opts.Remote != "" {
		if err := p.git.SetRemote(ctx, p.opts.Dir, RemoteName, p.opts.Remote); err != nil {
			return fmt.Errorf("failed to configure remote: %w", err)
		}
	}
	return nil
}

// Publish stages the mirror and, if anything changed, commits and pushes it.
// retryPush requests a push even when nothing changed, to deliver revisions
// left behind by an earlier failed push.
//
// A *PushError is returned together with a Result whose Changed and Revision
// describe the local revision that was kept.
func (p *Publisher) Publish(ctx context.Context, retryPush bool) (Result, error) {
	var result Result

	if err := p.EnsureRepository(ctx); err != nil {
		return result, err
	}

	if err := p.git.StageAll(ctx, p.opts.Dir); err != nil {
		return result, fmt.Errorf("failed to stage mirror: %w", err)
	}

	changed, err := p.git.HasStagedChanges(ctx, p.opts.Dir)
	if err != nil {
		return result, fmt.Errorf("failed to inspect staged changes: %w", err)
	}

	if changed {
		msg := "snapshot " + p.clock.Now().UTC().Format(time.RFC3339)
		rev, err := p.git.Commit(ctx, p.opts.Dir, msg, p.opts.Author, false)
		if err != nil {
			return result, fmt.Errorf("failed to commit snapshot: %w", err)
		}
		result.Changed = true
		result.Revision = rev
		p.logger.Info("recorded snapshot", "revision", shortRev(rev))
	} else {
		p.logger.Debug("mirror unchanged, no revision recorded")
		if !retryPush {
			return result, nil
		}
	}

	if p.opts.Remote == "" {
		p.logger.Debug("no remote configured, keeping history local")
		return result, nil
	}

	if err := p.push(ctx); err != nil {
		result.PushPending = true
		return result, &PushError{Remote: p.opts.Remote, Branch: p.opts.Branch, Err: err}
	}
	result.Pushed = true
	p.logger.Info("pushed snapshot history", "remote", p.opts.Remote, "branch", p.opts.Branch)

	return result, nil
}

func (p *Publisher) push(ctx context.Context) error {
	if p.opts.NetworkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.NetworkTimeout)
		defer cancel()
	}
	err := p.git.Push(ctx, p.opts.Dir, RemoteName, p.opts.Branch)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("push timed out after %s: %w", p.opts.NetworkTimeout, err)
	}
	return err
}

// History returns the number of revisions in the mirror's history
func (p *Publisher) History(ctx context.Context) (int, error) {
	if _, err := os.Stat(filepath.Join(p.opts.Dir, ".git")); os.IsNotExist(err) {
		return 0, nil
	}
	return p.git.RevisionCount(ctx, p.opts.Dir)
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
