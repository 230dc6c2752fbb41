package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gogit "gopkg.in/src-d/go-git.v4"
	gitconfig "gopkg.in/src-d/go-git.v4/config"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"
	githttp "gopkg.in/src-d/go-git.v4/plumbing/transport/http"
	gitssh "gopkg.in/src-d/go-git.v4/plumbing/transport/ssh"
	"gopkg.in/src-d/go-git.v4/storage/memory"

	"github.com/Pxys-io/ephemeral-sync/internal/config"
)

// EmbeddedClient implements Client in-process with go-git, for machines
// without a git binary
type EmbeddedClient struct {
	sshKeyFile     string
	httpsTokenFile string
	now            func() time.Time
}

// NewEmbeddedClient creates a Client backed by go-git
func NewEmbeddedClient(sshKeyFile, httpsTokenFile string) *EmbeddedClient {
	return &EmbeddedClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
		now:            time.Now,
	}
}

// Init creates a repository whose HEAD points at branch
func (c *EmbeddedClient) Init(_ context.Context, dir, branch string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}

	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}

	head := plumbing.NewSymbolicReference(plumbing.HEAD, branchRef(branch))
	if err := repo.Storer.SetReference(head); err != nil {
		return fmt.Errorf("failed to set initial branch: %w", err)
	}
	return nil
}

// SetRemote adds the remote, or recreates it if its URL changed
func (c *EmbeddedClient) SetRemote(_ context.Context, dir, name, url string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	remote, err := repo.Remote(name)
	switch {
	case err == nil:
		urls := remote.Config().URLs
		if len(urls) == 1 && urls[0] == url {
			return nil
		}
		if err := repo.DeleteRemote(name); err != nil {
			return fmt.Errorf("failed to replace remote %s: %w", name, err)
		}
	case !errors.Is(err, gogit.ErrRemoteNotFound):
		return fmt.Errorf("failed to read remote %s: %w", name, err)
	}

	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: name, URLs: []string{url}}); err != nil {
		return fmt.Errorf("failed to create remote %s: %w", name, err)
	}
	return nil
}

// StageAll adds new and modified files and removes deleted ones from the index
func (c *EmbeddedClient) StageAll(_ context.Context, dir string) error {
	_, wt, err := c.open(dir)
	if err != nil {
		return err
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("failed to read worktree status: %w", err)
	}

	for path, s := range status {
		switch s.Worktree {
		case gogit.Unmodified:
			continue
		case gogit.Deleted:
			if _, err := wt.Remove(path); err != nil {
				return fmt.Errorf("failed to stage removal of %s: %w", path, err)
			}
		default:
			if _, err := wt.Add(path); err != nil {
				return fmt.Errorf("failed to stage %s: %w", path, err)
			}
		}
	}
	return nil
}

// HasStagedChanges reports whether any index entry differs from HEAD
func (c *EmbeddedClient) HasStagedChanges(_ context.Context, dir string) (bool, error) {
	_, wt, err := c.open(dir)
	if err != nil {
		return false, err
	}

	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to read worktree status: %w", err)
	}

	for _, s := range status {
		if s.Staging != gogit.Unmodified && s.Staging != gogit.Untracked {
			return true, nil
		}
	}
	return false, nil
}

// Commit records the index with the given author
func (c *EmbeddedClient) Commit(ctx context.Context, dir, msg string, author Signature, allowEmpty bool) (string, error) {
	if !allowEmpty {
		changed, err := c.HasStagedChanges(ctx, dir)
		if err != nil {
			return "", err
		}
		if !changed {
			return "", ErrNothingToCommit
		}
	}

	_, wt, err := c.open(dir)
	if err != nil {
		return "", err
	}

	hash, err := wt.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  author.Name,
			Email: author.Email,
			When:  c.now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// Push sends the local branch to the same branch on the remote
func (c *EmbeddedClient) Push(ctx context.Context, dir, remote, branch string) error {
	repo, _, err := c.open(dir)
	if err != nil {
		return err
	}

	auth, err := c.remoteAuth(repo, remote)
	if err != nil {
		return err
	}

	ref := branchRef(branch)
	err = repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: remote,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(ref + ":" + ref)},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push: %w", err)
	}
	return nil
}

// Clone clones url into dir. If branch does not exist on the remote the
// remote's default branch is cloned and branch is created at its head. An
// empty remote yields an empty repository tracking it.
func (c *EmbeddedClient) Clone(ctx context.Context, url, branch, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	auth, err := c.auth(url)
	if err != nil {
		return err
	}

	_, err = gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
		URL:           url,
		ReferenceName: branchRef(branch),
		SingleBranch:  true,
		Auth:          auth,
	})
	if err == nil {
		return nil
	}

	_ = os.RemoveAll(filepath.Join(dir, ".git"))
	repo, err := gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
		URL:  url,
		Auth: auth,
	})
	if err != nil {
		if empty, lerr := remoteIsEmpty(url, auth); lerr == nil && empty {
			return c.initEmpty(ctx, dir, branch, url)
		}
		return fmt.Errorf("failed to clone: %w", err)
	}
	return adoptBranch(repo, branch)
}

// remoteIsEmpty reports whether url advertises no references at all
func remoteIsEmpty(url string, auth transport.AuthMethod) (bool, error) {
	remote := gogit.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	refs, err := remote.List(&gogit.ListOptions{Auth: auth})
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(refs) == 0, nil
}

// initEmpty stands in for cloning an empty remote: an unborn branch with
// origin pointing at url, as git clone leaves it.
func (c *EmbeddedClient) initEmpty(ctx context.Context, dir, branch, url string) error {
	_ = os.RemoveAll(filepath.Join(dir, ".git"))
	if err := c.Init(ctx, dir, branch); err != nil {
		return err
	}
	return c.SetRemote(ctx, dir, "origin", url)
}

// adoptBranch points branch at HEAD and makes it the checked-out branch. The
// worktree already matches HEAD, so only references change.
func adoptBranch(repo *gogit.Repository, branch string) error {
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	ref := branchRef(branch)
	if head.Name() == ref {
		return nil
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(ref, head.Hash())); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, ref)); err != nil {
		return fmt.Errorf("failed to switch to branch %s: %w", branch, err)
	}
	return nil
}

// Pull fast-forwards the worktree from the remote
func (c *EmbeddedClient) Pull(ctx context.Context, dir, remote, branch string) error {
	repo, wt, err := c.open(dir)
	if err != nil {
		return err
	}

	auth, err := c.remoteAuth(repo, remote)
	if err != nil {
		return err
	}

	err = wt.PullContext(ctx, &gogit.PullOptions{
		RemoteName:    remote,
		ReferenceName: branchRef(branch),
		SingleBranch:  true,
		Auth:          auth,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to pull: %w", err)
	}
	return nil
}

// RevisionCount walks HEAD's history, returning 0 for an unborn branch
func (c *EmbeddedClient) RevisionCount(_ context.Context, dir string) (int, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to open repository: %w", err)
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	iter, err := repo.Log(&gogit.LogOptions{From: head.Hash()})
	if err != nil {
		return 0, fmt.Errorf("failed to read history: %w", err)
	}
	defer iter.Close()

	count := 0
	err = iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	})
	return count, err
}

// HeadRevision returns the commit hash of HEAD
func (c *EmbeddedClient) HeadRevision(_ context.Context, dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

func (c *EmbeddedClient) open(dir string) (*gogit.Repository, *gogit.Worktree, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	return repo, wt, nil
}

// remoteAuth resolves the configured auth method for a named remote
func (c *EmbeddedClient) remoteAuth(repo *gogit.Repository, name string) (transport.AuthMethod, error) {
	remote, err := repo.Remote(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote %s: %w", name, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return nil, fmt.Errorf("remote %s has no URL", name)
	}
	return c.auth(urls[0])
}

// auth returns the auth method for url, or nil to use transport defaults
func (c *EmbeddedClient) auth(url string) (transport.AuthMethod, error) {
	if c.sshKeyFile != "" && config.IsSSH(url) {
		keys, err := gitssh.NewPublicKeysFromFile("git", c.sshKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return keys, nil
	}

	if c.httpsTokenFile != "" && config.IsHTTPS(url) {
		token, err := readToken(c.httpsTokenFile)
		if err != nil {
			return nil, err
		}
		return &githttp.BasicAuth{Username: "x-access-token", Password: token}, nil
	}

	return nil, nil
}

func branchRef(branch string) plumbing.ReferenceName {
	return plumbing.ReferenceName("refs/heads/" + branch)
}
