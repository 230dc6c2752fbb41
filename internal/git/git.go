package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Pxys-io/ephemeral-sync/internal/config"
)

// ErrNothingToCommit is returned by Commit when nothing is staged and an
// empty revision was not requested.
var ErrNothingToCommit = errors.New("nothing to commit")

// Signature identifies the author of a revision
type Signature struct {
	Name  string
	Email string
}

// Client provides the version control operations used to record and
// distribute snapshots
type Client interface {
	// Init creates a repository in dir whose initial branch is branch
	Init(ctx context.Context, dir, branch string) error
	// SetRemote adds the named remote or updates its URL
	SetRemote(ctx context.Context, dir, name, url string) error
	// StageAll stages every addition, modification and deletion in dir
	StageAll(ctx context.Context, dir string) error
	// HasStagedChanges reports whether the index differs from HEAD
	HasStagedChanges(ctx context.Context, dir string) (bool, error)
	// Commit records the index and returns the new revision id
	Commit(ctx context.Context, dir, msg string, author Signature, allowEmpty bool) (string, error)
	// Push sends branch to the named remote
	Push(ctx context.Context, dir, remote, branch string) error
	// Clone clones url into dir, checking out branch when it exists
	Clone(ctx context.Context, url, branch, dir string) error
	// Pull fast-forwards branch from the named remote
	Pull(ctx context.Context, dir, remote, branch string) error
	// RevisionCount returns the number of revisions reachable from HEAD
	RevisionCount(ctx context.Context, dir string) (int, error)
	// HeadRevision returns the revision id HEAD points at
	HeadRevision(ctx context.Context, dir string) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// Init runs git init and points HEAD at the requested branch
func (c *ShellClient) Init(ctx context.Context, dir, branch string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}

	if err := c.runCommand(c.command(ctx, "init", "--quiet", dir)); err != nil {
		return fmt.Errorf("git init failed: %w", err)
	}

	// symbolic-ref works on every git version, unlike init -b
	cmd := c.command(ctx, "-C", dir, "symbolic-ref", "HEAD", "refs/heads/"+branch)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("failed to set initial branch: %w", err)
	}
	return nil
}

// SetRemote adds the remote, or updates its URL if it already exists
func (c *ShellClient) SetRemote(ctx context.Context, dir, name, url string) error {
	current, err := c.remoteURL(ctx, dir, name)
	if err != nil {
		cmd := c.command(ctx, "-C", dir, "remote", "add", name, url)
		if err := c.runCommand(cmd); err != nil {
			return fmt.Errorf("git remote add failed: %w", err)
		}
		return nil
	}

	if current == url {
		return nil
	}
	cmd := c.command(ctx, "-C", dir, "remote", "set-url", name, url)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git remote set-url failed: %w", err)
	}
	return nil
}

// StageAll runs git add -A
func (c *ShellClient) StageAll(ctx context.Context, dir string) error {
	if err := c.runCommand(c.command(ctx, "-C", dir, "add", "-A")); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// HasStagedChanges runs git diff --cached --quiet, which exits 1 when the
// index differs from HEAD
func (c *ShellClient) HasStagedChanges(ctx context.Context, dir string) (bool, error) {
	err := c.command(ctx, "-C", dir, "diff", "--cached", "--quiet").Run()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("git diff failed: %w", err)
}

// Commit records the index with the given author
func (c *ShellClient) Commit(ctx context.Context, dir, msg string, author Signature, allowEmpty bool) (string, error) {
	if !allowEmpty {
		changed, err := c.HasStagedChanges(ctx, dir)
		if err != nil {
			return "", err
		}
		if !changed {
			return "", ErrNothingToCommit
		}
	}

	args := []string{
		"-C", dir,
		"-c", "user.name=" + author.Name,
		"-c", "user.email=" + author.Email,
		"-c", "commit.gpgsign=false",
		"commit", "--quiet", "-m", msg,
	}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}

	if err := c.runCommand(c.command(ctx, args...)); err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}
	return c.HeadRevision(ctx, dir)
}

// Push pushes the local branch to the same branch on the remote
func (c *ShellClient) Push(ctx context.Context, dir, remote, branch string) error {
	url, err := c.remoteURL(ctx, dir, remote)
	if err != nil {
		url = remote
	}

	refspec := "refs/heads/" + branch + ":refs/heads/" + branch
	cmd := c.command(ctx, "-C", dir, "push", "--quiet", remote, refspec)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

// Clone clones url into dir. If branch does not exist on the remote the
// remote's default branch is cloned and branch is created at its head.
func (c *ShellClient) Clone(ctx context.Context, url, branch, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	cmd := c.command(ctx, "clone", "--quiet", "--branch", branch, url, dir)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		// Retry on the default branch; a fresh or differently named remote
		// has no branch of ours yet.
		_ = os.RemoveAll(filepath.Join(dir, ".git"))
		cmd = c.command(ctx, "clone", "--quiet", url, dir)
		if err := c.configureAuth(cmd, url); err != nil {
			return err
		}
		if err := c.runCommand(cmd); err != nil {
			return fmt.Errorf("git clone failed: %w", err)
		}
		if err := c.adoptBranch(ctx, dir, branch); err != nil {
			return err
		}
	}
	return nil
}

// adoptBranch points branch at the cloned HEAD and checks it out, so later
// pushes of branch carry the restored history.
func (c *ShellClient) adoptBranch(ctx context.Context, dir, branch string) error {
	cmd := c.command(ctx, "-C", dir, "checkout", "--quiet", "-B", branch)
	if _, err := c.HeadRevision(ctx, dir); err != nil {
		// Unborn HEAD after cloning an empty remote
		cmd = c.command(ctx, "-C", dir, "symbolic-ref", "HEAD", "refs/heads/"+branch)
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("failed to switch to branch %s: %w", branch, err)
	}
	return nil
}

// Pull fast-forwards the checked-out branch from the remote
func (c *ShellClient) Pull(ctx context.Context, dir, remote, branch string) error {
	url, err := c.remoteURL(ctx, dir, remote)
	if err != nil {
		url = remote
	}

	cmd := c.command(ctx, "-C", dir, "pull", "--quiet", "--ff-only", remote, branch)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git pull failed: %w", err)
	}
	return nil
}

// RevisionCount returns the length of HEAD's history, or 0 for an unborn branch
func (c *ShellClient) RevisionCount(ctx context.Context, dir string) (int, error) {
	if _, err := c.HeadRevision(ctx, dir); err != nil {
		return 0, nil
	}

	output, err := c.command(ctx, "-C", dir, "rev-list", "--count", "HEAD").Output()
	if err != nil {
		return 0, fmt.Errorf("git rev-list failed: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", output, err)
	}
	return n, nil
}

// HeadRevision returns the commit hash of HEAD
func (c *ShellClient) HeadRevision(ctx context.Context, dir string) (string, error) {
	output, err := c.command(ctx, "-C", dir, "rev-parse", "--verify", "--quiet", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

func (c *ShellClient) remoteURL(ctx context.Context, dir, name string) (string, error) {
	output, err := c.command(ctx, "-C", dir, "remote", "get-url", name).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// command builds a git invocation that never prompts for credentials
func (c *ShellClient) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && config.IsSSH(url) {
		// Use GIT_SSH_COMMAND to specify the SSH key.
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && config.IsHTTPS(url) {
		token, err := readToken(c.httpsTokenFile)
		if err != nil {
			return err
		}

		// Pass the token via environment variable and configure a git
		// credential helper that reads it. This avoids embedding the
		// token directly in a shell expression.
		cmd.Env = append(cmd.Env, "EPHEMERAL_SYNC_GIT_TOKEN="+token)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$EPHEMERAL_SYNC_GIT_TOKEN"; }; f`,
		)

		return nil
	}

	return nil
}

func readToken(path string) (string, error) {
	token, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read HTTPS token file: %w", err)
	}
	return strings.TrimSpace(string(token)), nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "push").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
