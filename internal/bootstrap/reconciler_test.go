package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gogit "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/transport/client"
	"gopkg.in/src-d/go-git.v4/plumbing/transport/server"

	"github.com/Pxys-io/ephemeral-sync/internal/git"
	"github.com/Pxys-io/ephemeral-sync/internal/mirror"
	"github.com/Pxys-io/ephemeral-sync/internal/publish"
	"github.com/Pxys-io/ephemeral-sync/internal/testutil"
)

func TestMain(m *testing.M) {
	client.InstallProtocol("file", server.DefaultServer)
	os.Exit(m.Run())
}

type fixture struct {
	fs        afero.Fs
	home      string
	mirrorDir string
	stateDir  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{
		fs:        afero.NewOsFs(),
		home:      filepath.Join(root, "home"),
		mirrorDir: filepath.Join(root, "mirror"),
		stateDir:  filepath.Join(root, "state"),
	}
	require.NoError(t, os.MkdirAll(f.home, 0o755))
	return f
}

func (f fixture) reconciler(client git.Client, fetcher Fetcher) *Reconciler {
	return NewReconciler(client, fetcher, mirror.New(f.fs, testutil.Logger()), f.fs, Options{
		Branch:         "main",
		TempDir:        f.stateDir,
		NetworkTimeout: time.Minute,
	}, testutil.Logger())
}

func serveArchive(t *testing.T, data []byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/dotfiles/archive/main.zip"
}

func TestRestore_ArchiveOverlaysWithoutDeleting(t *testing.T) {
	f := newFixture(t)
	testutil.WriteTree(t, f.fs, f.home, testutil.Tree{
		".bashrc":   "local rc",
		"local.txt": "mine",
	})
	url := serveArchive(t, buildZip(t,
		zipEntry{name: "dotfiles-main/.bashrc", content: "snapshot rc"},
		zipEntry{name: "dotfiles-main/.config/app.ini", content: "ini"},
	))

	fetcher := NewHTTPFetcher(f.fs, 10*time.Second, clockwork.NewRealClock(), testutil.Logger())
	r := f.reconciler(git.NewEmbeddedClient("", ""), fetcher)

	report, err := r.Restore(context.Background(), url, f.mirrorDir, f.home)
	require.NoError(t, err)
	assert.Equal(t, Archive, report.Kind)
	assert.Equal(t, 2, report.Extracted)

	want := testutil.Tree{
		".bashrc":         "snapshot rc",
		".config/app.ini": "ini",
		"local.txt":       "mine",
	}
	assert.Equal(t, want, testutil.ReadTree(t, f.fs, f.home))

	// A second restore converges on the same state.
	_, err = r.Restore(context.Background(), url, f.mirrorDir, f.home)
	require.NoError(t, err)
	assert.Equal(t, want, testutil.ReadTree(t, f.fs, f.home))

	// The downloaded archive is cleaned up.
	leftovers, err := afero.ReadDir(f.fs, f.stateDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRestore_ArchiveKeepsMirrorHistory(t *testing.T) {
	f := newFixture(t)
	testutil.WriteTree(t, f.fs, f.mirrorDir, testutil.Tree{
		".git/HEAD": "ref: refs/heads/main",
		"stale.txt": "old",
	})
	url := serveArchive(t, buildZip(t, zipEntry{name: ".profile", content: "p"}))

	fetcher := NewHTTPFetcher(f.fs, 10*time.Second, clockwork.NewRealClock(), testutil.Logger())
	_, err := f.reconciler(git.NewEmbeddedClient("", ""), fetcher).Restore(context.Background(), url, f.mirrorDir, f.home)
	require.NoError(t, err)

	assert.Equal(t, testutil.Tree{".profile": "p"}, testutil.ReadTree(t, f.fs, f.mirrorDir))
	exists, err := afero.Exists(f.fs, filepath.Join(f.mirrorDir, ".git", "HEAD"))
	require.NoError(t, err)
	assert.True(t, exists)
}

type failingFetcher struct{ err error }

func (f failingFetcher) Fetch(context.Context, string, string) error { return f.err }

func TestRestore_FetchFailureLeavesMirror(t *testing.T) {
	f := newFixture(t)
	testutil.WriteTree(t, f.fs, f.mirrorDir, testutil.Tree{"keep.txt": "k"})

	r := f.reconciler(git.NewEmbeddedClient("", ""), failingFetcher{err: errors.New("connection reset")})
	_, err := r.Restore(context.Background(), "https://example.com/a.zip", f.mirrorDir, f.home)

	var rerr *Error
	require.True(t, errors.As(err, &rerr), "expected bootstrap Error, got %v", err)
	assert.Equal(t, StageFetch, rerr.Stage)
	assert.Equal(t, testutil.Tree{"keep.txt": "k"}, testutil.ReadTree(t, f.fs, f.mirrorDir))
}

func TestRestore_UnsupportedSource(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(git.NewEmbeddedClient("", ""), failingFetcher{})

	_, err := r.Restore(context.Background(), "https://example.com/dotfiles", f.mirrorDir, f.home)
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, StageDetect, rerr.Stage)
	assert.True(t, errors.Is(err, ErrUnsupportedSource))
}

// publishRemote creates a bare repository holding tree on branch main and
// returns it with the worktree that publishes to it.
func publishRemote(t *testing.T, tree testutil.Tree) (string, string, git.Client) {
	t.Helper()
	ctx := context.Background()
	c := git.NewEmbeddedClient("", "")

	remote := filepath.Join(t.TempDir(), "dotfiles.git")
	_, err := gogit.PlainInit(remote, true)
	require.NoError(t, err)

	work := filepath.Join(t.TempDir(), "work")
	require.NoError(t, c.Init(ctx, work, "main"))
	require.NoError(t, c.SetRemote(ctx, work, "origin", remote))
	commitTree(t, c, work, tree)
	return remote, work, c
}

func commitTree(t *testing.T, c git.Client, work string, tree testutil.Tree) {
	t.Helper()
	ctx := context.Background()
	testutil.WriteTree(t, afero.NewOsFs(), work, tree)
	require.NoError(t, c.StageAll(ctx, work))
	_, err := c.Commit(ctx, work, "snapshot", git.Signature{Name: "Test", Email: "test@test.com"}, false)
	require.NoError(t, err)
	require.NoError(t, c.Push(ctx, work, "origin", "main"))
}

func TestRestore_RepositoryClonesThenPulls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testutil.WriteTree(t, f.fs, f.home, testutil.Tree{"local.txt": "mine"})

	remote, work, c := publishRemote(t, testutil.Tree{".gitconfig": "[user]"})
	r := f.reconciler(c, failingFetcher{})

	report, err := r.Restore(ctx, remote, f.mirrorDir, f.home)
	require.NoError(t, err)
	assert.Equal(t, Repository, report.Kind)
	assert.NotEmpty(t, report.Revision)
	assert.Equal(t, testutil.Tree{".gitconfig": "[user]", "local.txt": "mine"}, testutil.ReadTree(t, f.fs, f.home))

	exists, err := afero.Exists(f.fs, filepath.Join(f.home, ".git"))
	require.NoError(t, err)
	assert.False(t, exists, "snapshot history must stay in the mirror")

	// A new snapshot appears on the remote; restoring again fast-forwards.
	commitTree(t, c, work, testutil.Tree{".gitconfig": "[user]\n\tname = me"})

	second, err := r.Restore(ctx, remote, f.mirrorDir, f.home)
	require.NoError(t, err)
	assert.NotEqual(t, report.Revision, second.Revision)
	assert.Equal(t, testutil.Tree{".gitconfig": "[user]\n\tname = me", "local.txt": "mine"}, testutil.ReadTree(t, f.fs, f.home))
}

func TestRestore_CloneFailureLeavesNoHistory(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler(git.NewEmbeddedClient("", ""), failingFetcher{})

	_, err := r.Restore(context.Background(), filepath.Join(t.TempDir(), "missing.git"), f.mirrorDir, f.home)
	var rerr *Error
	require.True(t, errors.As(err, &rerr), "expected bootstrap Error, got %v", err)
	assert.Equal(t, StageClone, rerr.Stage)

	exists, err := afero.Exists(f.fs, filepath.Join(f.mirrorDir, ".git"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRestore_DefaultBranchRemoteAcceptsLaterPublishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := git.NewEmbeddedClient("", "")

	// A remote seeded by another tool carries only master.
	remote := filepath.Join(t.TempDir(), "dotfiles.git")
	_, err := gogit.PlainInit(remote, true)
	require.NoError(t, err)
	work := filepath.Join(t.TempDir(), "work")
	require.NoError(t, c.Init(ctx, work, "master"))
	require.NoError(t, c.SetRemote(ctx, work, "origin", remote))
	testutil.WriteTree(t, afero.NewOsFs(), work, testutil.Tree{".vimrc": "set nu"})
	require.NoError(t, c.StageAll(ctx, work))
	_, err = c.Commit(ctx, work, "seed", git.Signature{Name: "Test", Email: "test@test.com"}, false)
	require.NoError(t, err)
	require.NoError(t, c.Push(ctx, work, "origin", "master"))

	_, err = f.reconciler(c, failingFetcher{}).Restore(ctx, remote, f.mirrorDir, f.home)
	require.NoError(t, err)
	assert.Equal(t, testutil.Tree{".vimrc": "set nu"}, testutil.ReadTree(t, f.fs, f.home))

	p := publish.New(c, publish.Options{
		Dir:            f.mirrorDir,
		Remote:         remote,
		Branch:         "main",
		Author:         git.Signature{Name: "Test", Email: "test@test.com"},
		NetworkTimeout: time.Minute,
	}, clockwork.NewFakeClock(), testutil.Logger())

	for i, content := range []string{"set nu\nset rnu", "set nu\nsyntax on"} {
		testutil.WriteTree(t, f.fs, f.mirrorDir, testutil.Tree{".vimrc": content})
		res, err := p.Publish(ctx, false)
		require.NoError(t, err, "cycle %d", i)
		assert.True(t, res.Pushed, "cycle %d", i)

		repo, err := gogit.PlainOpen(remote)
		require.NoError(t, err)
		ref, err := repo.Reference(plumbing.ReferenceName("refs/heads/main"), true)
		require.NoError(t, err)
		assert.Equal(t, res.Revision, ref.Hash().String())
	}

	// The published branch extends the restored history.
	count, err := c.RevisionCount(ctx, f.mirrorDir)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRestore_EmptyRepositoryStartsHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testutil.WriteTree(t, f.fs, f.home, testutil.Tree{"local.txt": "mine"})

	remote := filepath.Join(t.TempDir(), "fresh.git")
	_, err := gogit.PlainInit(remote, true)
	require.NoError(t, err)

	report, err := f.reconciler(git.NewEmbeddedClient("", ""), failingFetcher{}).Restore(ctx, remote, f.mirrorDir, f.home)
	require.NoError(t, err)
	assert.Empty(t, report.Revision)
	assert.Equal(t, testutil.Tree{"local.txt": "mine"}, testutil.ReadTree(t, f.fs, f.home))

	exists, err := afero.Exists(f.fs, filepath.Join(f.mirrorDir, ".git"))
	require.NoError(t, err)
	assert.True(t, exists, "the mirror tracks the empty remote")
}
