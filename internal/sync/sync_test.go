package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	gogit "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing/transport/client"
	"gopkg.in/src-d/go-git.v4/plumbing/transport/server"

	"github.com/Pxys-io/ephemeral-sync/internal/bootstrap"
	"github.com/Pxys-io/ephemeral-sync/internal/config"
	"github.com/Pxys-io/ephemeral-sync/internal/git"
	"github.com/Pxys-io/ephemeral-sync/internal/mirror"
	"github.com/Pxys-io/ephemeral-sync/internal/publish"
	"github.com/Pxys-io/ephemeral-sync/internal/resolve"
	"github.com/Pxys-io/ephemeral-sync/internal/testutil"
)

func TestMain(m *testing.M) {
	client.InstallProtocol("file", server.DefaultServer)
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Watch:          []string{"a.txt", "b/"},
		Ignore:         []string{"b/cache"},
		Branch:         "main",
		Cooldown:       time.Second,
		NetworkTimeout: time.Minute,
		VCS:            config.VCSEmbedded,
		Paths: config.PathsConfig{
			Home:      filepath.Join(root, "home"),
			MirrorDir: filepath.Join(root, "mirror"),
			StateDir:  filepath.Join(root, "state"),
		},
		Author: config.AuthorConfig{Name: "Test", Email: "test@test.com"},
	}
	if err := os.MkdirAll(cfg.Paths.Home, 0o755); err != nil {
		t.Fatal(err)
	}
	return cfg
}

// newEngine wires the real components the way the run command does.
func newEngine(cfg *config.Config, dryRun bool) *Engine {
	fs := afero.NewOsFs()
	logger := testLogger()
	gitClient := git.NewEmbeddedClient("", "")
	m := mirror.New(fs, logger)
	clock := clockwork.NewRealClock()

	return NewEngine(cfg, Components{
		Resolver: resolve.New(fs, logger, cfg.Paths.MirrorDir, cfg.Paths.StateDir),
		Mirror:   m,
		Publisher: publish.New(gitClient, publish.Options{
			Dir:    cfg.Paths.MirrorDir,
			Remote: cfg.Remote,
			Branch: cfg.Branch,
			Author: git.Signature{Name: cfg.Author.Name, Email: cfg.Author.Email},
		}, clock, logger),
		Restorer: bootstrap.NewReconciler(gitClient, nil, m, fs, bootstrap.Options{
			Branch:  cfg.Branch,
			TempDir: cfg.Paths.StateDir,
		}, logger),
		Clock: clock,
	}, logger, dryRun)
}

func writeHome(t *testing.T, cfg *config.Config) {
	t.Helper()
	testutil.WriteTree(t, afero.NewOsFs(), cfg.Paths.Home, testutil.Tree{
		"a.txt":         "a",
		"b/keep.txt":    "keep",
		"b/cache/x.txt": "x",
		"unwatched.txt": "no",
	})
}

func TestRunCycle_MirrorsWatchSet(t *testing.T) {
	cfg := testConfig(t)
	writeHome(t, cfg)
	engine := newEngine(cfg, false)

	report, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if report.ID == "" {
		t.Error("expected a cycle id")
	}
	if report.Files != 2 {
		t.Errorf("expected 2 files, got %d", report.Files)
	}
	if !report.Publish.Changed {
		t.Error("expected first cycle to record a revision")
	}

	got := testutil.ReadTree(t, afero.NewOsFs(), cfg.Paths.MirrorDir)
	want := testutil.Tree{"a.txt": "a", "b/keep.txt": "keep"}
	if len(got) != len(want) || got["a.txt"] != "a" || got["b/keep.txt"] != "keep" {
		t.Errorf("expected mirror %v, got %v", want, got)
	}
}

func TestRunCycle_UnchangedHomeKeepsHistory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeHome(t, cfg)
	engine := newEngine(cfg, false)

	if _, err := engine.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	history := historyLen(t, cfg)

	report, err := engine.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Publish.Changed {
		t.Error("expected no new revision for an unchanged home")
	}
	if got := historyLen(t, cfg); got != history {
		t.Errorf("expected history to stay at %d revisions, got %d", history, got)
	}
}

func TestRunCycle_PropagatesDeletion(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeHome(t, cfg)
	engine := newEngine(cfg, false)

	if _, err := engine.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(cfg.Paths.Home, "b", "keep.txt")); err != nil {
		t.Fatal(err)
	}

	report, err := engine.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Publish.Changed {
		t.Error("expected deletion to be recorded as a revision")
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.MirrorDir, "b", "keep.txt")); !os.IsNotExist(err) {
		t.Error("expected deleted file to leave the mirror")
	}
}

func TestRunCycle_PushesToRemote(t *testing.T) {
	cfg := testConfig(t)
	remote := filepath.Join(t.TempDir(), "remote.git")
	if _, err := gogit.PlainInit(remote, true); err != nil {
		t.Fatal(err)
	}
	cfg.Remote = remote
	writeHome(t, cfg)

	report, err := newEngine(cfg, false).RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.Publish.Pushed {
		t.Error("expected revision to be pushed")
	}

	status, err := LoadStatus(cfg.StatusFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if status.PushPending || status.LastRevision != report.Publish.Revision || status.Cycles != 1 {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestRunCycle_MissingHomeIsReported(t *testing.T) {
	cfg := testConfig(t)
	if err := os.RemoveAll(cfg.Paths.Home); err != nil {
		t.Fatal(err)
	}

	_, err := newEngine(cfg, false).RunCycle(context.Background())
	var rootErr *resolve.RootError
	if !errors.As(err, &rootErr) {
		t.Fatalf("expected RootError, got %v", err)
	}

	status, err := LoadStatus(cfg.StatusFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if status.LastError == "" {
		t.Error("expected the failure to be recorded in status")
	}
}

func TestRunCycle_DryRunLeavesMirrorAlone(t *testing.T) {
	cfg := testConfig(t)
	writeHome(t, cfg)

	report, err := newEngine(cfg, true).RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Files != 2 {
		t.Errorf("expected 2 files in plan, got %d", report.Files)
	}
	if _, err := os.Stat(cfg.Paths.MirrorDir); !os.IsNotExist(err) {
		t.Error("dry run must not create the mirror")
	}
}

func historyLen(t *testing.T, cfg *config.Config) int {
	t.Helper()
	n, err := git.NewEmbeddedClient("", "").RevisionCount(context.Background(), cfg.Paths.MirrorDir)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// fakeResolver returns a fixed result and can run a hook mid-step.
type fakeResolver struct {
	during func()
	calls  int
}

func (f *fakeResolver) Resolve(string, []string, []string) (*resolve.Result, error) {
	f.calls++
	if f.during != nil {
		f.during()
	}
	return &resolve.Result{Entries: []resolve.Entry{{RelPath: "a.txt"}}}, nil
}

type fakeMirror struct{ calls int }

func (f *fakeMirror) Rebuild(string, string, []resolve.Entry) (mirror.Stats, error) {
	f.calls++
	return mirror.Stats{Copied: 1}, nil
}

type fakePublisher struct {
	errs    []error
	retries []bool
}

func (f *fakePublisher) Publish(_ context.Context, retryPush bool) (publish.Result, error) {
	f.retries = append(f.retries, retryPush)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return publish.Result{Changed: true, Revision: "abc", PushPending: true}, err
		}
	}
	return publish.Result{Changed: true, Revision: "abc", Pushed: true}, nil
}

func (f *fakePublisher) History(context.Context) (int, error) { return len(f.retries), nil }

func fakeEngine(t *testing.T, r *fakeResolver, m *fakeMirror, p *fakePublisher) *Engine {
	t.Helper()
	return NewEngine(testConfig(t), Components{
		Resolver:  r,
		Mirror:    m,
		Publisher: p,
		Clock:     clockwork.NewFakeClock(),
	}, testLogger(), false)
}

func TestRunCycle_CancelledBeforeStart(t *testing.T) {
	r, m, p := &fakeResolver{}, &fakeMirror{}, &fakePublisher{}
	engine := fakeEngine(t, r, m, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if r.calls != 0 {
		t.Error("no step may start after cancellation")
	}
}

func TestRunCycle_CancelledMidCycleFinishesStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &fakeResolver{during: cancel}
	m, p := &fakeMirror{}, &fakePublisher{}
	engine := fakeEngine(t, r, m, p)

	_, err := engine.RunCycle(ctx)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if r.calls != 1 {
		t.Errorf("expected resolve to complete, got %d calls", r.calls)
	}
	if m.calls != 0 || len(p.retries) != 0 {
		t.Error("expected remaining steps to be skipped")
	}
}

func TestRunCycle_RetriesPendingPush(t *testing.T) {
	ctx := context.Background()
	p := &fakePublisher{errs: []error{&publish.PushError{Remote: "origin", Branch: "main", Err: errors.New("offline")}}}
	engine := fakeEngine(t, &fakeResolver{}, &fakeMirror{}, p)

	_, err := engine.RunCycle(ctx)
	var pushErr *publish.PushError
	if !errors.As(err, &pushErr) {
		t.Fatalf("expected PushError, got %v", err)
	}
	if !engine.Status().PushPending {
		t.Error("expected push to be pending after failure")
	}

	if _, err := engine.RunCycle(ctx); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	if len(p.retries) != 2 || p.retries[0] || !p.retries[1] {
		t.Errorf("expected the second publish to retry the push, got %v", p.retries)
	}
	if engine.Status().PushPending {
		t.Error("expected pending push to clear after success")
	}
}

func TestNeedsBootstrap(t *testing.T) {
	cfg := testConfig(t)
	engine := newEngine(cfg, false)
	if engine.NeedsBootstrap() {
		t.Error("no restore URL means no bootstrap")
	}

	cfg.RestoreURL = "https://example.com/me/dotfiles.git"
	if !engine.NeedsBootstrap() {
		t.Error("expected bootstrap for a fresh mirror")
	}

	if err := os.MkdirAll(filepath.Join(cfg.Paths.MirrorDir, ".git"), 0o700); err != nil {
		t.Fatal(err)
	}
	if engine.NeedsBootstrap() {
		t.Error("existing history means this is not a first run")
	}
}

func TestRun_RestoresBeforeFirstCycle(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "remote.git")
	if _, err := gogit.PlainInit(remote, true); err != nil {
		t.Fatal(err)
	}

	first := testConfig(t)
	first.Remote = remote
	writeHome(t, first)
	if err := newEngine(first, false).Run(context.Background()); err != nil {
		t.Fatalf("publishing machine: %v", err)
	}

	fresh := testConfig(t)
	fresh.Remote = remote
	fresh.RestoreURL = remote
	if err := newEngine(fresh, false).Run(context.Background()); err != nil {
		t.Fatalf("fresh machine: %v", err)
	}

	got := testutil.ReadTree(t, afero.NewOsFs(), fresh.Paths.Home)
	want := testutil.Tree{"a.txt": "a", "b/keep.txt": "keep"}
	if len(got) != len(want) || got["a.txt"] != "a" || got["b/keep.txt"] != "keep" {
		t.Errorf("expected restored home %v, got %v", want, got)
	}
	if historyLen(t, fresh) != historyLen(t, first) {
		t.Errorf("expected the restored history to be continued, got %d revisions, want %d",
			historyLen(t, fresh), historyLen(t, first))
	}
}

func TestRun_FailedRestoreStartsNoHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.RestoreURL = filepath.Join(t.TempDir(), "unreachable.git")
	writeHome(t, cfg)

	engine := newEngine(cfg, false)
	if err := engine.Run(context.Background()); err == nil {
		t.Fatal("expected the failed restore to abort the cycle")
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.MirrorDir, ".git")); !os.IsNotExist(err) {
		t.Error("a failed restore must not leave a fresh history behind")
	}
	if !engine.NeedsBootstrap() {
		t.Error("the next run must retry the restore")
	}
}

func TestStatus_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "status.json")

	empty, err := LoadStatus(path)
	if err != nil {
		t.Fatalf("missing status file must not fail: %v", err)
	}
	if empty.Cycles != 0 {
		t.Errorf("expected empty status, got %+v", empty)
	}

	want := &Status{LastCycleID: "id", LastRevision: "abc", PushPending: true, Files: 3, Cycles: 7}
	if err := SaveStatus(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := LoadStatus(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRevision != "abc" || !got.PushPending || got.Cycles != 7 {
		t.Errorf("unexpected status %+v", got)
	}

	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadStatus(path); err == nil {
		t.Error("expected error for corrupt status file")
	}
}
