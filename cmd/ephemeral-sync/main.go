package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Pxys-io/ephemeral-sync/internal/bootstrap"
	"github.com/Pxys-io/ephemeral-sync/internal/config"
	"github.com/Pxys-io/ephemeral-sync/internal/daemon"
	"github.com/Pxys-io/ephemeral-sync/internal/git"
	"github.com/Pxys-io/ephemeral-sync/internal/mirror"
	"github.com/Pxys-io/ephemeral-sync/internal/publish"
	"github.com/Pxys-io/ephemeral-sync/internal/resolve"
	"github.com/Pxys-io/ephemeral-sync/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile        string
	logLevel       string
	logFormat      string
	remoteOverride string

	// Command flags
	dryRun   bool
	once     bool
	detached bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ephemeral-sync",
	Short: "Mirror dotfiles from a short-lived machine into a versioned snapshot",
	Long: `ephemeral-sync keeps a declared set of files in your home directory mirrored
into a Git-versioned snapshot directory and publishes every change to a remote.

On a freshly provisioned machine it restores the home directory from that
snapshot, or from a zip archive, before it starts mirroring again.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "ephemeral-sync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/ephemeral-sync/config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&remoteOverride, "remote", "", "publish remote, overriding the configured one")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be mirrored without making changes")
	syncCmd.Flags().BoolVar(&once, "once", true, "run a single cycle instead of the reconciliation loop")

	// Run command flags
	runCmd.Flags().BoolVar(&detached, "detached", false, "output is already captured by the activity log")
	_ = runCmd.Flags().MarkHidden("detached")

	// Add commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(versionCmd)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(w io.Writer) *slog.Logger {
	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLevel(logLevel)}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := configPath()
	logger.Debug("loading configuration", "path", path)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if remoteOverride != "" {
		cfg.Remote = remoteOverride
	}

	for _, w := range cfg.Warnings {
		logger.Warn("configuration warning", "path", path, "warning", w)
	}

	logger.Debug("configuration loaded",
		"home", cfg.Paths.Home,
		"mirror_dir", cfg.Paths.MirrorDir,
		"state_dir", cfg.Paths.StateDir,
		"remote", cfg.Remote,
		"vcs", cfg.VCS,
		"auth", cfg.AuthMethod(),
		"watch", len(cfg.Watch))

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

func newGitClient(cfg *config.Config) git.Client {
	if cfg.VCS == config.VCSEmbedded {
		return git.NewEmbeddedClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	}
	return git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
}

// app holds the components shared by the commands
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	clock     clockwork.Clock
	publisher *publish.Publisher
	restorer  *bootstrap.Reconciler
	resolver  *resolve.Resolver
	mirror    *mirror.Mirror
}

func newApp(cfg *config.Config, logger *slog.Logger) *app {
	fs := afero.NewOsFs()
	clock := clockwork.NewRealClock()
	gitClient := newGitClient(cfg)
	m := mirror.New(fs, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		clock:  clock,
		publisher: publish.New(gitClient, publish.Options{
			Dir:            cfg.Paths.MirrorDir,
			Remote:         cfg.Remote,
			Branch:         cfg.Branch,
			Author:         git.Signature{Name: cfg.Author.Name, Email: cfg.Author.Email},
			NetworkTimeout: cfg.NetworkTimeout,
		}, clock, logger),
		restorer: bootstrap.NewReconciler(gitClient,
			bootstrap.NewHTTPFetcher(fs, cfg.NetworkTimeout, clock, logger),
			m, fs, bootstrap.Options{
				Branch:         cfg.Branch,
				TempDir:        cfg.Paths.StateDir,
				NetworkTimeout: cfg.NetworkTimeout,
			}, logger),
		// The mirror and state directories may live under home and must
		// never be snapshotted into themselves.
		resolver: resolve.New(fs, logger, cfg.Paths.MirrorDir, cfg.Paths.StateDir),
		mirror:   m,
	}
}

func (a *app) engine(dryRun bool) *sync.Engine {
	return sync.NewEngine(a.cfg, sync.Components{
		Resolver:  a.resolver,
		Mirror:    a.mirror,
		Publisher: a.publisher,
		Restorer:  a.restorer,
		Clock:     a.clock,
	}, a.logger, dryRun)
}

func (a *app) pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(a.cfg.PIDFilePath(), a.cfg.LockFilePath())
}

// lockWorker takes the single-instance lock for commands that write the
// mirror outside the worker.
func (a *app) lockWorker() (*daemon.PIDFile, error) {
	p := a.pidFile()
	if err := p.Acquire(); err != nil {
		return nil, fmt.Errorf("failed to lock mirror (stop the worker first): %w", err)
	}
	return p, nil
}
