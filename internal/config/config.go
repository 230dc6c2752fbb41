package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	homedir "github.com/mitchellh/go-homedir"
)

// AppName names the per-user configuration, data and state directories.
const AppName = "ephemeral-sync"

const (
	DefaultCooldown       = 30 * time.Second
	DefaultNetworkTimeout = 2 * time.Minute
	DefaultBranch         = "main"
	DefaultAuthorName     = "ephemeral-sync"
	DefaultAuthorEmail    = "ephemeral-sync@localhost"
)

// VCSBackend selects the version control implementation
type VCSBackend string

const (
	VCSShell    VCSBackend = "shell"
	VCSEmbedded VCSBackend = "embedded"
)

// Config represents the complete ephemeral-sync configuration
type Config struct {
	// Watch holds glob patterns relative to Paths.Home.
	Watch []string
	// Ignore holds literal path prefixes (globs are expanded first).
	Ignore []string

	Remote         string
	RestoreURL     string
	Branch         string
	Cooldown       time.Duration
	NetworkTimeout time.Duration
	VCS            VCSBackend

	Paths  PathsConfig
	Auth   AuthConfig
	Author AuthorConfig

	// Warnings collects non-fatal problems found while parsing, such as
	// unknown directives.
	Warnings []string
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	Home      string
	MirrorDir string
	StateDir  string
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string
	HTTPSTokenFile string
}

// AuthorConfig is the identity recorded on snapshot revisions
type AuthorConfig struct {
	Name  string
	Email string
}

// ValidationError reports a missing or malformed configuration value.
type ValidationError struct {
	Line  int
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s: %s", e.Line, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// DefaultPath returns the configuration file location used when none is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config")
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	doc, warnings, err := decode(path, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg, err := doc.toConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Warnings = warnings

	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandPaths expands ~ and environment variables in path-valued fields
func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Paths.Home,
		&c.Paths.MirrorDir,
		&c.Paths.StateDir,
		&c.Auth.SSHKeyFile,
		&c.Auth.HTTPSTokenFile,
	} {
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	c.Remote = os.ExpandEnv(c.Remote)
	c.RestoreURL = os.ExpandEnv(c.RestoreURL)
	return nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	return homedir.Expand(os.ExpandEnv(p))
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() error {
	if c.Paths.Home == "" {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		c.Paths.Home = home
	}
	if c.Paths.MirrorDir == "" {
		c.Paths.MirrorDir = filepath.Join(xdg.DataHome, AppName, "mirror")
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = filepath.Join(xdg.StateHome, AppName)
	}
	if c.Branch == "" {
		c.Branch = DefaultBranch
	}
	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.NetworkTimeout == 0 {
		c.NetworkTimeout = DefaultNetworkTimeout
	}
	if c.VCS == "" {
		c.VCS = VCSShell
	}
	if c.Author.Name == "" {
		c.Author.Name = DefaultAuthorName
	}
	if c.Author.Email == "" {
		c.Author.Email = DefaultAuthorEmail
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	for _, p := range []struct {
		field string
		value string
	}{
		{"home", c.Paths.Home},
		{"mirror_dir", c.Paths.MirrorDir},
		{"state_dir", c.Paths.StateDir},
	} {
		if p.value == "" {
			return &ValidationError{Field: p.field, Msg: "is required"}
		}
		if !filepath.IsAbs(p.value) {
			return &ValidationError{Field: p.field, Msg: "must be an absolute path: " + p.value}
		}
	}

	if c.Paths.MirrorDir == c.Paths.Home {
		return &ValidationError{Field: "mirror_dir", Msg: "must not be the home directory"}
	}

	for _, pattern := range c.Watch {
		if err := validatePattern(pattern); err != nil {
			return &ValidationError{Field: "watch", Msg: err.Error()}
		}
	}
	for _, pattern := range c.Ignore {
		if err := validatePattern(pattern); err != nil {
			return &ValidationError{Field: "ignore", Msg: err.Error()}
		}
	}

	if c.Cooldown <= 0 {
		return &ValidationError{Field: "cooldown", Msg: "must be positive"}
	}
	if c.NetworkTimeout <= 0 {
		return &ValidationError{Field: "network_timeout", Msg: "must be positive"}
	}

	switch c.VCS {
	case VCSShell, VCSEmbedded:
		// valid
	default:
		return &ValidationError{Field: "vcs", Msg: fmt.Sprintf("invalid backend %q (must be shell or embedded)", c.VCS)}
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return &ValidationError{Field: "auth", Msg: "only one of ssh_key_file or https_token_file may be set"}
	}

	return nil
}

// ValidateForPublish reports whether the configuration can drive a
// publishing worker, which needs both a remote and something to watch.
func (c *Config) ValidateForPublish() error {
	if c.Remote == "" {
		return &ValidationError{Field: "remote", Msg: "is required for publishing"}
	}
	if len(c.Watch) == 0 {
		return &ValidationError{Field: "watch", Msg: "at least one pattern is required for publishing"}
	}
	return nil
}

func validatePattern(pattern string) error {
	if filepath.IsAbs(pattern) {
		return fmt.Errorf("pattern %q must be relative to the home directory", pattern)
	}
	clean := filepath.Clean(pattern)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("pattern %q escapes the home directory", pattern)
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return nil
}

// ActivityLogPath returns the append-only activity log location
func (c *Config) ActivityLogPath() string {
	return filepath.Join(c.Paths.StateDir, "activity.log")
}

// PIDFilePath returns the path of the worker process identifier record
func (c *Config) PIDFilePath() string {
	return filepath.Join(c.Paths.StateDir, "daemon.pid")
}

// LockFilePath returns the path of the single-instance lock
func (c *Config) LockFilePath() string {
	return filepath.Join(c.Paths.StateDir, "daemon.lock")
}

// StatusFilePath returns the path to the cycle status file
func (c *Config) StatusFilePath() string {
	return filepath.Join(c.Paths.StateDir, "status.json")
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the URL uses HTTPS
func IsHTTPS(url string) bool {
	return strings.HasPrefix(url, "https://")
}

// IsSSH returns true if the URL uses SSH, either scp-like or ssh://
func IsSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}
