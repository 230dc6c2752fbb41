package systemduser

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

// Unit describes the worker service installed by deploy
type Unit struct {
	Executable string
	ConfigPath string
	// Remote overrides the configured publish remote when set.
	Remote string
}

// DefaultDir returns the systemd user unit search directory under the XDG
// config home.
func DefaultDir() string {
	return filepath.Join(xdg.ConfigHome, "systemd", "user")
}

// Render produces the unit file contents
func (u Unit) Render() string {
	var b strings.Builder
	b.WriteString("[Unit]\n")
	b.WriteString("Description=ephemeral-sync snapshot worker\n")
	b.WriteString("Wants=network-online.target\n")
	b.WriteString("After=network-online.target\n")
	b.WriteString("\n[Service]\n")
	b.WriteString("Type=simple\n")
	fmt.Fprintf(&b, "ExecStart=%s run --config %s", quoteArg(u.Executable), quoteArg(u.ConfigPath))
	if u.Remote != "" {
		fmt.Fprintf(&b, " --remote %s", quoteArg(u.Remote))
	}
	b.WriteString("\n")
	b.WriteString("Restart=on-failure\n")
	b.WriteString("RestartSec=10\n")
	b.WriteString("\n[Install]\n")
	b.WriteString("WantedBy=default.target\n")
	return b.String()
}

// Install writes the unit into dir. changed is false when an identical unit
// was already present.
func Install(dir string, u Unit) (path string, changed bool, err error) {
	path = filepath.Join(dir, UnitName)
	content := []byte(u.Render())

	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, content) {
		return path, false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return path, false, fmt.Errorf("failed to read existing unit: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return path, false, fmt.Errorf("failed to create unit directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".unit-tmp-*")
	if err != nil {
		return path, false, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(content); err != nil {
		_ = tmpFile.Close()
		return path, false, fmt.Errorf("failed to write unit: %w", err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return path, false, fmt.Errorf("failed to set unit permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return path, false, fmt.Errorf("failed to close unit: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return path, false, fmt.Errorf("failed to install unit: %w", err)
	}
	return path, true, nil
}

// quoteArg quotes an ExecStart argument for systemd when it contains
// whitespace, quotes or backslashes. Percent signs are specifier prefixes and
// are always doubled.
func quoteArg(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	if s != "" && !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
