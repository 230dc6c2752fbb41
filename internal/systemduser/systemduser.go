package systemduser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// UnitName is the systemd user unit that runs the worker
const UnitName = "ephemeral-sync.service"

// Systemd provides operations for interacting with systemd user units
type Systemd interface {
	// DaemonReload reloads systemd user configuration
	DaemonReload(ctx context.Context) error
	// EnableNow enables the unit and starts it if it is not running
	EnableNow(ctx context.Context, unit string) error
	// TryRestartUnits attempts to restart the specified units
	TryRestartUnits(ctx context.Context, units []string) error
	// IsAvailable checks if systemctl --user is accessible
	IsAvailable(ctx context.Context) (bool, error)
}

// Client implements Systemd by shelling out to systemctl --user
type Client struct{}

// NewClient creates a new systemd client
func NewClient() *Client {
	return &Client{}
}

// DaemonReload reloads systemd user daemon configuration
func (c *Client) DaemonReload(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "systemctl", "--user", "daemon-reload")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl daemon-reload failed: %w: %s", err, string(output))
	}
	return nil
}

// EnableNow enables the unit at login and starts it
func (c *Client) EnableNow(ctx context.Context, unit string) error {
	cmd := exec.CommandContext(ctx, "systemctl", "--user", "enable", "--now", unit)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl enable --now %s failed: %w: %s", unit, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// TryRestartUnits attempts to restart the specified units
// Uses try-restart to avoid errors if units aren't running
func (c *Client) TryRestartUnits(ctx context.Context, units []string) error {
	if len(units) == 0 {
		return nil
	}

	args := append([]string{"--user", "try-restart"}, units...)
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl try-restart had issues (may be non-fatal): %w: %s", err, string(output))
	}
	return nil
}

// IsAvailable checks if systemctl --user is accessible
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	if _, err := exec.LookPath("systemctl"); err != nil {
		return false, nil
	}

	cmd := exec.CommandContext(ctx, "systemctl", "--user", "status")
	err := cmd.Run()

	// systemctl status returns non-zero for degraded systems, but it's still available
	// We only care if the command can run at all
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			// Exit codes 1-3 are normal for systemctl status
			if exitErr.ExitCode() <= 3 {
				return true, nil
			}
		}
		return false, fmt.Errorf("systemctl --user not available: %w", err)
	}

	return true, nil
}

// GetUnitStatus returns the status of a unit
func (c *Client) GetUnitStatus(ctx context.Context, unit string) (string, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "--user", "is-active", unit)
	output, err := cmd.Output()
	status := strings.TrimSpace(string(output))

	if err != nil {
		// is-active returns non-zero for inactive units, but that's not an error
		if _, ok := err.(*exec.ExitError); ok {
			return status, nil
		}
		return "", fmt.Errorf("systemctl is-active %s failed: %w", unit, err)
	}

	return status, nil
}

// Executable returns the absolute path of the running binary, for use in
// ExecStart.
func Executable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	return exe, nil
}
