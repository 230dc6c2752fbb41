package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is the persisted outcome of the most recent cycles, read by the
// status command
type Status struct {
	LastCycleID  string    `json:"last_cycle_id,omitempty"`
	LastCycleAt  time.Time `json:"last_cycle_at,omitempty"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastRevision string    `json:"last_revision,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	// PushPending is set while revisions exist that have not reached the remote.
	PushPending bool     `json:"push_pending"`
	Files       int      `json:"files"`
	Skipped     []string `json:"skipped,omitempty"`
	Cycles      int      `json:"cycles"`
}

// LoadStatus reads the status file, returning an empty Status if it does not
// exist yet
func LoadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Status{}, nil
		}
		return nil, err
	}

	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status file: %w", err)
	}
	return &status, nil
}

// SaveStatus persists the status with an atomic write
func SaveStatus(path string, status *Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".status-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
