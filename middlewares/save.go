package middlewares

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/netresearch/jobbroker/core"
)

// SaveConfig configuration for the Save middleware
type SaveConfig struct {
	// SaveFolder is the directory path where job termination records are
	// saved. When configured, a JSON record is written after each job
	// reaches a terminal state. Leave empty to disable saving.
	SaveFolder string `mapstructure:"save-folder"`
	// SaveOnlyOnError when true, only saves a record when a job fails.
	// Defaults to false (saves all terminal jobs).
	SaveOnlyOnError *bool `mapstructure:"save-only-on-error"`
	// RestoreHistory controls whether previously saved records are loaded
	// on startup. When nil (default), restoration is enabled if SaveFolder
	// is configured.
	RestoreHistory *bool `mapstructure:"restore-history"`
	// RestoreHistoryMaxAge defines the maximum age of saved records to
	// restore on startup. Defaults to 24 hours.
	RestoreHistoryMaxAge time.Duration `mapstructure:"restore-history-max-age"`
}

// RestoreHistoryEnabled returns whether history restoration is enabled.
// Defaults to true when SaveFolder is configured.
func (c *SaveConfig) RestoreHistoryEnabled() bool {
	if c.RestoreHistory != nil {
		return *c.RestoreHistory
	}
	return c.SaveFolder != ""
}

// GetRestoreHistoryMaxAge returns the max age for history restoration.
// Defaults to 24 hours.
func (c *SaveConfig) GetRestoreHistoryMaxAge() time.Duration {
	if c.RestoreHistoryMaxAge > 0 {
		return c.RestoreHistoryMaxAge
	}
	return 24 * time.Hour
}

// NewSave returns a Save notifier if the given configuration is not empty.
func NewSave(c *SaveConfig) core.NotifyMiddleware {
	var m core.NotifyMiddleware
	if !IsEmpty(c) {
		m = &Save{*c}
	}
	return m
}

// Save writes a JSON record of every terminal job to disk.
type Save struct {
	SaveConfig
}

// Notify persists the event to SaveFolder.
func (m *Save) Notify(n core.NotifyEvent) error {
	if n.State != "error" && boolVal(m.SaveOnlyOnError) {
		return nil
	}
	if err := DefaultSanitizer.ValidateSaveFolder(m.SaveFolder); err != nil {
		return fmt.Errorf("invalid save folder: %w", err)
	}
	if err := os.MkdirAll(m.SaveFolder, 0o750); err != nil {
		return fmt.Errorf("mkdir %q: %w", m.SaveFolder, err)
	}

	safeName := SanitizeJobName(n.JobName)
	filename := filepath.Join(m.SaveFolder, fmt.Sprintf(
		"%s_%s_%d.json", time.Now().Format("20060102_150405"), safeName, n.JobID,
	))

	js, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal notify event: %w", err)
	}
	if err := os.WriteFile(filename, js, 0o600); err != nil {
		return fmt.Errorf("write file %q: %w", filename, err)
	}
	return nil
}
