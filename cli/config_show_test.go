package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	runErr := fn()

	w.Close()
	os.Stdout = oldStdout
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String(), runErr
}

func TestConfigShowExecuteValidFile(t *testing.T) {
	t.Parallel()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(validConfigYAML), 0o644))

	logger, lv := newTestLogger(t)
	cmd := &ConfigShowCommand{ConfigFile: configFile, Logger: logger, LevelVar: lv}

	output, err := captureStdout(t, func() error { return cmd.Execute(nil) })
	require.NoError(t, err)

	var result map[string]any
	assert.NoError(t, json.Unmarshal([]byte(output), &result))
	assert.Equal(t, "/tmp/jobbroker-jobs", result["job_root_dir"])
}

func TestConfigShowExecuteMissingFile(t *testing.T) {
	t.Parallel()

	logger, lv := newTestLogger(t)
	cmd := &ConfigShowCommand{ConfigFile: "/nonexistent/jobbroker/config.yaml", Logger: logger, LevelVar: lv}
	_, err := captureStdout(t, func() error { return cmd.Execute(nil) })
	assert.Error(t, err)
}

func TestConfigShowExecuteInvalidSyntax(t *testing.T) {
	t.Parallel()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("job_root_dir: [unterminated"), 0o644))

	logger, lv := newTestLogger(t)
	cmd := &ConfigShowCommand{ConfigFile: configFile, Logger: logger, LevelVar: lv}
	_, err := captureStdout(t, func() error { return cmd.Execute(nil) })
	assert.Error(t, err)
}

// ConfigShow does not instantiate destinations, so an unknown scheduler
// type (which validate/doctor would reject) is still printed successfully.
func TestConfigShowExecuteDoesNotBuildDestinations(t *testing.T) {
	t.Parallel()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	content := `
job_root_dir: /tmp/jobbroker-jobs
destinations:
  bad:
    scheduler:
      type: nonexistent
    filesystem:
      type: local
`
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0o644))

	logger, lv := newTestLogger(t)
	cmd := &ConfigShowCommand{ConfigFile: configFile, LogLevel: "debug", Logger: logger, LevelVar: lv}
	_, err := captureStdout(t, func() error { return cmd.Execute(nil) })
	assert.NoError(t, err)
}
