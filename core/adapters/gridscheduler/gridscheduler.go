// Package gridscheduler implements the Scheduler variant for grid
// infrastructures: a JDL is submitted to a DIRAC-style grid WMS. DIRAC has
// no Go SDK, so this wraps its dirac-wms-job-* command-line tools rather
// than linking a library — the CLI *is* the stable interface here, via
// exec.CommandContext + explicit env usage.
package gridscheduler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/netresearch/jobbroker/core/domain"
	"github.com/netresearch/jobbroker/core/ports"
)

// Config is the `dirac{storage_element,proxy}` destination scheduler
// configuration.
type Config struct {
	StorageElement string `mapstructure:"storage_element" validate:"required"`
	Proxy          string `mapstructure:"proxy" validate:"required"`
	CPUNumber      int    `mapstructure:"cpu_number" default:"1"`
}

// Scheduler is the grid-WMS-backed Scheduler.
type Scheduler struct {
	cfg Config
}

// New returns a ready Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.CPUNumber <= 0 {
		cfg.CPUNumber = 1
	}
	return &Scheduler{cfg: cfg}
}

func (s *Scheduler) env() []string {
	return append(os.Environ(), "X509_USER_PROXY="+s.cfg.Proxy)
}

func (s *Scheduler) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = s.env()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w (stderr: %s)", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// buildWrapper writes the shell script the JDL's Executable points at: run
// the command, capture its exit code into returncode, the file the
// orchestrator reads back alongside stdout/stderr once staging-in completes.
func buildWrapper(command string) string {
	return fmt.Sprintf("#!/bin/sh\n%s\necho $? > %s\n", command, domain.FileReturnCode)
}

func buildJDL(cfg Config, jobName string) string {
	return fmt.Sprintf(`JobName = %q;
Executable = "wrapper.sh";
StdOutput = %q;
StdError = %q;
InputSandbox = {"wrapper.sh"};
OutputSandbox = {%q, %q, %q};
CPUNumber = %d;
`, jobName, domain.FileStdout, domain.FileStderr, domain.FileStdout, domain.FileStderr, domain.FileReturnCode, cfg.CPUNumber)
}

// Submit materialises a wrapper script and JDL inside jd.JobDir and submits
// it via dirac-wms-job-submit. Idempotent: a retry after losing the
// internal id finds it in the sentinel this call writes.
func (s *Scheduler) Submit(ctx context.Context, jd domain.JobDescription) (string, error) {
	sentinel := filepath.Join(jd.JobDir, domain.FileSchedulerToken)
	if existing, err := os.ReadFile(sentinel); err == nil && len(existing) > 0 {
		return string(existing), nil
	}

	jobName := filepath.Base(jd.JobDir)
	wrapperPath := filepath.Join(jd.JobDir, "wrapper.sh")
	if err := os.WriteFile(wrapperPath, []byte(buildWrapper(jd.Command)), 0o750); err != nil {
		return "", fmt.Errorf("write wrapper script: %w", err)
	}
	jdlPath := filepath.Join(jd.JobDir, "job.jdl")
	if err := os.WriteFile(jdlPath, []byte(buildJDL(s.cfg, jobName)), 0o640); err != nil {
		return "", fmt.Errorf("write jdl: %w", err)
	}

	out, err := s.run(ctx, "dirac-wms-job-submit", jdlPath)
	if err != nil {
		return "", fmt.Errorf("dirac-wms-job-submit: %w", err)
	}
	internalID, err := parseSubmittedJobID(out)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(sentinel, []byte(internalID), 0o640); err != nil {
		return "", fmt.Errorf("write scheduler sentinel: %w", err)
	}
	return internalID, nil
}

var submittedIDPattern = regexp.MustCompile(`JobID\s*=?\s*(\d+)`)

func parseSubmittedJobID(out string) (string, error) {
	m := submittedIDPattern.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("could not find job id in dirac-wms-job-submit output: %q", out)
	}
	return m[1], nil
}

var statusPattern = regexp.MustCompile(`Status\s*=\s*([A-Za-z]+)`)

// State queries dirac-wms-job-status and maps DIRAC's major status
// vocabulary onto the scheduler-agnostic one.
func (s *Scheduler) State(ctx context.Context, internalID string) (ports.SchedulerState, error) {
	out, err := s.run(ctx, "dirac-wms-job-status", internalID)
	if err != nil {
		return "", fmt.Errorf("dirac-wms-job-status: %w", err)
	}
	m := statusPattern.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("could not parse status from dirac-wms-job-status output: %q", out)
	}
	switch m[1] {
	case "Received", "Checking", "Waiting", "Matched", "Staging":
		return ports.SchedulerQueued, nil
	case "Running", "Completing":
		return ports.SchedulerRunning, nil
	case "Done":
		// The wrapper's returncode file, fetched back by the paired
		// GridFS/output sandbox, is what decides ok vs. nonzero-exit
		// error; a WMS-level "Done" is always a scheduler-level ok.
		return ports.SchedulerOK, nil
	case "Failed", "Killed", "Stalled":
		return ports.SchedulerError, nil
	default:
		return ports.SchedulerError, nil
	}
}

// Cancel is idempotent: killing an already-terminal DIRAC job is a no-op
// on the WMS side.
func (s *Scheduler) Cancel(ctx context.Context, internalID string) error {
	_, err := s.run(ctx, "dirac-wms-job-kill", internalID)
	return err
}

// Close: the grid scheduler holds no pooled resources of its own (each
// dirac-wms-job-* invocation is a fresh process).
func (s *Scheduler) Close() error { return nil }
