package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/armon/circbuf"
	"github.com/gobs/args"

	"github.com/netresearch/jobbroker/core/domain"
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// interactiveOutputCap is the max stdout/stderr capture size, 1 MiB each.
const interactiveOutputCap = 1 << 20

// InteractiveResult is what the Interactive Runner returns to its caller:
// `{return_code, stdout, stderr}`.
type InteractiveResult struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// InteractiveRunner executes InteractiveApplication follow-up commands
// against an already-completed Job's local directory. Uses os/exec +
// gobs/args for argv splitting and bounded circbuf output capture,
// generalized from a cron-scheduled local command to an on-demand,
// timeout-bound one.
type InteractiveRunner struct {
	store      JobStore
	registry   *ApplicationRegistry
	jobRootDir string
	logger     Logger
}

// NewInteractiveRunner constructs an InteractiveRunner.
func NewInteractiveRunner(store JobStore, registry *ApplicationRegistry, jobRootDir string, logger Logger) *InteractiveRunner {
	return &InteractiveRunner{store: store, registry: registry, jobRootDir: jobRootDir, logger: logger}
}

func (r *InteractiveRunner) jobDir(jobID int64) string {
	return filepath.Join(r.jobRootDir, fmt.Sprint(jobID))
}

// Run executes interactiveName against jobID's local directory, subject to
// its preconditions: the job must be `ok`, and if the interactive
// application restricts job_application, the job's application must match.
// params must already be validated against the interactive application's
// schema by the HTTP boundary, it re-validates here as the final guard.
func (r *InteractiveRunner) Run(ctx context.Context, jobID int64, interactiveName string, params map[string]any) (*InteractiveResult, error) {
	ia, ok := r.registry.Interactive(interactiveName)
	if !ok {
		return nil, domain.NewValidationError("interactive_application", interactiveName, "unknown interactive application")
	}

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != domain.StateOK {
		return nil, &domain.InteractiveRunError{Reason: "job_not_ok"}
	}
	if ia.JobApplication != "" && ia.JobApplication != job.Application {
		return nil, &domain.InteractiveRunError{Reason: "job_application_mismatch"}
	}

	dir := r.jobDir(jobID)
	if _, err := os.Stat(dir); err != nil {
		return nil, domain.ErrJobDirMissing
	}

	if err := ia.Validate(params); err != nil {
		return nil, err
	}

	resolved, cleanup, err := r.resolveBase64Params(ia, params)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	command, err := ia.Render(resolved)
	if err != nil {
		return nil, err
	}

	return r.execute(ctx, dir, command, ia.Timeout)
}

// resolveBase64Params decodes every property whose schema declares
// contentEncoding: base64 to a temporary file and substitutes the file's
// path for the parameter's value. The returned cleanup func removes every
// temporary file regardless of the command's outcome.
func (r *InteractiveRunner) resolveBase64Params(ia *CompiledInteractiveApplication, params map[string]any) (map[string]any, func(), error) {
	base64Props := ia.Base64Properties()
	if len(base64Props) == 0 {
		return params, func() {}, nil
	}

	resolved := make(map[string]any, len(params))
	for k, v := range params {
		resolved[k] = v
	}

	var tmpFiles []string
	cleanup := func() {
		for _, f := range tmpFiles {
			_ = os.Remove(f)
		}
	}

	for _, prop := range base64Props {
		raw, ok := params[prop].(string)
		if !ok {
			continue
		}
		data, err := decodeBase64(raw)
		if err != nil {
			cleanup()
			return nil, func() {}, domain.NewValidationError(prop, raw, "invalid base64 content")
		}
		f, err := os.CreateTemp("", "interactive-*.param")
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("create temp file for %q: %w", prop, err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			cleanup()
			return nil, func() {}, fmt.Errorf("write temp file for %q: %w", prop, err)
		}
		_ = f.Close()
		tmpFiles = append(tmpFiles, f.Name())
		resolved[prop] = f.Name()
	}

	return resolved, cleanup, nil
}

// execute runs command in dir with a wall-clock timeout, capturing stdout
// and stderr in circbuf ring buffers bounded at interactiveOutputCap bytes
// each. A non-zero return code and an output capture that overran the cap
// both surface as a distinct InteractiveRunError, alongside timeout and
// exec-start failures.
func (r *InteractiveRunner) execute(ctx context.Context, dir, command string, timeout time.Duration) (*InteractiveResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := args.GetArgs(command)
	if len(argv) == 0 {
		return nil, &domain.InteractiveRunError{Reason: "empty_command"}
	}

	stdout, err := circbuf.NewBuffer(interactiveOutputCap)
	if err != nil {
		return nil, fmt.Errorf("allocate stdout buffer: %w", err)
	}
	stderr, err := circbuf.NewBuffer(interactiveOutputCap)
	if err != nil {
		return nil, fmt.Errorf("allocate stderr buffer: %w", err)
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &domain.InteractiveRunError{
			Reason: "timeout",
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, &domain.InteractiveRunError{Reason: "exec_failed", Err: runErr}
		}
	}

	if stdout.TotalWritten() > interactiveOutputCap || stderr.TotalWritten() > interactiveOutputCap {
		return nil, &domain.InteractiveRunError{
			Reason:   "output_cap_exceeded",
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}

	if exitCode != 0 {
		return nil, &domain.InteractiveRunError{
			Reason:   "nonzero_exit",
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}

	return &InteractiveResult{
		ReturnCode: exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
	}, nil
}
