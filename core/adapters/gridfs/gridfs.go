// Package gridfs implements the Filesystem variant paired with
// GridScheduler: input files are registered on a grid storage element under
// a per-job logical file name (LFN) directory before submission, and
// output — both the scheduler's own output sandbox (stdout.txt, stderr.txt,
// returncode) and any further files the job registered itself — is
// retrieved after the job reaches a terminal WMS state. Like
// gridscheduler, this wraps DIRAC's dirac-dms-*/dirac-wms-job-get-output
// command-line tools; no Go SDK exists for either.
package gridfs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/netresearch/jobbroker/core/domain"
)

// Config is the `dirac{lfn_root,storage_element,proxy}` destination
// filesystem configuration.
type Config struct {
	LFNRoot        string `mapstructure:"lfn_root" validate:"required"`
	StorageElement string `mapstructure:"storage_element" validate:"required"`
	Proxy          string `mapstructure:"proxy" validate:"required"`
}

// Filesystem is the grid-storage-backed Filesystem.
type Filesystem struct {
	cfg Config
}

// New returns a ready Filesystem.
func New(cfg Config) *Filesystem { return &Filesystem{cfg: cfg} }

func (f *Filesystem) env() []string {
	return append(os.Environ(), "X509_USER_PROXY="+f.cfg.Proxy)
}

func (f *Filesystem) run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = f.env()
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w (stderr: %s)", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (f *Filesystem) lfnDir(job domain.Job) string {
	return path.Join(f.cfg.LFNRoot, strconv.FormatInt(job.ID, 10))
}

// Upload registers every regular file under localDir's input directory on
// the storage element, keyed by job.ID, so the wrapper script's InputData
// can reference it by LFN.
func (f *Filesystem) Upload(ctx context.Context, localDir string, job domain.Job) (string, error) {
	lfnDir := f.lfnDir(job)
	inputDir := filepath.Join(localDir, domain.DirInput)

	err := filepath.WalkDir(inputDir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(inputDir, p)
		if err != nil {
			return err
		}
		lfn := path.Join(lfnDir, filepath.ToSlash(rel))
		_, err = f.run(ctx, localDir, "dirac-dms-add-file", lfn, p, f.cfg.StorageElement)
		return err
	})
	if err != nil {
		return "", err
	}
	return lfnDir, nil
}

// Download fetches the scheduler's output sandbox (stdout.txt, stderr.txt,
// returncode) via dirac-wms-job-get-output, then any further files the job
// itself registered under its own LFN directory, into localDir. Missing
// optional files are tolerated.
func (f *Filesystem) Download(ctx context.Context, remoteHandle, localDir string, job domain.Job) error {
	if remoteHandle != "" {
		if _, err := f.run(ctx, localDir, "dirac-wms-job-get-output", remoteHandle); err != nil {
			return fmt.Errorf("dirac-wms-job-get-output: %w", err)
		}
	}

	lfnDir := f.lfnDir(job)
	listing, err := f.run(ctx, localDir, "dirac-dms-list-directory", lfnDir)
	if err != nil {
		// An empty or never-created output directory is not an error:
		// the job may not have registered any additional output files.
		return nil
	}
	for _, lfn := range parseListing(listing, lfnDir) {
		rel := strings.TrimPrefix(lfn, lfnDir+"/")
		localPath := filepath.Join(localDir, domain.DirOutput, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
			return fmt.Errorf("mkdir %s: %w", filepath.Dir(localPath), err)
		}
		if _, err := f.run(ctx, filepath.Dir(localPath), "dirac-dms-get-file", lfn); err != nil {
			return fmt.Errorf("dirac-dms-get-file %s: %w", lfn, err)
		}
	}
	return nil
}

func parseListing(out, lfnDir string) []string {
	var lfns []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, lfnDir+"/") {
			lfns = append(lfns, line)
		}
	}
	return lfns
}

// Teardown removes the job's entire LFN directory from the storage
// element. Best-effort: failures are logged by the caller, never fatal.
func (f *Filesystem) Teardown(ctx context.Context, _ string, job domain.Job) error {
	_, err := f.run(ctx, "", "dirac-dms-remove-catalog-directory", f.lfnDir(job))
	return err
}
