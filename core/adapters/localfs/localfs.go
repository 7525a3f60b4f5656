// Package localfs implements the Filesystem variant paired with
// MemoryScheduler: the execution site is the same machine as the
// orchestrator, so staging is a no-op.
package localfs

import (
	"context"

	"github.com/netresearch/jobbroker/core/domain"
)

// Filesystem is the no-op Filesystem: localDir already is the execution
// site, so upload/download never copy anything.
type Filesystem struct{}

// New returns a ready Filesystem.
func New() *Filesystem { return &Filesystem{} }

// Upload returns localDir unchanged as the "remote" handle.
func (f *Filesystem) Upload(_ context.Context, localDir string, _ domain.Job) (string, error) {
	return localDir, nil
}

// Download is a no-op: the command already wrote its output directly into
// localDir.
func (f *Filesystem) Download(_ context.Context, _, _ string, _ domain.Job) error {
	return nil
}

// Teardown is a no-op: there is nothing remote to clean up.
func (f *Filesystem) Teardown(_ context.Context, _ string, _ domain.Job) error {
	return nil
}
