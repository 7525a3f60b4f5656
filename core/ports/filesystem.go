package ports

import (
	"context"

	"github.com/netresearch/jobbroker/core/domain"
)

// Filesystem makes a local job directory visible at an execution site and
// brings results back. All operations may suspend on I/O and must accept
// cancellation. Implementations must make Upload atomic from the
// scheduler's point of view: a scheduler must never observe a partial
// remote directory, achieved either by staging to a sibling path and
// renaming, or by uploading into a dedicated per-job directory the
// scheduler only polls after Upload returns success.
type Filesystem interface {
	// Upload makes localDir visible at the execution site for job and
	// returns an opaque remote handle.
	Upload(ctx context.Context, localDir string, job domain.Job) (remoteHandle string, err error)

	// Download brings results from remoteHandle back into localDir. It
	// must tolerate partial remote trees: missing optional output files
	// are not an error.
	Download(ctx context.Context, remoteHandle, localDir string, job domain.Job) error

	// Teardown is best-effort cleanup of the remote handle; failures are
	// logged by the caller, never propagated as a fatal error. job is
	// passed alongside remoteHandle because some variants (SftpFS, GridFS)
	// key their remote resource by job identity rather than by the
	// scheduler's opaque handle.
	Teardown(ctx context.Context, remoteHandle string, job domain.Job) error
}
