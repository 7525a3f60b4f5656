// Package ports defines the capability contracts the orchestrator depends
// on: Scheduler and Filesystem. Concrete implementations live under
// core/adapters/*; the orchestrator never imports an adapter package
// directly, only the interfaces here — a hexagonal layering built around
// the scheduler/filesystem pair a Destination is constructed from.
package ports

import (
	"context"

	"github.com/netresearch/jobbroker/core/domain"
)

// SchedulerState is the small, scheduler-agnostic vocabulary that leaks out
// of a Scheduler implementation. No other states are permitted to escape.
type SchedulerState string

const (
	SchedulerQueued  SchedulerState = "queued"
	SchedulerRunning SchedulerState = "running"
	SchedulerOK      SchedulerState = "ok"
	SchedulerError   SchedulerState = "error"
)

// Scheduler submits, observes and cancels jobs on a compute back-end.
// Submit must be idempotent with respect to crashes: a caller that retries
// with an identical JobDescription after losing track of the internal ID
// must not cause two executions. Implementations achieve this by writing
// the internal ID to a sentinel file inside JobDescription.JobDir before
// returning, and by reading that sentinel on retry.
type Scheduler interface {
	// Submit registers the job and returns an opaque, scheduler-specific
	// identifier.
	Submit(ctx context.Context, jd domain.JobDescription) (internalID string, err error)

	// State reports the current scheduler-observed state of a
	// previously submitted job.
	State(ctx context.Context, internalID string) (SchedulerState, error)

	// Cancel is best-effort and idempotent; cancelling a job already in
	// a terminal state is a no-op that returns success.
	Cancel(ctx context.Context, internalID string) error

	// Close releases pooled resources (SSH connections, broker clients).
	Close() error
}
