package domain

import (
	"time"
)

// JobState is one of the seven states a Job may be in. The zero value is
// not a valid state; every Job is created directly in StateNew.
type JobState string

const (
	StateNew        JobState = "new"
	StateQueued     JobState = "queued"
	StateStagingOut JobState = "staging_out"
	StateRunning    JobState = "running"
	StateStagingIn  JobState = "staging_in"
	StateOK         JobState = "ok"
	StateError      JobState = "error"
)

// IsTerminal reports whether no further transition may leave this state.
func (s JobState) IsTerminal() bool {
	return s == StateOK || s == StateError
}

// transitions enumerates the directed edges of the state graph:
// new -> queued -> running -> (ok|error), with optional
// staging_out between new and queued and staging_in between running and
// ok|error. A job may transition directly from any non-terminal state to
// error.
var transitions = map[JobState]map[JobState]bool{
	StateNew:        {StateStagingOut: true, StateQueued: true, StateError: true},
	StateStagingOut: {StateQueued: true, StateError: true},
	StateQueued:     {StateRunning: true, StateStagingIn: true, StateError: true},
	StateRunning:    {StateStagingIn: true, StateError: true},
	StateStagingIn:  {StateOK: true, StateError: true},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to JobState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateError {
		return true
	}
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Job is a user-submitted unit of work bound to exactly one Application and
// one Destination for its entire lifetime. The orchestrator is the only
// component permitted to mutate a Job; everything else observes it through
// JobStore.
type Job struct {
	ID          int64
	Name        string
	Application string
	Submitter   string // principal's user id
	Destination string
	State       JobState
	InternalID  string // scheduler-specific opaque identifier, set at most once
	ExitCode    *int
	Reason      string // human-readable terminal reason, e.g. "lost_to_restart"
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Principal is an authenticated identity produced by the HTTP boundary
// before any core call: a user id, zero or more roles, and the token
// issuer. The core never verifies tokens itself.
type Principal struct {
	UserID string
	Roles  []string
	Issuer string
}

// HasRole reports whether the principal carries the named role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Application is a named shell-command template, its validation schema,
// and required uploads. Applications are immutable once loaded at startup.
type Application struct {
	Name            string
	CommandTemplate string
	UploadNeeds     []string // filenames that MUST exist in the unpacked archive
	InputSchema     map[string]any
	AllowedRoles    []string // empty = anyone authorized
	Summary         string
	Description     string
}

// InteractiveApplication is a short follow-up command executed locally in
// the directory of an already-completed Job.
type InteractiveApplication struct {
	Name            string
	CommandTemplate string
	InputSchema     map[string]any
	JobApplication  string // if set, restricts which job application this may run against
	Timeout         time.Duration
}

// JobDescription is the transient value built per submission and handed to
// a Scheduler.
type JobDescription struct {
	Command  string
	JobDir   string // local absolute path
	CPUTime  time.Duration
	MemoryMB int
}
