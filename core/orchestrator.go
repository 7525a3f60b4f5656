package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/netresearch/jobbroker/core/domain"
	"github.com/netresearch/jobbroker/core/ports"
)

// pollBackoffInitial/Multiplier/Cap implement per-job independent backoff:
// 1s, x1.5, capped at 60s, reset on any state change.
const (
	pollBackoffInitial    = time.Second
	pollBackoffMultiplier = 1.5
	pollBackoffCap        = 60 * time.Second

	// maxConsecutiveStateErrors is the ">10 consecutive" ceiling before a
	// SchedulerStateError run fatal-errors a job.
	maxConsecutiveStateErrors = 10

	// stageIORetryAttempts/backoff schedule is the "5s, 10s, 20s, 40s, 80s"
	// stage-out/stage-in retry budget.
	stageIORetryAttempts = 5
)

var stageIOBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}

// jobRuntimeState is the orchestrator's in-memory bookkeeping for one
// non-terminal job: its poll backoff and consecutive scheduler-state-error
// count. Never persisted; rebuilt by reconcile on restart. Uses a
// FakeClock-friendly design — Orchestrator takes a Clock so tests can
// drive backoff deterministically.
type jobRuntimeState struct {
	backoff     time.Duration
	stateErrors int
}

// Orchestrator drives every Job through its lifecycle: submit, poll to
// completion, cancel, and startup reconciliation. It never imports a
// concrete scheduler or filesystem package, only the
// ports.Scheduler/ports.Filesystem interfaces behind each Destination.
type Orchestrator struct {
	store       JobStore
	dests       *DestinationSet
	picker      DestinationPicker
	registry    *ApplicationRegistry
	jobRootDir  string
	clock       Clock
	logger      Logger
	notifiers   notifierContainer
	stageIORetryBackoff []time.Duration

	mu       sync.Mutex
	jobLocks map[int64]*sync.Mutex
	runtime  map[int64]*jobRuntimeState

	wg sync.WaitGroup
}

// NewOrchestrator constructs an Orchestrator. jobRootDir must already exist.
func NewOrchestrator(store JobStore, dests *DestinationSet, picker DestinationPicker, registry *ApplicationRegistry, jobRootDir string, clock Clock, logger Logger) *Orchestrator {
	if clock == nil {
		clock = NewRealClock()
	}
	return &Orchestrator{
		store:               store,
		dests:                dests,
		picker:               picker,
		registry:             registry,
		jobRootDir:           jobRootDir,
		clock:                clock,
		logger:               logger,
		jobLocks:            make(map[int64]*sync.Mutex),
		runtime:             make(map[int64]*jobRuntimeState),
		stageIORetryBackoff: stageIOBackoff,
	}
}

// UseNotifiers registers notifiers fired once per terminal transition.
func (o *Orchestrator) UseNotifiers(ns ...NotifyMiddleware) {
	o.notifiers.Use(ns...)
}

func (o *Orchestrator) jobDir(jobID int64) string {
	return filepath.Join(o.jobRootDir, strconv.FormatInt(jobID, 10))
}

func (o *Orchestrator) lockFor(jobID int64) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		o.jobLocks[jobID] = l
	}
	return l
}

func (o *Orchestrator) runtimeFor(jobID int64) *jobRuntimeState {
	o.mu.Lock()
	defer o.mu.Unlock()
	rs, ok := o.runtime[jobID]
	if !ok {
		rs = &jobRuntimeState{backoff: pollBackoffInitial}
		o.runtime[jobID] = rs
	}
	return rs
}

func (o *Orchestrator) forgetRuntime(jobID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runtime, jobID)
	delete(o.jobLocks, jobID)
}

// Submit creates the Job row, picks a destination, renders the command,
// stages the input directory out and hands the job to the scheduler. The
// returned job id is valid even if staging/submission later fails — the
// job will be observed as `error` via JobStore, never silently dropped.
// uploadDir, if non-empty, holds the files the HTTP boundary already wrote
// to local disk (e.g. from a multipart request) and is copied into the
// job's input directory synchronously, before staging out begins — the
// caller never has to guess the job id ahead of CreateJob to stage files
// in time.
func (o *Orchestrator) Submit(ctx context.Context, principal domain.Principal, applicationName, name string, presentFiles []string, params map[string]any, uploadDir string) (int64, error) {
	app, ok := o.registry.Application(applicationName)
	if !ok {
		return 0, domain.NewValidationError("application", applicationName, "unknown application")
	}

	command, err := app.ValidateSubmission(principal, presentFiles, params)
	if err != nil {
		return 0, err
	}

	destName, err := o.picker.Pick(ctx, principal, applicationName, o.dests.Names())
	if err != nil {
		return 0, fmt.Errorf("pick destination: %w", err)
	}
	dest, ok := o.dests.Get(destName)
	if !ok {
		return 0, domain.NewConfigurationError(destName, "destination picker returned unknown destination", nil)
	}

	jobID, err := o.store.CreateJob(ctx, principal.UserID, applicationName, destName, name)
	if err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}

	if err := o.initJobDir(jobID); err != nil {
		_ = o.failJob(ctx, jobID, fmt.Sprintf("job_dir init failed: %v", err))
		return jobID, nil
	}

	if uploadDir != "" {
		if err := copyUploadedFiles(uploadDir, filepath.Join(o.jobDir(jobID), domain.DirInput)); err != nil {
			_ = o.failJob(ctx, jobID, fmt.Sprintf("stage uploaded files failed: %v", err))
			return jobID, nil
		}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runSubmission(context.Background(), jobID, dest, command)
	}()

	return jobID, nil
}

// copyUploadedFiles copies every regular file directly under srcDir into
// dstDir (non-recursive: one multipart part per upload_needs entry).
func copyUploadedFiles(srcDir, dstDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("read upload dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src, err := os.Open(filepath.Join(srcDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("open %s: %w", entry.Name(), err)
		}
		dst, err := os.OpenFile(filepath.Join(dstDir, entry.Name()), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
		if err != nil {
			src.Close()
			return fmt.Errorf("create %s: %w", entry.Name(), err)
		}
		_, copyErr := io.Copy(dst, src)
		src.Close()
		dst.Close()
		if copyErr != nil {
			return fmt.Errorf("copy %s: %w", entry.Name(), copyErr)
		}
	}
	return nil
}

func (o *Orchestrator) initJobDir(jobID int64) error {
	dir := o.jobDir(jobID)
	for _, sub := range []string{domain.DirInput, domain.DirOutput} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return fmt.Errorf("mkdir %s: %w", sub, err)
		}
	}
	return nil
}

// withJobLock serialises every state transition for jobID through its
// per-job lock, so JobStore writes for a single job are always serialised
// through the same lock. It is held only for the duration of fn, never
// across a poll's sleep, so Cancel and the reconcile loop never block on
// each other's I/O.
func (o *Orchestrator) withJobLock(jobID int64, fn func()) {
	lock := o.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()
	fn()
}

// runSubmission executes the new -> staging_out -> queued portion of a
// job's life, then hands off to poll for the remainder. It runs in its own
// goroutine so Submit returns to the caller as soon as the Job row exists.
func (o *Orchestrator) runSubmission(ctx context.Context, jobID int64, dest *Destination, command string) {
	var job domain.Job
	var stageErr error

	o.withJobLock(jobID, func() {
		if err := o.store.SetState(ctx, jobID, domain.StateStagingOut, nil); err != nil {
			o.logger.Errorf("job %d: enter staging_out: %v", jobID, err)
			stageErr = err
			return
		}
		j, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			o.logger.Errorf("job %d: reload after staging_out: %v", jobID, err)
			stageErr = err
			return
		}
		job = j
	})
	if stageErr != nil {
		return
	}

	// Upload happens outside the lock: it may take a while and nothing
	// else touches this job's state while it's in staging_out.
	if err := o.stageOut(ctx, jobID, dest, job); err != nil {
		o.withJobLock(jobID, func() { o.failJobLocked(ctx, jobID, err.Error()) })
		return
	}

	jd := domain.JobDescription{Command: command, JobDir: o.jobDir(jobID)}
	internalID, err := dest.Scheduler.Submit(ctx, jd)
	if err != nil {
		o.withJobLock(jobID, func() { o.failJobLocked(ctx, jobID, fmt.Sprintf("submit: %v", err)) })
		return
	}
	_ = os.WriteFile(filepath.Join(o.jobDir(jobID), domain.FileSchedulerToken), []byte(internalID), 0o640)

	var queueErr error
	o.withJobLock(jobID, func() {
		if err := o.store.SetState(ctx, jobID, domain.StateQueued, &SetStateOpts{InternalID: &internalID}); err != nil {
			o.logger.Errorf("job %d: enter queued: %v", jobID, err)
			queueErr = err
		}
	})
	if queueErr != nil {
		return
	}

	o.pollUntilTerminal(ctx, jobID, dest)
}

func (o *Orchestrator) stageOut(ctx context.Context, jobID int64, dest *Destination, job domain.Job) error {
	localDir := o.jobDir(jobID)
	_, err := o.withIORetry(ctx, func() (string, error) {
		return dest.Filesystem.Upload(ctx, localDir, job)
	})
	return err
}

// withIORetry runs op, retrying TransientIOError up to
// stageIORetryAttempts times on the fixed backoff schedule. PermanentIOError
// and any other error are immediately fatal.
func (o *Orchestrator) withIORetry(ctx context.Context, op func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= stageIORetryAttempts; attempt++ {
		handle, err := op()
		if err == nil {
			return handle, nil
		}
		lastErr = err

		var transient *domain.TransientIOError
		if !errors.As(err, &transient) {
			return "", err
		}
		if attempt == stageIORetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-o.clock.After(o.stageIORetryBackoff[attempt]):
		}
	}
	return "", fmt.Errorf("exceeded stage I/O retry budget: %w", lastErr)
}

// pollUntilTerminal implements the reconcile loop for a single in-flight
// job: poll Scheduler.State on a per-job independent backoff until a
// terminal observation, then stage in and record the final state.
func (o *Orchestrator) pollUntilTerminal(ctx context.Context, jobID int64, dest *Destination) {
	rs := o.runtimeFor(jobID)
	defer o.forgetRuntime(jobID)

	for {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			o.logger.Errorf("job %d: reload during poll: %v", jobID, err)
			return
		}
		if job.State.IsTerminal() {
			return
		}

		state, err := dest.Scheduler.State(ctx, job.InternalID)
		if err != nil {
			rs.stateErrors++
			if rs.stateErrors > maxConsecutiveStateErrors {
				o.failJob(ctx, jobID, "scheduler_unreachable")
				return
			}
			o.sleepBackoff(ctx, rs)
			continue
		}
		rs.stateErrors = 0

		switch state {
		case ports.SchedulerQueued:
			// no transition; still waiting.
		case ports.SchedulerRunning:
			if job.State == domain.StateQueued {
				o.withJobLock(jobID, func() {
					if err := o.store.SetState(ctx, jobID, domain.StateRunning, nil); err != nil {
						o.logger.Errorf("job %d: enter running: %v", jobID, err)
					}
				})
				rs.backoff = pollBackoffInitial
				continue
			}
		case ports.SchedulerOK, ports.SchedulerError:
			o.withJobLock(jobID, func() { o.finishJob(ctx, jobID, dest, state) })
			return
		}

		o.sleepBackoff(ctx, rs)
	}
}

func (o *Orchestrator) sleepBackoff(ctx context.Context, rs *jobRuntimeState) {
	select {
	case <-ctx.Done():
	case <-o.clock.After(rs.backoff):
	}
	next := time.Duration(float64(rs.backoff) * pollBackoffMultiplier)
	if next > pollBackoffCap {
		next = pollBackoffCap
	}
	rs.backoff = next
}

// finishJob performs the staging_in -> (ok|error) transition: stage results
// back, read returncode, record terminal state, then notify.
func (o *Orchestrator) finishJob(ctx context.Context, jobID int64, dest *Destination, observed ports.SchedulerState) {
	if err := o.store.SetState(ctx, jobID, domain.StateStagingIn, nil); err != nil {
		o.logger.Errorf("job %d: enter staging_in: %v", jobID, err)
		return
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		o.logger.Errorf("job %d: reload for staging_in: %v", jobID, err)
		return
	}

	localDir := o.jobDir(jobID)
	_, err = o.withIORetry(ctx, func() (string, error) {
		return "", dest.Filesystem.Download(ctx, job.InternalID, localDir, job)
	})
	if err != nil {
		// finishJob runs inside withJobLock already; use the lock-held
		// variant to avoid re-entering the per-job mutex.
		_ = o.failJobLocked(ctx, jobID, fmt.Sprintf("stage-in failed: %v", err))
		return
	}

	exitCode := o.readReturnCode(localDir)

	finalState := domain.StateOK
	reason := ""
	if observed == ports.SchedulerError {
		finalState = domain.StateError
		reason = "scheduler_reported_error"
	} else if exitCode != nil && *exitCode != 0 {
		finalState = domain.StateError
		reason = fmt.Sprintf("nonzero_exit:%d", *exitCode)
	}

	if err := o.store.SetState(ctx, jobID, finalState, &SetStateOpts{ExitCode: exitCode, Reason: &reason}); err != nil {
		o.logger.Errorf("job %d: enter terminal state: %v", jobID, err)
		return
	}

	_ = dest.Filesystem.Teardown(ctx, job.InternalID, job)

	o.notify(ctx, jobID, finalState, reason, exitCode)
}

func (o *Orchestrator) readReturnCode(localDir string) *int {
	data, err := os.ReadFile(filepath.Join(localDir, domain.FileReturnCode))
	if err != nil {
		return nil
	}
	code, err := strconv.Atoi(string(trimTrailingNewline(data)))
	if err != nil {
		return nil
	}
	return &code
}

func trimTrailingNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// failJob marks jobID error(reason) from any non-terminal state, acquiring
// the per-job lock first.
func (o *Orchestrator) failJob(ctx context.Context, jobID int64, reason string) error {
	var err error
	o.withJobLock(jobID, func() { err = o.failJobLocked(ctx, jobID, reason) })
	return err
}

func (o *Orchestrator) failJobLocked(ctx context.Context, jobID int64, reason string) error {
	if err := o.store.SetState(ctx, jobID, domain.StateError, &SetStateOpts{Reason: &reason}); err != nil {
		o.logger.Errorf("job %d: enter error(%s): %v", jobID, reason, err)
		return err
	}
	o.notify(ctx, jobID, domain.StateError, reason, nil)
	return nil
}

// notify fires every registered notifier in its own goroutine so a slow
// Slack/mail/webhook call never holds the per-job lock (notify is always
// called from inside withJobLock) nor delays the state transition that
// already committed.
func (o *Orchestrator) notify(ctx context.Context, jobID int64, state domain.JobState, reason string, exitCode *int) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		o.logger.Errorf("job %d: reload for notify: %v", jobID, err)
		return
	}
	event := NotifyEvent{
		JobID:       job.ID,
		JobName:     job.Name,
		Application: job.Application,
		Destination: job.Destination,
		State:       string(state),
		Reason:      reason,
		ExitCode:    exitCode,
	}
	for _, n := range o.notifiers.All() {
		n := n
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := n.Notify(event); err != nil {
				o.logger.Warningf("job %d: notifier %T failed: %v", jobID, n, err)
			}
		}()
	}
}

// Cancel is best-effort and idempotent. Cancelling a terminal job is a
// no-op success.
func (o *Orchestrator) Cancel(ctx context.Context, jobID int64) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return nil
	}
	dest, ok := o.dests.Get(job.Destination)
	if !ok {
		return domain.NewConfigurationError(job.Destination, "cancel: unknown destination", nil)
	}
	if job.InternalID == "" {
		// Not yet queued with a scheduler; fail it directly.
		return o.failJob(ctx, jobID, "cancelled")
	}
	return dest.Scheduler.Cancel(ctx, job.InternalID)
}

// Startup runs reconcile once, marking any MemoryScheduler-owned
// non-terminal job lost_to_restart (the memory scheduler has no
// process-external record to reconcile against), and resuming polling for
// every other non-terminal job by re-acquiring its destination's scheduler
// handle.
func (o *Orchestrator) Startup(ctx context.Context) error {
	jobs, err := o.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("list non-terminal jobs: %w", err)
	}

	for _, job := range jobs {
		dest, ok := o.dests.Get(job.Destination)
		if !ok {
			o.logger.Errorf("job %d: destination %q no longer configured, marking error", job.ID, job.Destination)
			_ = o.failJob(ctx, job.ID, "destination_removed")
			continue
		}

		if _, isMemory := dest.Scheduler.(memoryLostOnRestart); isMemory {
			_ = o.failJob(ctx, job.ID, "lost_to_restart")
			continue
		}

		j := job
		d := dest
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.pollUntilTerminal(context.Background(), j.ID, d)
		}()
	}
	return nil
}

// memoryLostOnRestart is implemented by MemoryScheduler to mark itself as
// non-durable across process restarts, so Startup can single it out without
// importing the adapters package.
type memoryLostOnRestart interface {
	LostOnRestart() bool
}

// Shutdown waits up to the given timeout for in-flight poll/stage
// goroutines to finish, then returns regardless. Register via
// ShutdownManager.RegisterHook so it participates in the graceful
// shutdown sequence.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}
