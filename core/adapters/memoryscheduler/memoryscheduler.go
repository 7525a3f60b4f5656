// Package memoryscheduler implements the in-process Scheduler variant: a
// bounded pool of worker fibers consuming from a local FIFO, built around
// os/exec and github.com/gobs/args for argv splitting, with a
// worker-bound-concurrency idiom for the slot pool. It survives only the
// current process's lifetime, which is why it also implements
// LostOnRestart so the orchestrator can fail its jobs instead of trying to
// reconcile them after a restart.
package memoryscheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gobs/args"
	"github.com/google/uuid"

	"github.com/netresearch/jobbroker/core"
	"github.com/netresearch/jobbroker/core/domain"
	"github.com/netresearch/jobbroker/core/ports"
)

// Config is the `memory{slots}` destination scheduler configuration.
type Config struct {
	Slots int `mapstructure:"slots" validate:"required,min=1" default:"1"`
}

// queueCapacity bounds the backlog of submissions waiting for a free worker
// slot. A destination with a sustained submission rate above what its slots
// can drain should be resized or paired with a different scheduler; this is
// a backstop, not a capacity-planning policy.
const queueCapacity = 4096

type jobRecord struct {
	mu       sync.Mutex
	state    ports.SchedulerState
	cancel   context.CancelFunc
	canceled bool
}

type submission struct {
	internalID string
	jd         domain.JobDescription
}

// Scheduler is the memory-backed Scheduler.
type Scheduler struct {
	logger core.Logger

	mu   sync.Mutex
	jobs map[string]*jobRecord

	queue chan submission
	stop  chan struct{}
	wg    sync.WaitGroup
}

// New starts cfg.Slots worker fibers and returns a ready Scheduler.
func New(cfg Config, logger core.Logger) *Scheduler {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	s := &Scheduler{
		logger: logger,
		jobs:   make(map[string]*jobRecord),
		queue:  make(chan submission, queueCapacity),
		stop:   make(chan struct{}),
	}
	for i := 0; i < cfg.Slots; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// LostOnRestart reports true: a memory-scheduled job has no record outside
// this process, so the orchestrator must treat it as lost after a restart
// rather than attempt to reconcile it.
func (s *Scheduler) LostOnRestart() bool { return true }

// Submit enqueues jd for execution by the next free worker. Idempotent with
// respect to a crash between Submit returning and the caller recording the
// internal id: a retry finds the sentinel this call writes and returns the
// same internal id without re-running the command.
func (s *Scheduler) Submit(ctx context.Context, jd domain.JobDescription) (string, error) {
	sentinel := filepath.Join(jd.JobDir, domain.FileSchedulerToken)
	if existing, err := os.ReadFile(sentinel); err == nil && len(existing) > 0 {
		internalID := string(existing)
		s.mu.Lock()
		_, known := s.jobs[internalID]
		s.mu.Unlock()
		if known {
			return internalID, nil
		}
	}

	internalID := uuid.NewString()
	if err := os.WriteFile(sentinel, []byte(internalID), 0o640); err != nil {
		return "", fmt.Errorf("write scheduler sentinel: %w", err)
	}

	s.mu.Lock()
	s.jobs[internalID] = &jobRecord{state: ports.SchedulerQueued}
	s.mu.Unlock()

	select {
	case s.queue <- submission{internalID: internalID, jd: jd}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.stop:
		return "", fmt.Errorf("scheduler closed")
	}
	return internalID, nil
}

// State reports the last observed state of internalID.
func (s *Scheduler) State(ctx context.Context, internalID string) (ports.SchedulerState, error) {
	s.mu.Lock()
	rec, ok := s.jobs[internalID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown job %q", internalID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state, nil
}

// Cancel requests the running (or not-yet-started) command be aborted.
// Idempotent: cancelling an already-terminal job is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, internalID string) error {
	s.mu.Lock()
	rec, ok := s.jobs[internalID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state == ports.SchedulerOK || rec.state == ports.SchedulerError {
		return nil
	}
	rec.canceled = true
	if rec.cancel != nil {
		rec.cancel()
	}
	return nil
}

// Close stops accepting new work and waits for in-flight commands to finish.
func (s *Scheduler) Close() error {
	close(s.stop)
	s.wg.Wait()
	return nil
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case sub := <-s.queue:
			s.run(sub)
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) run(sub submission) {
	s.mu.Lock()
	rec := s.jobs[sub.internalID]
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	rec.mu.Lock()
	if rec.canceled {
		rec.mu.Unlock()
		cancel()
		s.finish(rec, sub.jd.JobDir, -1, fmt.Errorf("cancelled before start"))
		return
	}
	rec.cancel = cancel
	rec.state = ports.SchedulerRunning
	rec.mu.Unlock()
	defer cancel()

	argv := args.GetArgs(sub.jd.Command)
	if len(argv) == 0 {
		s.finish(rec, sub.jd.JobDir, -1, fmt.Errorf("empty command"))
		return
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = filepath.Join(sub.jd.JobDir, domain.DirInput)

	stdout, err := os.Create(filepath.Join(sub.jd.JobDir, domain.FileStdout))
	if err != nil {
		s.finish(rec, sub.jd.JobDir, -1, fmt.Errorf("create stdout: %w", err))
		return
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(sub.jd.JobDir, domain.FileStderr))
	if err != nil {
		s.finish(rec, sub.jd.JobDir, -1, fmt.Errorf("create stderr: %w", err))
		return
	}
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	exitCode := 0
	var failErr error
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			failErr = runErr
		}
	}
	s.finish(rec, sub.jd.JobDir, exitCode, failErr)
}

func (s *Scheduler) finish(rec *jobRecord, jobDir string, exitCode int, execErr error) {
	if err := os.WriteFile(filepath.Join(jobDir, domain.FileReturnCode), []byte(strconv.Itoa(exitCode)), 0o640); err != nil {
		s.logger.Errorf("memoryscheduler: write returncode: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if execErr != nil || rec.canceled || exitCode != 0 {
		rec.state = ports.SchedulerError
		return
	}
	rec.state = ports.SchedulerOK
}
