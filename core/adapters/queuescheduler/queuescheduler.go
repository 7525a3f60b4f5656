// Package queuescheduler implements the Redis-backed Scheduler variant:
// submission pushes a serialized job description onto a named list for
// external worker processes to pop and execute, and state is read back from
// a per-job hash the workers update. This component only submits and
// observes; running the workers themselves is out of scope, observing a
// worker pool it does not own. Uses plain Execution/NotifyEvent-shaped
// data records, serialized here to JSON for a worker that lives in
// another process.
package queuescheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/netresearch/jobbroker/core/domain"
	"github.com/netresearch/jobbroker/core/ports"
)

// Config is the `arq{redis_dsn,queue?,max_jobs,job_timeout}` destination
// scheduler configuration.
type Config struct {
	RedisDSN   string        `mapstructure:"redis_dsn" validate:"required"`
	Queue      string        `mapstructure:"queue" default:"jobbroker:jobs"`
	MaxJobs    int           `mapstructure:"max_jobs" default:"10"`
	JobTimeout time.Duration `mapstructure:"job_timeout" default:"1h"`
}

// queuedJob is the wire payload pushed onto Config.Queue for a worker to
// pop, and the schema of the per-job state hash workers update as they
// execute it.
type queuedJob struct {
	ID                string  `json:"id"`
	Command           string  `json:"command"`
	JobDir            string  `json:"job_dir"`
	MemoryMB          int     `json:"memory_mb,omitempty"`
	JobTimeoutSeconds float64 `json:"job_timeout_seconds"`
}

// Scheduler is the Redis-backed Scheduler.
type Scheduler struct {
	cfg    Config
	client *redis.Client
}

// New connects to cfg.RedisDSN and returns a ready Scheduler.
func New(cfg Config) (*Scheduler, error) {
	opt, err := redis.ParseURL(cfg.RedisDSN)
	if err != nil {
		return nil, fmt.Errorf("parse redis_dsn: %w", err)
	}
	return &Scheduler{cfg: cfg, client: redis.NewClient(opt)}, nil
}

func (s *Scheduler) hashKey(internalID string) string {
	return fmt.Sprintf("%s:job:%s", s.cfg.Queue, internalID)
}

// Submit records internalID's own queued-state hash, then pushes the job
// payload so a worker process can pop and run it. Idempotent: a retry after
// losing the internal id finds it in JobDescription.JobDir's sentinel and
// returns it without pushing a duplicate payload.
func (s *Scheduler) Submit(ctx context.Context, jd domain.JobDescription) (string, error) {
	sentinel := filepath.Join(jd.JobDir, domain.FileSchedulerToken)
	if existing, err := os.ReadFile(sentinel); err == nil && len(existing) > 0 {
		return string(existing), nil
	}

	internalID := uuid.NewString()
	timeout := s.cfg.JobTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	payload := queuedJob{
		ID:                internalID,
		Command:           jd.Command,
		JobDir:            jd.JobDir,
		MemoryMB:          jd.MemoryMB,
		JobTimeoutSeconds: timeout.Seconds(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal queued job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.hashKey(internalID), "state", string(ports.SchedulerQueued))
	pipe.RPush(ctx, s.cfg.Queue, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	if err := os.WriteFile(sentinel, []byte(internalID), 0o640); err != nil {
		return "", fmt.Errorf("write scheduler sentinel: %w", err)
	}
	return internalID, nil
}

// State reads the worker-maintained state field back from internalID's
// hash.
func (s *Scheduler) State(ctx context.Context, internalID string) (ports.SchedulerState, error) {
	state, err := s.client.HGet(ctx, s.hashKey(internalID), "state").Result()
	if err == redis.Nil {
		return "", fmt.Errorf("unknown job %q", internalID)
	}
	if err != nil {
		return "", fmt.Errorf("query job state: %w", err)
	}
	switch ports.SchedulerState(state) {
	case ports.SchedulerQueued, ports.SchedulerRunning, ports.SchedulerOK, ports.SchedulerError:
		return ports.SchedulerState(state), nil
	default:
		return "", fmt.Errorf("worker reported unrecognised state %q", state)
	}
}

// Cancel flags the job for cooperative cancellation by whichever worker
// picks it up, and if it is still queued (no worker has claimed it yet)
// marks it error immediately. Idempotent: a terminal job is left alone.
func (s *Scheduler) Cancel(ctx context.Context, internalID string) error {
	key := s.hashKey(internalID)
	if err := s.client.HSet(ctx, key, "cancel_requested", "1").Err(); err != nil {
		return fmt.Errorf("flag cancellation: %w", err)
	}

	state, err := s.client.HGet(ctx, key, "state").Result()
	if err != nil {
		return nil
	}
	if ports.SchedulerState(state) == ports.SchedulerQueued {
		_ = s.client.HSet(ctx, key, "state", string(ports.SchedulerError)).Err()
	}
	return nil
}

// Close releases the Redis client's pooled connections.
func (s *Scheduler) Close() error {
	return s.client.Close()
}
