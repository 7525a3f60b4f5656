package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/netresearch/jobbroker/core/domain"
)

// JobStore is the persistence collaborator behind every Job mutation. All
// methods must be safe for concurrent use; set_state must be atomic with
// respect to concurrent readers of the same job_id (the per-job lock
// guarantee is enforced by the orchestrator, not the store, but the
// store must never return a torn write).
type JobStore interface {
	// CreateJob inserts a new Job row in domain.StateNew and returns its
	// freshly allocated, monotonically increasing ID.
	CreateJob(ctx context.Context, submitter, application, destination, name string) (int64, error)

	// SetState atomically updates a job's state and optional terminal
	// metadata. opts may be nil.
	SetState(ctx context.Context, jobID int64, state domain.JobState, opts *SetStateOpts) error

	// GetJob returns the current row for jobID.
	GetJob(ctx context.Context, jobID int64) (domain.Job, error)

	// ListNonTerminal returns every job not yet in ok/error, for startup
	// reconciliation.
	ListNonTerminal(ctx context.Context) ([]domain.Job, error)

	// Close releases underlying storage resources.
	Close() error
}

// SetStateOpts carries the optional fields a state transition may set.
// InternalID, once set, must never change (Submit's idempotency sentinel
// is the source of truth; the store only mirrors it).
type SetStateOpts struct {
	InternalID *string
	ExitCode   *int
	Reason     *string
}

// MemoryJobStore is an in-process JobStore backed by a map and mutex. It
// satisfies every JobStore invariant but loses all state on process exit;
// intended for MemoryScheduler-only deployments and tests.
type MemoryJobStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]domain.Job
}

// NewMemoryJobStore returns an empty MemoryJobStore.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[int64]domain.Job)}
}

func (s *MemoryJobStore) CreateJob(_ context.Context, submitter, application, destination, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	now := nowUTC()
	s.jobs[id] = domain.Job{
		ID:          id,
		Name:        name,
		Application: application,
		Submitter:   submitter,
		Destination: destination,
		State:       domain.StateNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

func (s *MemoryJobStore) SetState(_ context.Context, jobID int64, state domain.JobState, opts *SetStateOpts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !domain.CanTransition(job.State, state) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.State, state)
	}

	job.State = state
	job.UpdatedAt = nowUTC()
	if opts != nil {
		if opts.InternalID != nil && job.InternalID == "" {
			job.InternalID = *opts.InternalID
		}
		if opts.ExitCode != nil {
			job.ExitCode = opts.ExitCode
		}
		if opts.Reason != nil {
			job.Reason = *opts.Reason
		}
	}
	s.jobs[jobID] = job
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, jobID int64) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *MemoryJobStore) ListNonTerminal(_ context.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if !job.State.IsTerminal() {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *MemoryJobStore) Close() error { return nil }

// BadgerJobStore is a durable JobStore backed by an embedded badger
// database, so job metadata survives process restarts without standing up
// an external RDBMS. Uses dgraph-io/badger/v4 as an embedded KV store;
// the monotonic job-id counter is itself a badger-managed sequence so it
// never lives only in process memory.
type BadgerJobStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerJobStore opens (or creates) a badger database at dir.
func NewBadgerJobStore(dir string) (*BadgerJobStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger db at %q: %w", dir, err)
	}
	seq, err := db.GetSequence([]byte("job_id_seq"), 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("acquire job id sequence: %w", err)
	}
	return &BadgerJobStore{db: db, seq: seq}, nil
}

func jobKey(id int64) []byte {
	k := make([]byte, 9)
	k[0] = 'j'
	binary.BigEndian.PutUint64(k[1:], uint64(id))
	return k
}

func (s *BadgerJobStore) CreateJob(_ context.Context, submitter, application, destination, name string) (int64, error) {
	next, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("allocate job id: %w", err)
	}
	id := int64(next) + 1 // sequence starts at 0; ids are 1-based

	now := nowUTC()
	job := domain.Job{
		ID:          id,
		Name:        name,
		Application: application,
		Submitter:   submitter,
		Destination: destination,
		State:       domain.StateNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		js, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		return txn.Set(jobKey(id), js)
	})
	if err != nil {
		return 0, fmt.Errorf("persist job %d: %w", id, err)
	}
	return id, nil
}

func (s *BadgerJobStore) SetState(_ context.Context, jobID int64, state domain.JobState, opts *SetStateOpts) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(jobID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return domain.ErrJobNotFound
			}
			return fmt.Errorf("get job %d: %w", jobID, err)
		}

		var job domain.Job
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &job) }); err != nil {
			return fmt.Errorf("unmarshal job %d: %w", jobID, err)
		}

		if !domain.CanTransition(job.State, state) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.State, state)
		}

		job.State = state
		job.UpdatedAt = nowUTC()
		if opts != nil {
			if opts.InternalID != nil && job.InternalID == "" {
				job.InternalID = *opts.InternalID
			}
			if opts.ExitCode != nil {
				job.ExitCode = opts.ExitCode
			}
			if opts.Reason != nil {
				job.Reason = *opts.Reason
			}
		}

		js, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %d: %w", jobID, err)
		}
		return txn.Set(jobKey(jobID), js)
	})
}

func (s *BadgerJobStore) GetJob(_ context.Context, jobID int64) (domain.Job, error) {
	var job domain.Job
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(jobID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return domain.ErrJobNotFound
			}
			return fmt.Errorf("get job %d: %w", jobID, err)
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &job) })
	})
	return job, err
}

func (s *BadgerJobStore) ListNonTerminal(_ context.Context) ([]domain.Job, error) {
	var out []domain.Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{'j'}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if len(it.Item().Key()) != len(jobKey(0)) {
				continue // the "job_id_seq" sequence key shares the 'j' prefix
			}
			var job domain.Job
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &job) }); err != nil {
				return fmt.Errorf("unmarshal job: %w", err)
			}
			if !job.State.IsTerminal() {
				out = append(out, job)
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerJobStore) Close() error {
	if err := s.seq.Release(); err != nil {
		return fmt.Errorf("release job id sequence: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger db: %w", err)
	}
	return nil
}
