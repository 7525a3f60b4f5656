package core

import (
	"context"
	"errors"
	"testing"

	"github.com/netresearch/jobbroker/core/domain"
	"github.com/netresearch/jobbroker/core/ports"
)

type stubScheduler struct {
	closeErr error
	closed   bool
}

func (s *stubScheduler) Submit(context.Context, domain.JobDescription) (string, error) { return "", nil }
func (s *stubScheduler) State(context.Context, string) (ports.SchedulerState, error) {
	return ports.SchedulerOK, nil
}
func (s *stubScheduler) Cancel(context.Context, string) error { return nil }
func (s *stubScheduler) Close() error {
	s.closed = true
	return s.closeErr
}

type stubFilesystem struct{}

func (stubFilesystem) Upload(context.Context, string, domain.Job) (string, error)   { return "", nil }
func (stubFilesystem) Download(context.Context, string, string, domain.Job) error   { return nil }
func (stubFilesystem) Teardown(context.Context, string, domain.Job) error           { return nil }

func TestNewDestinationSetRejectsDuplicateNames(t *testing.T) {
	d1 := &Destination{Name: "local", Scheduler: &stubScheduler{}, Filesystem: stubFilesystem{}}
	d2 := &Destination{Name: "local", Scheduler: &stubScheduler{}, Filesystem: stubFilesystem{}}

	if _, err := NewDestinationSet([]*Destination{d1, d2}); err == nil {
		t.Fatal("expected error for duplicate destination name")
	}
}

func TestDestinationSetGetAndNames(t *testing.T) {
	d1 := &Destination{Name: "local", Scheduler: &stubScheduler{}, Filesystem: stubFilesystem{}}
	d2 := &Destination{Name: "slurm", Scheduler: &stubScheduler{}, Filesystem: stubFilesystem{}}

	ds, err := NewDestinationSet([]*Destination{d1, d2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := ds.Get("slurm")
	if !ok || got != d2 {
		t.Errorf("expected to find %v, got %v (ok=%v)", d2, got, ok)
	}

	if _, ok := ds.Get("missing"); ok {
		t.Error("expected missing destination to not be found")
	}

	names := ds.Names()
	if len(names) != 2 || names[0] != "local" || names[1] != "slurm" {
		t.Errorf("expected load-ordered names [local slurm], got %v", names)
	}
}

func TestDestinationSetNamesReturnsCopy(t *testing.T) {
	d1 := &Destination{Name: "local", Scheduler: &stubScheduler{}, Filesystem: stubFilesystem{}}
	ds, err := NewDestinationSet([]*Destination{d1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := ds.Names()
	names[0] = "mutated"

	if ds.Names()[0] != "local" {
		t.Error("expected Names() to return a defensive copy")
	}
}

func TestDestinationSetCloseClosesAllSchedulers(t *testing.T) {
	sched1 := &stubScheduler{}
	sched2 := &stubScheduler{}
	d1 := &Destination{Name: "a", Scheduler: sched1, Filesystem: stubFilesystem{}}
	d2 := &Destination{Name: "b", Scheduler: sched2, Filesystem: stubFilesystem{}}

	ds, err := NewDestinationSet([]*Destination{d1, d2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := ds.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !sched1.closed || !sched2.closed {
		t.Error("expected both schedulers to be closed")
	}
}

func TestDestinationSetCloseReturnsFirstErrorButClosesAll(t *testing.T) {
	boom := errors.New("boom")
	sched1 := &stubScheduler{closeErr: boom}
	sched2 := &stubScheduler{}
	d1 := &Destination{Name: "a", Scheduler: sched1, Filesystem: stubFilesystem{}}
	d2 := &Destination{Name: "b", Scheduler: sched2, Filesystem: stubFilesystem{}}

	ds, err := NewDestinationSet([]*Destination{d1, d2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := ds.Close(); !errors.Is(err, boom) {
		t.Errorf("expected wrapped boom error, got %v", err)
	}
	if !sched1.closed || !sched2.closed {
		t.Error("expected both schedulers to be closed despite the first failing")
	}
}
