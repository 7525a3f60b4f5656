package core

import (
	"fmt"

	"github.com/netresearch/jobbroker/core/ports"
)

// Destination pairs the two halves of an execution site: where a job runs
// (Scheduler) and how its files get there and back (Filesystem). It
// composes the capability interfaces from core/ports into one object the
// orchestrator depends on, generalized to a named Scheduler+Filesystem
// pair so the broker can dispatch to more than one kind of execution
// site.
type Destination struct {
	Name       string
	Scheduler  ports.Scheduler
	Filesystem ports.Filesystem
}

// DestinationSet is the immutable, startup-loaded collection of configured
// destinations, keyed by name.
type DestinationSet struct {
	byName map[string]*Destination
	names  []string
}

// NewDestinationSet builds a DestinationSet from the given destinations.
// Returns an error if any name is duplicated.
func NewDestinationSet(destinations []*Destination) (*DestinationSet, error) {
	ds := &DestinationSet{byName: make(map[string]*Destination, len(destinations))}
	for _, d := range destinations {
		if _, exists := ds.byName[d.Name]; exists {
			return nil, fmt.Errorf("duplicate destination name %q", d.Name)
		}
		ds.byName[d.Name] = d
		ds.names = append(ds.names, d.Name)
	}
	return ds, nil
}

// Get returns the named destination.
func (ds *DestinationSet) Get(name string) (*Destination, bool) {
	d, ok := ds.byName[name]
	return d, ok
}

// Names returns all configured destination names in load order.
func (ds *DestinationSet) Names() []string {
	out := make([]string, len(ds.names))
	copy(out, ds.names)
	return out
}

// Close tears down every destination's pooled resources (SSH connections,
// broker clients). Errors are collected but do not stop the sweep.
func (ds *DestinationSet) Close() error {
	var firstErr error
	for _, name := range ds.names {
		if err := ds.byName[name].Scheduler.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close destination %q scheduler: %w", name, err)
		}
	}
	return firstErr
}
