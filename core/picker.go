package core

import (
	"context"
	"sync/atomic"

	"github.com/netresearch/jobbroker/core/domain"
)

// DestinationPicker selects a destination name for a submission. It must be
// pure with respect to its arguments and is invoked exactly once per job.
// candidates is the full set of configured destination names, in load
// order.
type DestinationPicker interface {
	Pick(ctx context.Context, principal domain.Principal, applicationName string, candidates []string) (string, error)
}

// FirstDestinationPicker always selects the first configured destination.
// It is the default picker.
type FirstDestinationPicker struct{}

func (FirstDestinationPicker) Pick(_ context.Context, _ domain.Principal, _ string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", domain.ErrNoDestinations
	}
	return candidates[0], nil
}

// RotatingDestinationPicker round-robins across the candidate destinations.
// The rotation counter is shared across all calls to one picker instance,
// not per application or principal — destinations are cycled, not
// partitioned by caller.
type RotatingDestinationPicker struct {
	counter atomic.Uint64
}

// NewRotatingDestinationPicker returns a picker starting at the first
// candidate.
func NewRotatingDestinationPicker() *RotatingDestinationPicker {
	return &RotatingDestinationPicker{}
}

func (p *RotatingDestinationPicker) Pick(_ context.Context, _ domain.Principal, _ string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", domain.ErrNoDestinations
	}
	n := p.counter.Add(1) - 1
	return candidates[n%uint64(len(candidates))], nil
}

// PickerFactory builds a DestinationPicker instance from a name, for
// pickers that need configuration (none of the built-ins do today, but
// custom pickers registered via RegisterPicker may).
type PickerFactory func() DestinationPicker

// pickerRegistry is the compiled-in set of destination pickers a config
// file may select by name. User-supplied pickers are registered by name
// at init time rather than loaded as a dynamic plugin symbol, since this
// module targets a statically linked Go binary — see DESIGN.md.
var pickerRegistry = map[string]PickerFactory{
	"first":  func() DestinationPicker { return FirstDestinationPicker{} },
	"rotate": func() DestinationPicker { return NewRotatingDestinationPicker() },
}

// RegisterPicker adds (or replaces) a named picker in the compiled-in
// registry. Intended to be called from an init() function in a package
// that implements a site-specific DestinationPicker.
func RegisterPicker(name string, factory PickerFactory) {
	pickerRegistry[name] = factory
}

// NewPicker resolves a configured picker name to an instance. An unknown
// name is a configuration error, not a runtime fallback to the default.
func NewPicker(name string) (DestinationPicker, error) {
	if name == "" {
		name = "first"
	}
	factory, ok := pickerRegistry[name]
	if !ok {
		return nil, domain.NewConfigurationError(name, "unknown destination_picker", nil)
	}
	return factory(), nil
}
