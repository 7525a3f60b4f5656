package core

import (
	"context"
	"errors"
	"testing"

	"github.com/netresearch/jobbroker/core/domain"
)

func TestFirstDestinationPickerAlwaysPicksFirst(t *testing.T) {
	p := FirstDestinationPicker{}
	got, err := p.Pick(context.Background(), domain.Principal{}, "app", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "a" {
		t.Errorf("expected %q, got %q", "a", got)
	}
}

func TestFirstDestinationPickerNoCandidates(t *testing.T) {
	p := FirstDestinationPicker{}
	if _, err := p.Pick(context.Background(), domain.Principal{}, "app", nil); !errors.Is(err, domain.ErrNoDestinations) {
		t.Errorf("expected ErrNoDestinations, got %v", err)
	}
}

func TestRotatingDestinationPickerCycles(t *testing.T) {
	p := NewRotatingDestinationPicker()
	candidates := []string{"a", "b", "c"}

	want := []string{"a", "b", "c", "a", "b"}
	for i, w := range want {
		got, err := p.Pick(context.Background(), domain.Principal{}, "app", candidates)
		if err != nil {
			t.Fatalf("pick %d: unexpected error: %v", i, err)
		}
		if got != w {
			t.Errorf("pick %d: expected %q, got %q", i, w, got)
		}
	}
}

func TestRotatingDestinationPickerNoCandidates(t *testing.T) {
	p := NewRotatingDestinationPicker()
	if _, err := p.Pick(context.Background(), domain.Principal{}, "app", nil); !errors.Is(err, domain.ErrNoDestinations) {
		t.Errorf("expected ErrNoDestinations, got %v", err)
	}
}

func TestRotatingDestinationPickerConcurrentUseStaysInBounds(t *testing.T) {
	p := NewRotatingDestinationPicker()
	candidates := []string{"a", "b"}

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				if _, err := p.Pick(context.Background(), domain.Principal{}, "app", candidates); err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}

func TestNewPickerDefaultsToFirst(t *testing.T) {
	picker, err := NewPicker("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := picker.(FirstDestinationPicker); !ok {
		t.Errorf("expected FirstDestinationPicker, got %T", picker)
	}
}

func TestNewPickerRotate(t *testing.T) {
	picker, err := NewPicker("rotate")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := picker.(*RotatingDestinationPicker); !ok {
		t.Errorf("expected *RotatingDestinationPicker, got %T", picker)
	}
}

func TestNewPickerUnknownNameIsConfigurationError(t *testing.T) {
	_, err := NewPicker("nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown picker name")
	}
	var confErr *domain.ConfigurationError
	if !errors.As(err, &confErr) {
		t.Errorf("expected *domain.ConfigurationError, got %T", err)
	}
}

func TestRegisterPickerAddsCustomPicker(t *testing.T) {
	RegisterPicker("always-z", func() DestinationPicker {
		return stubPicker{name: "z"}
	})

	picker, err := NewPicker("always-z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := picker.Pick(context.Background(), domain.Principal{}, "app", []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "z" {
		t.Errorf("expected %q, got %q", "z", got)
	}
}

type stubPicker struct{ name string }

func (s stubPicker) Pick(_ context.Context, _ domain.Principal, _ string, _ []string) (string, error) {
	return s.name, nil
}
