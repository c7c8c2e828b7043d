// Package registry maps algorithm names to factories, one Registry per
// algorithm family.
//
// A Registry is populated during startup and then frozen. Lookups are safe
// for concurrent use at any time; registration after Freeze is rejected.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound matches lookups of names that were never registered.
	ErrNotFound = errors.New("registry: not found")
	// ErrNotImplemented is returned when a name is registered without a
	// usable constructor.
	ErrNotImplemented = errors.New("registry: not implemented")
	// ErrFrozen is returned by Register once the registry is frozen.
	ErrFrozen = errors.New("registry: frozen")
)

// NotFoundError reports the family and name of a failed lookup.
type NotFoundError struct {
	Family string
	Name   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown %s: %q", e.Family, e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Registry holds the name -> factory mapping for one family.
type Registry[F any] struct {
	family  string
	mu      sync.RWMutex
	entries map[string]F
	frozen  bool
}

// New returns an empty registry for family.
func New[F any](family string) *Registry[F] {
	return &Registry[F]{
		family:  family,
		entries: make(map[string]F),
	}
}

// Family returns the family name used in error messages.
func (r *Registry[F]) Family() string { return r.family }

// Register inserts or overwrites the factory for name.
func (r *Registry[F]) Register(name string, factory F) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %s %q: %w", r.family, name, ErrFrozen)
	}
	r.entries[name] = factory
	return nil
}

// Lookup returns the factory registered under name.
func (r *Registry[F]) Lookup(name string) (F, error) {
	r.mu.RLock()
	f, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		var zero F
		return zero, &NotFoundError{Family: r.family, Name: name}
	}
	return f, nil
}

// Has reports whether name is registered.
func (r *Registry[F]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry[F]) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Freeze ends the registration phase.
func (r *Registry[F]) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry[F]) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
