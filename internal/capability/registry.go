// Package capability implements the relationship registry: the process-wide
// table through which one extension discovers and reuses capabilities
// published by another, without either referencing the other at build time.
package capability

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnavailable is returned when a queried capability is absent or its
// provider is no longer enabled. Consumers must degrade, not crash.
var ErrUnavailable = errors.New("capability unavailable")

// Registration is one provider's advertised capability. The descriptor
// fields are opaque to the host.
type Registration struct {
	Provider    string `json:"provider"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Component   string `json:"component,omitempty"`
	Handler     string `json:"handler,omitempty"`
	Description string `json:"description,omitempty"`
}

type key struct {
	capType string
	name    string
}

// Registry holds live capability registrations. Entries exist only while
// the provider extension is enabled; queries never see a disabled
// provider's registrations.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[key]Registration)}
}

// Register adds a provider's capability. A (type, name) pair may have at
// most one live provider.
func (r *Registry) Register(reg Registration) error {
	if reg.Type == "" || reg.Name == "" {
		return fmt.Errorf("capability type and name are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{capType: reg.Type, name: reg.Name}
	if existing, ok := r.entries[k]; ok && existing.Provider != reg.Provider {
		return fmt.Errorf("capability (%s, %s) already provided by %q", reg.Type, reg.Name, existing.Provider)
	}
	r.entries[k] = reg
	return nil
}

// RemoveProvider withdraws every registration owned by the given provider.
// Called when the provider is disabled or fails to finish enabling.
func (r *Registry) RemoveProvider(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, reg := range r.entries {
		if reg.Provider == provider {
			delete(r.entries, k)
		}
	}
}

// Query returns the live registrations for a capability type. The result
// must not be cached past the provider's lifecycle; consumers re-query on
// navigation or context change.
func (r *Registry) Query(capType string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Registration
	for k, reg := range r.entries {
		if k.capType == capType {
			out = append(out, reg)
		}
	}
	return out
}

// Resolve returns the registration for an exact (type, name) pair, or
// ErrUnavailable when no enabled provider offers it.
func (r *Registry) Resolve(capType, name string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[key{capType: capType, name: name}]
	if !ok {
		return Registration{}, fmt.Errorf("no enabled provider for (%s, %s): %w", capType, name, ErrUnavailable)
	}
	return reg, nil
}

// Snapshot returns every live registration, for the management API.
func (r *Registry) Snapshot() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg)
	}
	return out
}
