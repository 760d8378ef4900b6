package task

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps source names to consumers.
//
// It is an explicit instance injected into the scheduler and adapter, not a
// package-level singleton. Consumers are stateless from the registry's point
// of view; anything like pagination cursors belongs to the consumer itself.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Consumer
}

func NewRegistry() *Registry {
	return &Registry{sources: map[string]Consumer{}}
}

// Register adds a consumer. Registering a name twice is a caller bug and
// returns ErrDuplicateSource.
func (r *Registry) Register(c Consumer) error {
	if c == nil {
		return fmt.Errorf("register: nil consumer")
	}
	name := c.Name()
	if name == "" {
		return fmt.Errorf("register: consumer has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[name]; exists {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateSource)
	}
	r.sources[name] = c
	return nil
}

// Find returns the consumer for name, or nil. Absence is an expected outcome
// the caller must handle; it is never an error here.
func (r *Registry) Find(name string) Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[name]
}

// Unregister removes a consumer and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[name]; !ok {
		return false
	}
	delete(r.sources, name)
	return true
}

// Names returns the registered source names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for name := range r.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns a snapshot of the registered consumers.
func (r *Registry) All() []Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Consumer, 0, len(r.sources))
	for _, c := range r.sources {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}
