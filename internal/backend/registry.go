package backend

import (
	"fmt"
	"sync"
)

// Registry is an ordered set of backends. Order is fallback order.
type Registry struct {
	mu       sync.RWMutex
	backends []Backend
	byID     map[string]Backend
}

// NewRegistry creates a registry holding bs. Duplicate ids are an error.
func NewRegistry(bs ...Backend) (*Registry, error) {
	r := &Registry{byID: make(map[string]Backend, len(bs))}
	for _, b := range bs {
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends b.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[b.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, b.ID())
	}
	r.backends = append(r.backends, b)
	r.byID[b.ID()] = b
	return nil
}

// Get returns the backend with id.
func (r *Registry) Get(id string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[id]
	return b, ok
}

// All returns every backend in registration order.
func (r *Registry) All() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// IDs returns backend ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.backends))
	for i, b := range r.backends {
		ids[i] = b.ID()
	}
	return ids
}

// Len returns the number of backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// Resolve returns the backends named by ids, in that order, followed by the
// remaining registered backends when fallback is set. Unknown ids are skipped
// and keep is applied to every candidate when non-nil.
func (r *Registry) Resolve(ids []string, fallback bool, keep func(id string) bool) []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.backends))
	out := make([]Backend, 0, len(r.backends))
	add := func(b Backend) {
		if seen[b.ID()] || (keep != nil && !keep(b.ID())) {
			return
		}
		seen[b.ID()] = true
		out = append(out, b)
	}

	for _, id := range ids {
		if b, ok := r.byID[id]; ok {
			add(b)
		}
	}
	if fallback {
		for _, b := range r.backends {
			add(b)
		}
	}
	return out
}
