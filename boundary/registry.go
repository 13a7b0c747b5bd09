package boundary

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/streamkit/errors"
)

// Registry tracks every known boundary by id. Registration order is
// recorded so priority ties admit first-registered, first-served.
type Registry struct {
	mu         sync.RWMutex
	boundaries map[string]*Boundary
	seq        uint64
}

// NewRegistry creates an empty boundary registry.
func NewRegistry() *Registry {
	return &Registry{
		boundaries: make(map[string]*Boundary),
	}
}

// Register creates a boundary from the descriptor. A duplicate id is
// rejected unless replace is set, in which case the previous boundary is
// discarded. There is no silent merge. An empty descriptor id is assigned
// a generated one.
func (r *Registry) Register(desc Descriptor, replace bool) (*Boundary, error) {
	if desc.ID == "" {
		desc.ID = uuid.NewString()
	}
	if !desc.Priority.Valid() {
		return nil, errors.Invalid(desc.ID, errors.ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.boundaries[desc.ID]; exists && !replace {
		return nil, errors.Invalid(desc.ID, errors.ErrDuplicateBoundary)
	}

	r.seq++
	b := &Boundary{
		ID:           desc.ID,
		Priority:     desc.Priority,
		Defer:        desc.Defer,
		Timeout:      desc.Timeout,
		SSR:          desc.SSR,
		Seq:          r.seq,
		State:        StateIdle,
		RegisteredAt: time.Now(),
	}
	r.boundaries[desc.ID] = b
	return b, nil
}

// Unregister removes a boundary from the registry.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.boundaries[id]; !exists {
		return errors.Invalid(id, errors.ErrBoundaryNotFound)
	}
	delete(r.boundaries, id)
	return nil
}

// Get returns the boundary with the given id.
func (r *Registry) Get(id string) (*Boundary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.boundaries[id]
	return b, ok
}

// List returns all boundaries ordered by (priority ordinal, registration
// order).
func (r *Registry) List() []*Boundary {
	r.mu.RLock()
	out := make([]*Boundary, 0, len(r.boundaries))
	for _, b := range r.boundaries {
		out = append(out, b)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Len returns the number of registered boundaries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.boundaries)
}

// Sweep removes boundaries that have settled in a terminal state and
// returns how many were collected. Callers decide when retention is no
// longer needed, typically after hydration snapshots were taken.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, b := range r.boundaries {
		if b.State.Terminal() {
			delete(r.boundaries, id)
			n++
		}
	}
	return n
}
