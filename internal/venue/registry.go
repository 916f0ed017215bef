package venue

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps venue ids to their executors.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor for a venue. Panics on a duplicate id to
// surface misconfiguration early.
func (r *Registry) Register(venueID string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[venueID]; exists {
		panic(fmt.Sprintf("venue registry: duplicate venue %q", venueID))
	}
	r.executors[venueID] = e
}

// Get returns the executor for a venue.
func (r *Registry) Get(venueID string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[venueID]
	if !ok {
		return nil, fmt.Errorf("no executor registered for venue %q", venueID)
	}
	return e, nil
}

// Has reports whether an executor is registered for a venue.
func (r *Registry) Has(venueID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[venueID]
	return ok
}

// IDs returns all registered venue ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
