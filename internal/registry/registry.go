// Package registry holds the in-memory set of targets the scheduler probes.
package registry

import (
	"sort"
	"sync"

	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

// Registry maps target ids to targets. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	targets map[int64]types.Target
}

// New creates a registry seeded with targets.
func New(targets ...types.Target) *Registry {
	r := &Registry{targets: make(map[int64]types.Target, len(targets))}
	for _, t := range targets {
		r.targets[t.ID] = t
	}
	return r
}

// Snapshot returns a copy of the current targets ordered by id.
func (r *Registry) Snapshot() []types.Target {
	r.mu.Lock()
	out := make([]types.Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upsert adds t or replaces the target with the same id.
func (r *Registry) Upsert(t types.Target) {
	r.mu.Lock()
	r.targets[t.ID] = t
	r.mu.Unlock()
}

// Remove deletes the target with the given id. It reports whether the
// target was present.
func (r *Registry) Remove(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.targets[id]
	delete(r.targets, id)
	return ok
}

// Apply folds a target event into the registry.
func (r *Registry) Apply(ev types.TargetEvent) {
	switch ev.Kind {
	case types.TargetAdded:
		r.Upsert(ev.Target)
	case types.TargetDeleted:
		r.Remove(ev.Target.ID)
	}
}

// Len returns the number of targets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets)
}

// Addresses returns the set of addresses currently registered.
func (r *Registry) Addresses() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{}, len(r.targets))
	for _, t := range r.targets {
		out[t.Address] = struct{}{}
	}
	return out
}
