// Package functions is the Function Registry (C2, §4.8): a process-wide
// mapping from function-class name to constructor, consulted at
// deserialization time to rebuild an agent's capability set.
package functions

import (
	"context"
	"log/slog"
	"sync"
)

// Param describes one positional argument a function accepts.
type Param struct {
	Name     string
	Type     string // "string", "number", "boolean" — source-metadata derived
	Required bool
}

// Schema is a function class's callable signature, as reported to the LLM.
type Schema struct {
	Name        string
	Description string
	Parameters  []Param
}

// Function is one bound capability. Call receives positional arguments in
// Schema().Parameters order — the runtime trusts the schema and performs
// positional-argument calls per §4.8.
type Function interface {
	Schema() Schema
	Call(ctx context.Context, args []string) (stdout string, err error)
}

// Constructor builds a fresh Function instance, given the agent id it is
// being bound to (functions scoped to an agent's working directory need
// this; stateless ones ignore it).
type Constructor func(agentID string) Function

// Registry is the process-wide function-class → constructor mapping.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register binds name to ctor, overwriting any previous registration —
// tests and boot-time wiring both rely on this to install fakes/overrides.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// Get looks up name, reporting whether it was found.
func (r *Registry) Get(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[name]
	return ctor, ok
}

// MustGet panics if name is not registered — for boot-time wiring of
// function classes the runtime itself depends on, where a missing
// registration is a programmer error rather than a runtime condition.
func (r *Registry) MustGet(name string) Constructor {
	ctor, ok := r.Get(name)
	if !ok {
		panic("functions: no constructor registered for " + name)
	}
	return ctor
}

// RebuildCapabilities instantiates one Function per name for agentID,
// skipping (with a logged warning) any name absent from the registry —
// the deserialization-time capability rebuild from §4.8.
func (r *Registry) RebuildCapabilities(agentID string, names []string) []Function {
	out := make([]Function, 0, len(names))
	for _, name := range names {
		ctor, ok := r.Get(name)
		if !ok {
			slog.Warn("rebuildCapabilities: unknown function class, skipping",
				"agentId", agentID, "name", name)
			continue
		}
		out = append(out, ctor(agentID))
	}
	return out
}

// Names returns every registered function-class name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		out = append(out, name)
	}
	return out
}
