package monitor

import "sync"

// Registry tracks the executors currently running. It exists so a process
// can verify that every executor it started was stopped and cleaned up;
// it is explicit and owned by the caller, never a package-level singleton.
type Registry struct {
	mu    sync.Mutex
	execs map[*Executor]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{execs: make(map[*Executor]struct{})}
}

// Register records e as live. Called by Executor.Start.
func (r *Registry) Register(e *Executor) {
	r.mu.Lock()
	r.execs[e] = struct{}{}
	r.mu.Unlock()
}

// Unregister removes e. Called by Executor.Stop after a successful join;
// unknown executors are a no-op.
func (r *Registry) Unregister(e *Executor) {
	r.mu.Lock()
	delete(r.execs, e)
	r.mu.Unlock()
}

// IsRegistered reports whether e is currently registered.
func (r *Registry) IsRegistered(e *Executor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.execs[e]
	return ok
}

// Len returns the number of registered executors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.execs)
}
