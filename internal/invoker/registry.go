package invoker

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Registry invokes in-process implementations registered by name. Targets
// are written "local:<name>"; a bare name is accepted too.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds name to fn, replacing any previous binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Names lists the registered implementations.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Invoke(ctx context.Context, inv Invocation) (interface{}, error) {
	name := strings.TrimPrefix(inv.Target, "local:")
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnavailableError{Target: inv.Target, Err: ErrUnknownTarget}
	}
	return fn(ctx, inv)
}
