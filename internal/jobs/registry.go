package jobs

import (
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered is wrapped by Resolve when a function id has no callback.
var ErrNotRegistered = fmt.Errorf("function not registered")

// Registry maps function ids to callbacks. Jobs reference callbacks by id
// only, so persisted jobs survive restarts as long as the ids are stable.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Callback
}

func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Callback)}
}

// Register binds fn to id, replacing any previous binding.
func (r *Registry) Register(id string, fn Callback) error {
	if id == "" {
		return fmt.Errorf("register: empty function id")
	}
	if fn == nil {
		return fmt.Errorf("register %q: nil callback", id)
	}
	r.mu.Lock()
	r.fns[id] = fn
	r.mu.Unlock()
	return nil
}

func (r *Registry) Resolve(id string) (Callback, error) {
	r.mu.RLock()
	fn, ok := r.fns[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return fn, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.fns))
	for id := range r.fns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
