package simprep

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps step names to executors. Safe for concurrent use.
type Registry struct {
	mutex     sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

// Register adds an executor under its own name. Registering the same
// name twice is an error to catch accidental overwrites at wiring time.
func (r *Registry) Register(executor Executor) error {
	if executor == nil {
		return fmt.Errorf("executor is nil")
	}
	name := executor.Name()
	if name == "" {
		return fmt.Errorf("executor has no name")
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.executors[name]; exists {
		return fmt.Errorf("executor already registered: %q", name)
	}
	r.executors[name] = executor
	return nil
}

// Resolve returns the executor for a step name.
func (r *Registry) Resolve(name string) (Executor, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	executor, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregisteredStep, name)
	}
	return executor, nil
}

// Names returns the registered step names in sorted order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
