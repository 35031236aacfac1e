package worker

import (
	"fmt"
	"slices"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Func)
)

// Register makes a job function available under name, in this process and in
// every job subprocess re-executed from the same binary. It must be called
// during initialisation (package-level var or init) so parent and child see
// the same registry. Registering a nil function or a duplicate name panics.
func Register(name string, fn Func) JobRef {
	registryMu.Lock()
	defer registryMu.Unlock()

	if name == "" {
		panic("worker: Register called with empty name")
	}
	if fn == nil {
		panic("worker: Register func is nil for " + name)
	}
	if _, dup := registry[name]; dup {
		panic("worker: Register called twice for " + name)
	}

	registry[name] = fn
	return JobRef{Name: name}
}

// Lookup returns the function registered under name.
func Lookup(name string) (Func, error) {
	registryMu.RLock()
	fn, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return fn, nil
}

// Names returns the registered job names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
