package sched

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a scheduler backend.
type Factory func() Scheduler

type factoryEntry struct {
	name    string
	factory Factory
}

var (
	registryMu sync.RWMutex
	backends   []factoryEntry
)

// Register associates the factory with a backend name. When multiple
// factories register the same name the most recent registration wins.
func Register(name string, factory Factory) {
	if name == "" {
		panic("sched.Register: name must not be empty")
	}
	if factory == nil {
		panic("sched.Register: factory must not be nil")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	for i, entry := range backends {
		if entry.name == name {
			backends[i].factory = factory
			return
		}
	}
	backends = append(backends, factoryEntry{name: name, factory: factory})
}

// Registry maps backend names to constructed schedulers.
type Registry map[string]Scheduler

// NewRegistry constructs every registered backend.
func NewRegistry() Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()

	reg := make(Registry, len(backends))
	for _, entry := range backends {
		reg[entry.name] = entry.factory()
	}
	return reg
}

// Lookup returns the named backend.
func (r Registry) Lookup(name string) (Scheduler, error) {
	s, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unknown scheduler backend %q (known: %v)", name, r.Names())
	}
	return s, nil
}

// Names returns the registered backend names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
