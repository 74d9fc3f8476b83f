package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Entry is the code of a plugin. It runs once per start with the
// plugin's environment and returns the value exported to dependents.
type Entry func(ctx context.Context, env *Env) (exports any, err error)

// Registry maps entry names to plugin code compiled into the worker.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds entry under name.
func (r *Registry) Register(name string, entry Entry) error {
	if name == "" || entry == nil {
		return fmt.Errorf("invalid registration of entry %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("entry %q already registered", name)
	}
	r.entries[name] = entry
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, entry Entry) {
	if err := r.Register(name, entry); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns the registered entry names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
