package tools

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Registry is the single source of truth mapping tool names to
// definitions. Thread-safe.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

func (r *Registry) Register(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def.Name == "" {
		return errors.New("tools: tool name cannot be empty")
	}
	if def.Handler == nil {
		return errors.Errorf("tools: tool %s has no handler", def.Name)
	}
	if def.Parameters == nil {
		return errors.Errorf("tools: tool %s has no schema", def.Name)
	}
	if _, exists := r.defs[def.Name]; exists {
		return errors.Errorf("tools: tool %s already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// SetDefaultDeadline applies d to every registered tool that did not
// declare its own deadline.
func (r *Registry) SetDefaultDeadline(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, def := range r.defs {
		if def.Deadline <= 0 {
			def.Deadline = d
			r.defs[name] = def
		}
	}
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
