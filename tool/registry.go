package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agentrelay/reasoning"
)

// Registry holds the closed set of tools available to one sub-agent. Lookups
// by unknown name fail fast, so a hallucinated tool call never executes.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry constructs an empty Registry, registering any given tools.
// Duplicate names panic; registering the same name twice at construction is
// a programming error, not a runtime condition.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a tool. The name must be unique within the registry.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool with the given name, or false if no such tool exists.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions exposes the registered tools as reasoning-service declarations,
// ordered by name for deterministic prompts.
func (r *Registry) Definitions() []reasoning.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]reasoning.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, reasoning.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
