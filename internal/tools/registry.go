package tools

import (
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/clawcast/internal/config"
)

// Registry holds the composed tool list for one instance.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces it.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tools: empty name")
	}
	if t.Invoke == nil {
		return fmt.Errorf("tools: %s has no invoke", t.Name)
	}
	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Filter applies the instance's allow/deny glob patterns. Deny wins over
// allow; an empty allow list allows everything.
func (r *Registry) Filter(cfg config.ToolsConfig) []Tool {
	var out []Tool
	for _, t := range r.List() {
		if matchAny(cfg.Disallowed, t.Name) {
			continue
		}
		if len(cfg.Allowed) > 0 && !matchAny(cfg.Allowed, t.Name) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
		if p == name {
			return true
		}
	}
	return false
}
