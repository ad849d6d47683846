package mcptools

import (
	"sync"

	"github.com/mudler/xlog"
)

// ToolDescriptor identifies one tool in the federation. Tool names are unique
// across all connected servers; collisions resolve to first-registered.
type ToolDescriptor struct {
	Name        string `json:"name"`
	ServerName  string `json:"server_name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

// Registry aggregates tool descriptors from every connected server and
// resolves tool name to owning server.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]ToolDescriptor
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]ToolDescriptor{}}
}

// ListAll returns all descriptors in registration order.
func (r *Registry) ListAll() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Lookup resolves a tool name to its descriptor.
func (r *Registry) Lookup(toolName string) (ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[toolName]
	return d, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) install(descriptors []ToolDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range descriptors {
		if existing, ok := r.tools[d.Name]; ok {
			xlog.Warn("tool name collision, keeping first registration",
				"tool_name", d.Name, "server_name", existing.ServerName, "ignored_server", d.ServerName)
			continue
		}
		r.tools[d.Name] = d
		r.order = append(r.order, d.Name)
	}
}

// removeServer drops every tool owned by serverName. Used on shutdown.
func (r *Registry) removeServer(serverName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	for _, name := range r.order {
		if r.tools[name].ServerName == serverName {
			delete(r.tools, name)
			continue
		}
		kept = append(kept, name)
	}
	r.order = kept
}
