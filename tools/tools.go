// Package tools provides the tool registry agents call through fenced tool
// blocks in their replies, plus the built-in tools.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is a capability an agent can invoke.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
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

// Describe lists the tools in a form suitable for a prompt.
func (r *Registry) Describe() string {
	var out string
	for _, name := range r.Names() {
		t, _ := r.Get(name)
		out += fmt.Sprintf("- %s: %s\n", name, t.Description())
	}
	return out
}

// Prompt tells a model which tools exist and how to call them. It is empty
// when no tools are registered.
func (r *Registry) Prompt() string {
	list := r.Describe()
	if list == "" {
		return ""
	}
	return "Available tools:\n" + list +
		"To call a tool, include a fenced block like this and wait for the result:\n" +
		"```tool\n{\"name\": \"<tool>\", \"args\": {...}}\n```\n"
}

// Execute runs a tool and always returns text. Unknown tools and tool
// failures come back as an inline error string with ok=false.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (out string, ok bool) {
	t, found := r.Get(name)
	if !found {
		return fmt.Sprintf("error: unknown tool %q", name), false
	}
	res, err := t.Execute(ctx, args)
	if err != nil {
		return fmt.Sprintf("error: %s: %v", name, err), false
	}
	return res, true
}

type contextKey int

const (
	keyOrgID contextKey = iota
	keyAgentID
)

// WithCaller returns a context carrying the calling agent's org and ID.
func WithCaller(ctx context.Context, orgID, agentID string) context.Context {
	ctx = context.WithValue(ctx, keyOrgID, orgID)
	return context.WithValue(ctx, keyAgentID, agentID)
}

// CallerFromContext returns the org and agent set by WithCaller.
func CallerFromContext(ctx context.Context) (orgID, agentID string) {
	orgID, _ = ctx.Value(keyOrgID).(string)
	agentID, _ = ctx.Value(keyAgentID).(string)
	return orgID, agentID
}
