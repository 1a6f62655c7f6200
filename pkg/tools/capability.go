// Package tools runs the tools attached to the active guidelines and
// journey steps of a turn.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/Vusisean11/valiant/pkg/repository"
)

// Call is one tool invocation.
type Call struct {
	AgentID   string
	SessionID string
	TurnID    string
	ToolID    string
	// Arguments holds the resolved declared arguments.
	Arguments map[string]any
	// Inputs holds upstream outputs by name for the tool's declared inputs.
	Inputs map[string]any
}

// Result is what a capability returns. A non-nil Directive is folded into
// session state by the turn loop.
type Result struct {
	Payload   any
	Outputs   map[string]any
	Directive *repository.Directive
}

// Capability executes a tool.
type Capability interface {
	Invoke(ctx context.Context, call Call) (Result, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, call Call) (Result, error)

// Invoke calls f.
func (f CapabilityFunc) Invoke(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}

// Registry maps tool ids to capabilities.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register binds id to c, replacing any previous binding.
func (r *Registry) Register(id string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[id] = c
}

// Get returns the capability bound to id.
func (r *Registry) Get(id string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[id]
	return c, ok
}

// IDs returns the registered tool ids sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.caps))
	for id := range r.caps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
