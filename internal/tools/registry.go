package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/adytum-sh/adytum/internal/providers"
)

// Tool is the contract every agent tool implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// ApprovalRequirer marks a tool whose calls must be confirmed by the user
// before execution. The agent loop gates these; the registry never blocks.
type ApprovalRequirer interface {
	RequiresApproval() bool
}

// Registry holds the live tool set for the gateway. Skills and MCP servers
// register and unregister tools at runtime, so all access is locked.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its name.
func (r *Registry) Register(t Tool) {
	if t == nil || t.Name() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Unregister removes a tool by name. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(name)
}

// UnregisterMany removes a batch of tools, typically everything a skill or
// MCP server contributed before it reloads.
func (r *Registry) UnregisterMany(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.removeLocked(name)
	}
}

func (r *Registry) removeLocked(name string) {
	if _, exists := r.tools[name]; !exists {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// GetAll returns the registered tools in registration order.
func (r *Registry) GetAll() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// RequiresApproval reports whether the named tool demands user confirmation.
// Unknown tools never require approval; they fail at execute instead.
func (r *Registry) RequiresApproval(name string) bool {
	t, ok := r.Get(name)
	if !ok {
		return false
	}
	if ar, ok := t.(ApprovalRequirer); ok {
		return ar.RequiresApproval()
	}
	return false
}

// ToWireSchema renders every registered tool as a function definition for
// the chat request.
func (r *Registry) ToWireSchema() []providers.ToolDefinition {
	all := r.GetAll()
	defs := make([]providers.ToolDefinition, 0, len(all))
	for _, t := range all {
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs one tool call and always returns a Result, never panics.
// Unknown tools and argument validation failures come back as error results
// so the model can read them and correct itself.
func (r *Registry) Execute(ctx context.Context, call providers.ToolCall) (res *Result) {
	t, ok := r.Get(call.Name)
	if !ok {
		return ErrorResult(fmt.Sprintf("Unknown tool: %s", call.Name))
	}

	if err := ValidateArgs(t.Parameters(), call.Arguments); err != nil {
		return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool.panic", "tool", call.Name, "panic", rec)
			res = ErrorResult(fmt.Sprintf("tool %s crashed: %v", call.Name, rec))
		}
	}()

	res = t.Execute(ctx, call.Arguments)
	if res == nil {
		res = ErrorResult(fmt.Sprintf("tool %s returned no result", call.Name))
	}
	return res
}
