package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"loom/internal/provider"
)

// Tool is a capability the model can invoke during a turn. Implementations
// may additionally satisfy two optional interfaces the pipeline checks by
// assertion:
//
//	interface{ Independent() bool }     // safe to run concurrently with neighbours
//	interface{ Timeout() time.Duration } // per-tool override of the default call timeout
type Tool interface {
	// Name returns the unique identifier the model calls the tool by.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Parameters returns the JSON Schema of the tool's arguments.
	Parameters() map[string]any

	// Execute runs the tool. ctx carries the call timeout and the turn's
	// cancellation; a tool that ignores ctx runs to completion and its
	// result is still recorded.
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	// Content is the output delivered back to the model.
	Content string `json:"content"`

	// IsError flags a domain-level failure the model should see.
	IsError bool `json:"isError"`

	// StopTurn hints the pipeline to end the turn after recording the
	// result instead of calling the provider again.
	StopTurn bool `json:"stopTurn,omitempty"`

	// Metadata carries extra execution detail for observers; it is not
	// shown to the model.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SuccessResult builds a plain successful result.
func SuccessResult(content string) ToolResult {
	return ToolResult{Content: content}
}

// ErrorResult builds an error result the model should react to.
func ErrorResult(msg string) ToolResult {
	return ToolResult{Content: msg, IsError: true}
}

// ToolRegistry holds the tools exposed to the model. Safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool under its name.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("%w: nil tool", ErrInvalidTool)
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrToolExists, name)
	}
	r.tools[name] = tool
	return nil
}

// MustRegister registers a tool and panics on error. For wiring built-ins
// at startup.
func (r *ToolRegistry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	delete(r.tools, name)
	return nil
}

// Get retrieves a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
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
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Specs renders the registry as provider tool declarations, sorted by name
// so provider requests are deterministic.
func (r *ToolRegistry) Specs() []provider.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]provider.ToolSpec, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		schema, err := json.Marshal(tool.Parameters())
		if err != nil {
			schema = json.RawMessage(`{}`)
		}
		specs = append(specs, provider.ToolSpec{
			Name:        name,
			Description: tool.Description(),
			InputSchema: schema,
		})
	}
	return specs
}

// FuncTool adapts a function to the Tool interface. Useful for built-ins
// and tests.
type FuncTool struct {
	name        string
	description string
	params      map[string]any
	independent bool
	timeout     time.Duration
	fn          func(ctx context.Context, args map[string]any) (ToolResult, error)
}

// NewFuncTool wraps fn as a tool.
func NewFuncTool(name, description string, params map[string]any, fn func(ctx context.Context, args map[string]any) (ToolResult, error)) *FuncTool {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return &FuncTool{name: name, description: description, params: params, fn: fn}
}

// AsIndependent marks the tool safe for concurrent execution.
func (t *FuncTool) AsIndependent() *FuncTool {
	t.independent = true
	return t
}

// WithTimeout overrides the default per-call timeout.
func (t *FuncTool) WithTimeout(d time.Duration) *FuncTool {
	t.timeout = d
	return t
}

// Name implements Tool.
func (t *FuncTool) Name() string { return t.name }

// Description implements Tool.
func (t *FuncTool) Description() string { return t.description }

// Parameters implements Tool.
func (t *FuncTool) Parameters() map[string]any { return t.params }

// Execute implements Tool.
func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	return t.fn(ctx, args)
}

// Independent reports whether the tool may run concurrently.
func (t *FuncTool) Independent() bool { return t.independent }

// Timeout returns the per-tool timeout override; zero means default.
func (t *FuncTool) Timeout() time.Duration { return t.timeout }
