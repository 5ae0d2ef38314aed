package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc executes one method call. The returned value is marshaled
// into the response result; a returned error becomes the response error,
// with its code resolved by the dispatcher's mapper.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Call is one dispatched invocation.
type Call struct {
	// ConnectionID identifies the calling connection; idempotency keys
	// and client.identify records are scoped to it.
	ConnectionID string

	// Request is the raw request.
	Request *Request

	// Params is the request's parameter object, never nil.
	Params Params
}

// Method declares one RPC operation. Dispatch validates RequiredParams
// are present and RequiredManagers are wired before invoking Handler.
type Method struct {
	Name             string
	RequiredParams   []string
	RequiredManagers []string
	Handler          HandlerFunc
}

// Registry maps method names to declarations. Safe for concurrent use;
// in practice it is populated once at startup.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Method
}

// NewRegistry returns an empty method registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*Method)}
}

// Register adds one method declaration.
func (r *Registry) Register(m *Method) error {
	if m == nil || m.Name == "" {
		return fmt.Errorf("rpc: method needs a name")
	}
	if m.Handler == nil {
		return fmt.Errorf("rpc: method %s needs a handler", m.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[m.Name]; exists {
		return fmt.Errorf("rpc: method %s already registered", m.Name)
	}
	r.methods[m.Name] = m
	return nil
}

// MustRegister registers a method and panics on error. For startup wiring.
func (r *Registry) MustRegister(m *Method) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Get looks a method up by name.
func (r *Registry) Get(name string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered methods.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.methods)
}
