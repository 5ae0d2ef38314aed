package hooks

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds hook registrations grouped by type.
type Registry struct {
	mu   sync.RWMutex
	regs map[Type][]*Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{regs: make(map[Type][]*Registration)}
}

// Register adds a registration. Names are unique per type. Types in the
// forced-blocking set are registered blocking regardless of the requested
// mode; an unset mode defaults to blocking.
func (r *Registry) Register(reg *Registration) error {
	if reg == nil || reg.Name == "" {
		return fmt.Errorf("%w: registration name is required", ErrNotFound)
	}
	if !IsValidType(reg.Type) {
		return fmt.Errorf("%w: %s", ErrInvalidType, reg.Type)
	}
	if reg.Mode == "" || ForcedBlocking(reg.Type) {
		reg.Mode = ModeBlocking
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.regs[reg.Type] {
		if existing.Name == reg.Name {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateName, reg.Type, reg.Name)
		}
	}

	r.regs[reg.Type] = append(r.regs[reg.Type], reg)
	// Descending priority; stable so equal priorities keep registration order.
	sort.SliceStable(r.regs[reg.Type], func(i, j int) bool {
		return r.regs[reg.Type][i].Priority > r.regs[reg.Type][j].Priority
	})
	return nil
}

// Unregister removes a registration by type and name.
func (r *Registry) Unregister(t Type, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.regs[t]
	for i, reg := range regs {
		if reg.Name == name {
			r.regs[t] = append(regs[:i], regs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrNotFound, t, name)
}

// HandlersFor returns a copy of the registrations for t, sorted by descending
// priority.
func (r *Registry) HandlersFor(t Type) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.regs[t]
	if len(regs) == 0 {
		return nil
	}
	out := make([]*Registration, len(regs))
	copy(out, regs)
	return out
}

// HasHandlers reports whether any registration exists for t.
func (r *Registry) HasHandlers(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs[t]) > 0
}

// Count returns the total number of registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, regs := range r.regs {
		total += len(regs)
	}
	return total
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = make(map[Type][]*Registration)
}
