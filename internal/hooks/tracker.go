package hooks

import (
	"context"
	"sync"
)

// Tracker counts in-flight background hooks so shutdown can wait for them.
type Tracker struct {
	mu      sync.Mutex
	pending int64
	idle    chan struct{} // closed while pending == 0
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{idle: idle}
}

// Add records one started background hook.
func (t *Tracker) Add() {
	t.mu.Lock()
	t.pending++
	if t.pending == 1 {
		t.idle = make(chan struct{})
	}
	t.mu.Unlock()
}

// Done records one finished background hook.
func (t *Tracker) Done() {
	t.mu.Lock()
	t.pending--
	if t.pending == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
}

// Pending returns the number of in-flight background hooks.
func (t *Tracker) Pending() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Wait blocks until no background hooks are in flight or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
