package scheduler

import (
	"sync"
	"sync/atomic"
)

// TurnLock guards a session's mutable run state. Turn execution and
// compaction confirmation take the lock exclusively; compaction previews
// share it with each other but are excluded while a turn or confirmation
// runs.
type TurnLock struct {
	mu      sync.RWMutex
	running atomic.Bool
}

// WithTurn runs fn holding the exclusive lock.
func (l *TurnLock) WithTurn(fn func() error) error {
	l.mu.Lock()
	l.running.Store(true)
	defer func() {
		l.running.Store(false)
		l.mu.Unlock()
	}()
	return fn()
}

// WithPreview runs fn holding the shared lock. Previews may overlap each
// other but never an exclusive section.
func (l *TurnLock) WithPreview(fn func() error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn()
}

// Busy reports whether an exclusive section is currently running.
func (l *TurnLock) Busy() bool {
	return l.running.Load()
}
