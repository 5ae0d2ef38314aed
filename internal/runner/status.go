package runner

import "sync/atomic"

// Phase is the observable stage of a session's turn.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePreflight  Phase = "preflight"
	PhaseCompacting Phase = "compacting"
	PhaseStreaming  Phase = "streaming"
	PhaseTools      Phase = "tool_execution"
)

// Status tracks the live phase of one session so state queries never touch
// the turn itself. The zero value reports PhaseIdle.
type Status struct {
	v atomic.Value
}

// Phase returns the current phase.
func (s *Status) Phase() Phase {
	if p, ok := s.v.Load().(Phase); ok {
		return p
	}
	return PhaseIdle
}

// Running reports whether a turn is in flight.
func (s *Status) Running() bool {
	return s.Phase() != PhaseIdle
}

func (s *Status) set(p Phase) {
	s.v.Store(p)
}
