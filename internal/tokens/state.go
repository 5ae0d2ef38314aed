package tokens

import (
	"sync"
	"time"
)

// Window is the current context-window occupancy for a session.
type Window struct {
	CurrentSize     int     `json:"currentSize"`
	MaxSize         int     `json:"maxSize"`
	PercentUsed     float64 `json:"percentUsed"`
	TokensRemaining int     `json:"tokensRemaining"`
}

// State tracks one session's token accounting across turns. All methods are
// safe for concurrent use; the session's turn lock serializes writers in
// practice but reads arrive from RPC handlers on other goroutines.
type State struct {
	mu sync.Mutex

	sessionID string
	provider  string
	maxTokens int

	turn     int
	baseline int
	history  []Record

	totalInput  int
	totalOutput int
}

// NewState returns an empty state for a session. maxTokens is the model's
// context-window capacity.
func NewState(sessionID string, maxTokens int) *State {
	return &State{sessionID: sessionID, maxTokens: maxTokens}
}

// Observe normalizes one turn's raw usage and folds it into the state. The
// returned record is frozen; later turns never mutate it.
func (s *State) Observe(source Source) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if source.Provider != "" && source.Provider != s.provider {
		// Token semantics are not comparable across providers; the next
		// turn establishes a fresh baseline.
		if s.provider != "" {
			s.baseline = 0
		}
		s.provider = source.Provider
	}

	s.turn++
	record := Normalize(source, s.baseline, Meta{
		Turn:        s.turn,
		SessionID:   s.sessionID,
		ExtractedAt: source.Timestamp,
	})

	s.baseline = record.Computed.ContextWindowTokens
	s.history = append(s.history, record)
	s.totalInput += record.Computed.NewInputTokens
	s.totalOutput += source.RawOutputTokens
	return record
}

// SetProvider records a provider switch made between turns. The baseline
// resets so the next turn is treated as a fresh window.
func (s *State) SetProvider(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if provider != s.provider {
		s.provider = provider
		s.baseline = 0
	}
}

// SetMaxTokens adjusts the window capacity after a model switch. History and
// baseline are untouched; only the derived window changes.
func (s *State) SetMaxTokens(maxTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxTokens = maxTokens
}

// ResetBaseline forces the next turn to count its whole window as new input.
// Called after compaction and context clears.
func (s *State) ResetBaseline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseline = 0
}

// Baseline returns the current context baseline.
func (s *State) Baseline() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline
}

// Window derives the current occupancy. PercentUsed caps at 100 and
// TokensRemaining floors at 0 even when the window overflows capacity.
func (s *State) Window() Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return computeWindow(s.baseline, s.maxTokens)
}

// Totals returns accumulated new-input and output tokens for the session.
// Totals only grow; compaction shrinks the window, never the spend.
func (s *State) Totals() (input, output int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalInput, s.totalOutput
}

// History returns a copy of all normalized records in turn order.
func (s *State) History() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.history))
	copy(out, s.history)
	return out
}

// LastRecord returns the most recent record, if any.
func (s *State) LastRecord() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return Record{}, false
	}
	return s.history[len(s.history)-1], true
}

// Turn returns the number of observed turns.
func (s *State) Turn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

func computeWindow(current, max int) Window {
	w := Window{CurrentSize: current, MaxSize: max}
	if max <= 0 {
		return w
	}
	w.PercentUsed = float64(current) / float64(max) * 100
	if w.PercentUsed > 100 {
		w.PercentUsed = 100
	}
	w.TokensRemaining = max - current
	if w.TokensRemaining < 0 {
		w.TokensRemaining = 0
	}
	return w
}

// ObservedAt is a convenience for building Sources in handlers.
func ObservedAt(provider string, input, output, cacheRead, cacheCreate int, at time.Time) Source {
	return Source{
		Provider:             provider,
		RawInputTokens:       input,
		RawOutputTokens:      output,
		RawCacheReadTokens:   cacheRead,
		RawCacheCreateTokens: cacheCreate,
		Timestamp:            at,
	}
}
