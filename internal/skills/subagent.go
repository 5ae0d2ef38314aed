package skills

import (
	"context"
	"sort"
	"sync"
	"time"

	"loom/internal/storage"
)

// Subagent is one delegated task tracked within a session.
type Subagent struct {
	ID        string    `json:"id"`
	Task      string    `json:"task,omitempty"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

// Subagent statuses.
const (
	SubagentRunning   = "running"
	SubagentCompleted = "completed"
	SubagentFailed    = "failed"
)

// SubagentTracker projects subagent lifecycle from subagent.started /
// subagent.completed events. Completed records are retained so resumed
// sessions can report prior delegations.
type SubagentTracker struct {
	mu        sync.Mutex
	sessionID string
	agents    map[string]Subagent
}

// NewSubagentTracker creates an empty tracker for the session.
func NewSubagentTracker(sessionID string) *SubagentTracker {
	return &SubagentTracker{
		sessionID: sessionID,
		agents:    make(map[string]Subagent),
	}
}

// Apply folds one event into the projection.
func (t *SubagentTracker) Apply(ev *storage.Event) error {
	switch ev.Type {
	case storage.EventSubagentStarted, storage.EventSubagentCompleted:
	default:
		return nil
	}

	decoded, err := storage.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return err
	}
	p, ok := decoded.(*storage.SubagentPayload)
	if !ok || p.SubagentID == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.Type {
	case storage.EventSubagentStarted:
		t.agents[p.SubagentID] = Subagent{
			ID:        p.SubagentID,
			Task:      p.Task,
			Status:    SubagentRunning,
			StartedAt: ev.Timestamp,
		}
	case storage.EventSubagentCompleted:
		rec, seen := t.agents[p.SubagentID]
		if !seen {
			// completed without a tracked start still records the terminal state
			rec = Subagent{ID: p.SubagentID, Task: p.Task, StartedAt: ev.Timestamp}
		}
		rec.Status = p.Status
		if rec.Status == "" {
			rec.Status = SubagentCompleted
		}
		rec.EndedAt = ev.Timestamp
		t.agents[p.SubagentID] = rec
	}
	return nil
}

// Replay rebuilds the projection from an ordered event history.
func (t *SubagentTracker) Replay(events []*storage.Event) error {
	t.mu.Lock()
	t.agents = make(map[string]Subagent)
	t.mu.Unlock()

	for _, ev := range events {
		if err := t.Apply(ev); err != nil {
			return err
		}
	}
	return nil
}

// Start appends subagent.started and updates the projection.
func (t *SubagentTracker) Start(ctx context.Context, store EventAppender, id, task string) (*storage.Event, error) {
	ev, err := store.Append(ctx, storage.AppendRequest{
		SessionID: t.sessionID,
		Type:      storage.EventSubagentStarted,
		Payload:   storage.SubagentPayload{SubagentID: id, Task: task},
	})
	if err != nil {
		return nil, err
	}
	return ev, t.Apply(ev)
}

// Complete appends subagent.completed and updates the projection.
func (t *SubagentTracker) Complete(ctx context.Context, store EventAppender, id, status string) (*storage.Event, error) {
	if status == "" {
		status = SubagentCompleted
	}
	ev, err := store.Append(ctx, storage.AppendRequest{
		SessionID: t.sessionID,
		Type:      storage.EventSubagentCompleted,
		Payload:   storage.SubagentPayload{SubagentID: id, Status: status},
	})
	if err != nil {
		return nil, err
	}
	return ev, t.Apply(ev)
}

// Running returns subagents still in flight, ordered by start time.
func (t *SubagentTracker) Running() []Subagent {
	return t.filtered(func(s Subagent) bool { return s.Status == SubagentRunning })
}

// All returns every tracked subagent, ordered by start time.
func (t *SubagentTracker) All() []Subagent {
	return t.filtered(func(Subagent) bool { return true })
}

func (t *SubagentTracker) filtered(keep func(Subagent) bool) []Subagent {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Subagent, 0, len(t.agents))
	for _, s := range t.agents {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
