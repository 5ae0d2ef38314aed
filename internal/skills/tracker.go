// Package skills holds the per-session projections for skill activation
// and subagent lifecycle. Both trackers fold the session's event history
// into in-memory state: the event log stays the source of truth, the
// trackers are rebuilt on resume and updated as new events append.
package skills

import (
	"context"
	"sort"
	"sync"
	"time"

	"loom/internal/storage"
)

// EventAppender persists session events. *storage.DB satisfies it.
type EventAppender interface {
	Append(ctx context.Context, req storage.AppendRequest) (*storage.Event, error)
}

// Skill is one entry in a session's active skill set.
type Skill struct {
	Name        string    `json:"name"`
	Source      string    `json:"source,omitempty"`
	ActivatedAt time.Time `json:"activatedAt"`
}

// Tracker projects the active skill set of one session from
// skill.activated / skill.deactivated events.
type Tracker struct {
	mu        sync.Mutex
	sessionID string
	active    map[string]Skill
}

// NewTracker creates an empty tracker for the session.
func NewTracker(sessionID string) *Tracker {
	return &Tracker{
		sessionID: sessionID,
		active:    make(map[string]Skill),
	}
}

// Apply folds one event into the projection. Events of other types are
// ignored so callers can stream the full history through.
func (t *Tracker) Apply(ev *storage.Event) error {
	switch ev.Type {
	case storage.EventSkillActivated, storage.EventSkillDeactivated:
	default:
		return nil
	}

	decoded, err := storage.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return err
	}
	p, ok := decoded.(*storage.SkillPayload)
	if !ok || p.SkillName == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.Type == storage.EventSkillActivated {
		t.active[p.SkillName] = Skill{
			Name:        p.SkillName,
			Source:      p.Source,
			ActivatedAt: ev.Timestamp,
		}
	} else {
		delete(t.active, p.SkillName)
	}
	return nil
}

// Replay rebuilds the projection from an ordered event history.
func (t *Tracker) Replay(events []*storage.Event) error {
	t.mu.Lock()
	t.active = make(map[string]Skill)
	t.mu.Unlock()

	for _, ev := range events {
		if err := t.Apply(ev); err != nil {
			return err
		}
	}
	return nil
}

// Activate appends skill.activated and updates the projection.
// Re-activating an active skill refreshes its record.
func (t *Tracker) Activate(ctx context.Context, store EventAppender, name, source string) (*storage.Event, error) {
	ev, err := store.Append(ctx, storage.AppendRequest{
		SessionID: t.sessionID,
		Type:      storage.EventSkillActivated,
		Payload:   storage.SkillPayload{SkillName: name, Source: source},
	})
	if err != nil {
		return nil, err
	}
	return ev, t.Apply(ev)
}

// Deactivate appends skill.deactivated and updates the projection.
func (t *Tracker) Deactivate(ctx context.Context, store EventAppender, name string) (*storage.Event, error) {
	ev, err := store.Append(ctx, storage.AppendRequest{
		SessionID: t.sessionID,
		Type:      storage.EventSkillDeactivated,
		Payload:   storage.SkillPayload{SkillName: name},
	})
	if err != nil {
		return nil, err
	}
	return ev, t.Apply(ev)
}

// Active returns the active skills ordered by name.
func (t *Tracker) Active() []Skill {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Skill, 0, len(t.active))
	for _, s := range t.active {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsActive reports whether the named skill is active.
func (t *Tracker) IsActive(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[name]
	return ok
}

// Len returns the number of active skills.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
