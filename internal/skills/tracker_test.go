package skills

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/storage"
)

// fakeStore records appended events in memory.
type fakeStore struct {
	mu     sync.Mutex
	events []*storage.Event
	seq    int64
}

func (f *fakeStore) Append(ctx context.Context, req storage.AppendRequest) (*storage.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	payload, err := storage.EncodePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	f.seq++
	ev := &storage.Event{
		ID:        fmt.Sprintf("evt-%04d", f.seq),
		SessionID: req.SessionID,
		Timestamp: time.Now().UTC(),
		Type:      req.Type,
		Sequence:  f.seq,
		Payload:   payload,
	}
	f.events = append(f.events, ev)
	return ev, nil
}

func skillEvent(t *testing.T, typ storage.EventType, name, source string, at time.Time) *storage.Event {
	t.Helper()
	blob, err := storage.EncodePayload(&storage.SkillPayload{SkillName: name, Source: source})
	require.NoError(t, err)
	return &storage.Event{ID: "ev-" + name, SessionID: "sess-1", Type: typ, Timestamp: at, Payload: blob}
}

func TestTrackerActivateDeactivate(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker("sess-1")

	ev, err := tr.Activate(context.Background(), store, "code-review", "builtin")
	require.NoError(t, err)
	assert.Equal(t, storage.EventSkillActivated, ev.Type)
	assert.True(t, tr.IsActive("code-review"))

	_, err = tr.Activate(context.Background(), store, "websearch", "")
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Len())

	_, err = tr.Deactivate(context.Background(), store, "code-review")
	require.NoError(t, err)
	assert.False(t, tr.IsActive("code-review"))
	assert.True(t, tr.IsActive("websearch"))

	active := tr.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "websearch", active[0].Name)
	assert.Len(t, store.events, 3)
}

func TestTrackerReplay(t *testing.T) {
	now := time.Now().UTC()
	events := []*storage.Event{
		skillEvent(t, storage.EventSkillActivated, "alpha", "builtin", now),
		skillEvent(t, storage.EventSkillActivated, "beta", "", now.Add(time.Second)),
		skillEvent(t, storage.EventSkillDeactivated, "alpha", "", now.Add(2*time.Second)),
	}

	tr := NewTracker("sess-1")
	require.NoError(t, tr.Replay(events))

	assert.False(t, tr.IsActive("alpha"))
	assert.True(t, tr.IsActive("beta"))
	assert.Equal(t, 1, tr.Len())
}

func TestTrackerReplayResets(t *testing.T) {
	tr := NewTracker("sess-1")
	store := &fakeStore{}
	_, err := tr.Activate(context.Background(), store, "stale", "")
	require.NoError(t, err)

	require.NoError(t, tr.Replay(nil))
	assert.Equal(t, 0, tr.Len(), "replay starts from an empty set")
}

func TestTrackerIgnoresOtherEvents(t *testing.T) {
	tr := NewTracker("sess-1")
	blob, err := storage.EncodePayload(&storage.MessageUserPayload{Content: "hi"})
	require.NoError(t, err)

	err = tr.Apply(&storage.Event{ID: "u-1", SessionID: "sess-1", Type: storage.EventMessageUser, Payload: blob})
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerActiveSorted(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker("sess-1")
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := tr.Activate(context.Background(), store, name, "")
		require.NoError(t, err)
	}

	active := tr.Active()
	require.Len(t, active, 3)
	assert.Equal(t, "alpha", active[0].Name)
	assert.Equal(t, "mid", active[1].Name)
	assert.Equal(t, "zeta", active[2].Name)
}
