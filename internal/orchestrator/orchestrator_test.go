package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/provider"
	"loom/internal/runner"
	"loom/internal/storage"
)

// recordingPub captures published RPC events in order.
type recordingPub struct {
	mu     sync.Mutex
	events []pubEvent
}

type pubEvent struct {
	session string
	typ     string
	data    any
}

func (p *recordingPub) Publish(sessionID, eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pubEvent{session: sessionID, typ: eventType, data: data})
}

func (p *recordingPub) byType(typ string) []pubEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pubEvent
	for _, ev := range p.events {
		if ev.typ == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	db   *storage.DB
	pub  *recordingPub
	prov *provider.Scripted
	alt  *provider.Scripted
	orc  *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pub := &recordingPub{}
	prov := provider.NewScripted("anthropic", provider.ModelInfo{ID: "sonnet", ContextWindow: 200000})
	alt := provider.NewScripted("openai", provider.ModelInfo{ID: "gpt", ContextWindow: 128000})

	registry := provider.NewRegistry()
	registry.Register(prov)
	registry.Register(alt)

	run := runner.New(db, runner.Config{RetryDelay: 10 * time.Millisecond}, runner.WithPublisher(pub))
	orc := New(db, registry, run, Config{
		DefaultModel: "sonnet",
		IdleTimeout:  time.Minute,
	}, WithPublisher(pub))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orc.Shutdown(ctx)
	})

	return &fixture{db: db, pub: pub, prov: prov, alt: alt, orc: orc}
}

// waitSettled blocks until the session row reflects wantMessages user and
// assistant events. The message-count refresh is the last step of a turn,
// so reaching it means the whole turn has settled.
func (f *fixture) waitSettled(t *testing.T, sessionID string, wantMessages int) {
	t.Helper()
	require.Eventually(t, func() bool {
		row, err := f.db.GetSession(context.Background(), sessionID)
		if err != nil {
			return false
		}
		st, err := f.orc.GetState(context.Background(), sessionID)
		if err != nil {
			return false
		}
		return row.MessageCount >= wantMessages && !st.IsRunning && f.orc.queue.Pending(sessionID) == 0
	}, 5*time.Second, 10*time.Millisecond, "turn did not settle")
}

func TestCreateSessionDefaults(t *testing.T) {
	f := newFixture(t)

	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{Title: "first"})
	require.NoError(t, err)

	assert.Equal(t, "sonnet", sess.Model)
	assert.Equal(t, "first", sess.Title)
	assert.Equal(t, 1, f.orc.ActiveCount())

	events, err := f.db.GetEventsBySession(context.Background(), sess.ID, storage.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, storage.EventSessionStart, events[0].Type)

	created := f.pub.byType(EventSessionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, sess.ID, created[0].session)
}

func TestCreateSessionUnknownModel(t *testing.T) {
	f := newFixture(t)

	_, err := f.orc.CreateSession(context.Background(), CreateOptions{Model: "no-such-model"})
	require.ErrorIs(t, err, provider.ErrModelNotFound)
}

func TestPromptRunsTurn(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)

	f.prov.Enqueue(provider.TextScript(provider.Usage{InputTokens: 10, OutputTokens: 5}, "hello")...)

	ack, err := f.orc.Prompt(context.Background(), sess.ID, "hi", PromptOptions{})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	f.waitSettled(t, sess.ID, 2)

	snap, err := f.orc.ContextSnapshot(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.MessageCount, "user plus assistant")
	assert.Equal(t, 10, snap.CurrentTokens, "normalized window from usage")

	row, err := f.db.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, row.TotalInputTokens)
	assert.Equal(t, 5, row.TotalOutputTokens)
	assert.Equal(t, 2, row.MessageCount)
}

func TestPromptQueuedInOrder(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)

	f.prov.Enqueue(provider.TextScript(provider.Usage{InputTokens: 10, OutputTokens: 2}, "one")...)
	f.prov.Enqueue(provider.TextScript(provider.Usage{InputTokens: 20, OutputTokens: 2}, "two")...)

	_, err = f.orc.Prompt(context.Background(), sess.ID, "first", PromptOptions{})
	require.NoError(t, err)
	_, err = f.orc.Prompt(context.Background(), sess.ID, "second", PromptOptions{})
	require.NoError(t, err)

	f.waitSettled(t, sess.ID, 4)

	users, err := f.db.GetEventsBySession(context.Background(), sess.ID,
		storage.EventQuery{Types: []storage.EventType{storage.EventMessageUser}})
	require.NoError(t, err)
	require.Len(t, users, 2)

	first, err := storage.DecodePayload(users[0].Type, users[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "first", first.(*storage.MessageUserPayload).Content)
	second, err := storage.DecodePayload(users[1].Type, users[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, "second", second.(*storage.MessageUserPayload).Content)

	starts, err := f.db.GetEventsBySession(context.Background(), sess.ID,
		storage.EventQuery{Types: []storage.EventType{storage.EventStreamTurnStart}})
	require.NoError(t, err)
	require.Len(t, starts, 2)
	p1, err := storage.DecodePayload(starts[0].Type, starts[0].Payload)
	require.NoError(t, err)
	p2, err := storage.DecodePayload(starts[1].Type, starts[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, p1.(*storage.TurnMarkerPayload).Turn)
	assert.Equal(t, 2, p2.(*storage.TurnMarkerPayload).Turn)
}

func TestResumeRebuildsState(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)

	f.prov.Enqueue(provider.TextScript(provider.Usage{InputTokens: 42, OutputTokens: 7}, "remembered")...)
	_, err = f.orc.Prompt(context.Background(), sess.ID, "note this", PromptOptions{})
	require.NoError(t, err)
	f.waitSettled(t, sess.ID, 2)

	// Drop the in-memory state; the next operation must replay the log.
	f.orc.evict(sess.ID, keepTurn)
	assert.Equal(t, 0, f.orc.ActiveCount())

	snap, err := f.orc.ContextSnapshot(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.MessageCount)
	assert.Equal(t, 42, snap.CurrentTokens, "window primed from recorded usage")
	assert.Equal(t, 1, f.orc.ActiveCount())

	as := f.orc.lookup(sess.ID)
	require.NotNil(t, as)
	assert.Equal(t, 42, as.Tokens.Baseline(), "baseline survives resume")
	assert.Equal(t, 1, as.turnSeq, "turn ordinal continues after resume")
}

func TestForkFrozenAtForkPoint(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{Title: "origin"})
	require.NoError(t, err)

	f.prov.Enqueue(provider.TextScript(provider.Usage{InputTokens: 10, OutputTokens: 5}, "turn one")...)
	_, err = f.orc.Prompt(context.Background(), sess.ID, "start", PromptOptions{})
	require.NoError(t, err)
	f.waitSettled(t, sess.ID, 2)

	asst, err := f.db.GetEventsBySession(context.Background(), sess.ID,
		storage.EventQuery{Types: []storage.EventType{storage.EventMessageAssistant}})
	require.NoError(t, err)
	require.Len(t, asst, 1)

	fork, err := f.orc.Fork(context.Background(), asst[0].ID, "branch")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, fork.ParentSessionID)

	forkSnap, err := f.orc.ContextSnapshot(context.Background(), fork.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, forkSnap.MessageCount, "fork sees origin history up to the fork point")

	// Later origin appends stay invisible to the fork.
	f.prov.Enqueue(provider.TextScript(provider.Usage{InputTokens: 30, OutputTokens: 5}, "turn two")...)
	_, err = f.orc.Prompt(context.Background(), sess.ID, "continue", PromptOptions{})
	require.NoError(t, err)
	f.waitSettled(t, sess.ID, 4)

	f.orc.evict(fork.ID, keepTurn)
	forkSnap, err = f.orc.ContextSnapshot(context.Background(), fork.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, forkSnap.MessageCount, "fork ancestors frozen after origin moves on")

	forked := f.pub.byType(EventSessionForked)
	require.Len(t, forked, 1)
	assert.Equal(t, fork.ID, forked[0].session)
}

func TestSwitchModelResetsBaselineAcrossProviders(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)

	f.prov.Enqueue(provider.TextScript(provider.Usage{InputTokens: 100, OutputTokens: 10}, "before switch")...)
	_, err = f.orc.Prompt(context.Background(), sess.ID, "hello", PromptOptions{})
	require.NoError(t, err)
	f.waitSettled(t, sess.ID, 2)

	as := f.orc.lookup(sess.ID)
	require.NotNil(t, as)
	require.Equal(t, 100, as.Tokens.Baseline())

	switched, err := f.orc.SwitchModel(context.Background(), sess.ID, "gpt")
	require.NoError(t, err)
	assert.Equal(t, "sonnet", switched.FromModel)
	assert.Equal(t, "gpt", switched.ToModel)
	assert.Equal(t, "anthropic", switched.FromProvider)
	assert.Equal(t, "openai", switched.ToProvider)

	assert.Equal(t, 0, as.Tokens.Baseline(), "provider change resets the baseline")
	assert.Equal(t, 128000, as.Tokens.Window().MaxSize)
	assert.Equal(t, "gpt", as.Model())

	row, err := f.db.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpt", row.Model)

	switches, err := f.db.GetEventsBySession(context.Background(), sess.ID,
		storage.EventQuery{Types: []storage.EventType{storage.EventConfigModelSwitch}})
	require.NoError(t, err)
	assert.Len(t, switches, 1)
}

func TestAbortMidStream(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)

	f.prov.WithDelay(20 * time.Millisecond)
	chunks := provider.TextScript(provider.Usage{InputTokens: 10, OutputTokens: 50},
		"a", "b", "c", "d", "e", "f", "g", "h", "i", "j")
	f.prov.Enqueue(chunks...)

	_, err = f.orc.Prompt(context.Background(), sess.ID, "long answer", PromptOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := f.orc.GetState(context.Background(), sess.ID)
		return st != nil && st.IsRunning
	}, 5*time.Second, 5*time.Millisecond, "turn never started")

	aborted, err := f.orc.Abort(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, aborted)

	f.waitSettled(t, sess.ID, 1)

	st, err := f.orc.GetState(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, st.IsRunning)

	errs, err := f.db.GetEventsBySession(context.Background(), sess.ID,
		storage.EventQuery{Types: []storage.EventType{storage.EventErrorAgent}})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	p, err := storage.DecodePayload(errs[0].Type, errs[0].Payload)
	require.NoError(t, err)
	ep := p.(*storage.ErrorPayload)
	assert.True(t, ep.Recoverable)
	assert.Equal(t, "aborted", ep.Reason)
}

func TestAbortIdleSession(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)

	aborted, err := f.orc.Abort(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, aborted)

	_, err = f.orc.Abort(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestConfirmCompactionEmptyBufferSucceeds(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)

	res, err := f.orc.ConfirmCompaction(context.Background(), sess.ID)
	require.NoError(t, err, "confirm with nothing to compact still succeeds")
	assert.Zero(t, res.MessagesRemoved)
	assert.Empty(t, res.BoundaryEventID)
}

func TestSessionIsolation(t *testing.T) {
	f := newFixture(t)
	a, err := f.orc.CreateSession(context.Background(), CreateOptions{Title: "a"})
	require.NoError(t, err)
	b, err := f.orc.CreateSession(context.Background(), CreateOptions{Title: "b"})
	require.NoError(t, err)

	f.prov.Enqueue(provider.TextScript(provider.Usage{InputTokens: 10, OutputTokens: 5}, "b answer")...)
	_, err = f.orc.Prompt(context.Background(), b.ID, "b question", PromptOptions{})
	require.NoError(t, err)
	f.waitSettled(t, b.ID, 2)

	before, err := f.orc.ContextSnapshot(context.Background(), b.ID)
	require.NoError(t, err)

	// Clearing A's context must leave B untouched.
	require.NoError(t, f.orc.ClearContext(context.Background(), a.ID))

	after, err := f.orc.ContextSnapshot(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	evA, err := f.db.GetEventsBySession(context.Background(), a.ID, storage.EventQuery{})
	require.NoError(t, err)
	evB, err := f.db.GetEventsBySession(context.Background(), b.ID, storage.EventQuery{})
	require.NoError(t, err)
	for _, ev := range evA {
		assert.Equal(t, a.ID, ev.SessionID)
	}
	for _, ev := range evB {
		assert.Equal(t, b.ID, ev.SessionID)
	}
}

func TestCloseSessionAppendsEnd(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.orc.CloseSession(context.Background(), sess.ID, "done"))
	assert.Equal(t, 0, f.orc.ActiveCount())

	ends, err := f.db.GetEventsBySession(context.Background(), sess.ID,
		storage.EventQuery{Types: []storage.EventType{storage.EventSessionEnd}})
	require.NoError(t, err)
	require.Len(t, ends, 1)

	row, err := f.db.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, row.IsActive)

	ended := f.pub.byType(EventSessionEnded)
	require.Len(t, ended, 1)
}

func TestArchiveEvictsWithoutEnding(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.orc.ArchiveSession(context.Background(), sess.ID))
	assert.Equal(t, 0, f.orc.ActiveCount())

	rows, err := f.orc.ListSessions(context.Background(), storage.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows, "archived sessions are hidden by default")

	rows, err = f.orc.ListSessions(context.Background(), storage.ListFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, f.orc.UnarchiveSession(context.Background(), sess.ID))
	rows, err = f.orc.ListSessions(context.Background(), storage.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestGetStateUnloadedSession(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)
	f.orc.evict(sess.ID, keepTurn)

	st, err := f.orc.GetState(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, st.IsRunning)
	assert.Equal(t, string(runner.PhaseIdle), st.Phase)
	assert.Equal(t, 0, f.orc.ActiveCount(), "state query does not resume")
}

func TestIdleEviction(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, f.orc.ActiveCount())

	f.orc.evictIdle(time.Now().Add(time.Minute))
	assert.Equal(t, 0, f.orc.ActiveCount())

	row, err := f.db.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, row.IsActive)
}

func TestAppendEventFoldsProjections(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)

	ev, err := f.orc.AppendEvent(context.Background(), sess.ID,
		storage.EventSkillActivated, []byte(`{"skillName":"websearch"}`), "")
	require.NoError(t, err)
	assert.Equal(t, storage.EventSkillActivated, ev.Type)

	as := f.orc.lookup(sess.ID)
	require.NotNil(t, as)
	assert.True(t, as.Skills.IsActive("websearch"))

	news := f.pub.byType(EventNew)
	require.Len(t, news, 1)
}

func TestShutdownStopsIntake(t *testing.T) {
	f := newFixture(t)
	sess, err := f.orc.CreateSession(context.Background(), CreateOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orc.Shutdown(ctx))

	_, err = f.orc.CreateSession(context.Background(), CreateOptions{})
	require.ErrorIs(t, err, ErrShutdown)
	_, err = f.orc.Prompt(context.Background(), sess.ID, "late", PromptOptions{})
	require.ErrorIs(t, err, ErrShutdown)

	require.NoError(t, f.orc.Shutdown(ctx), "second shutdown is a no-op")
}

func TestResumeMissingSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.orc.ResumeSession(context.Background(), "nope")
	require.ErrorIs(t, err, storage.ErrSessionNotFound)
}
