// Package orchestrator owns the registry of active sessions and routes
// every cross-component operation: session lifecycle, prompt intake,
// context queries and compaction, model switching, shutdown. Durable state
// lives in the event log; an ActiveSession is a disposable projection that
// can always be rebuilt by replay.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	agentctx "loom/internal/context"
	"loom/internal/hooks"
	"loom/internal/provider"
	"loom/internal/runner"
	"loom/internal/scheduler"
	"loom/internal/skills"
	"loom/internal/storage"
	"loom/internal/tokens"
)

// Defaults for Config fields left zero.
const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultQueueSize   = 16
)

// Config tunes the orchestrator.
type Config struct {
	// Context carries the per-session buffer defaults; a model's own
	// context window overrides MaxTokens when known.
	Context agentctx.Config

	// DefaultModel is used when session.create names no model.
	DefaultModel string

	// IdleTimeout evicts inactive sessions from memory. Evicted sessions
	// resume transparently on the next operation.
	IdleTimeout time.Duration

	// QueueSize caps pending prompts per session.
	QueueSize int
}

func (c *Config) fillDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
}

// Orchestrator coordinates sessions. Registry mutations happen under mu;
// per-session operations run against the ActiveSession without holding it.
type Orchestrator struct {
	db        *storage.DB
	providers *provider.Registry
	runner    *runner.Runner
	queue     *scheduler.RunQueue
	hooks     *hooks.Engine
	pub       runner.Publisher
	log       zerolog.Logger
	cfg       Config

	mu     sync.Mutex
	active map[string]*ActiveSession
	closed bool

	// rootCtx parents every turn; Shutdown cancels it.
	rootCtx  context.Context
	rootStop context.CancelFunc
	done     chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHooks wires the hook engine for session lifecycle triggers and
// shutdown draining.
func WithHooks(e *hooks.Engine) Option {
	return func(o *Orchestrator) { o.hooks = e }
}

// WithPublisher sets the RPC event sink for lifecycle broadcasts.
func WithPublisher(p runner.Publisher) Option {
	return func(o *Orchestrator) { o.pub = p }
}

// WithLogger sets the orchestrator logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New builds an orchestrator and starts its idle-eviction loop.
func New(db *storage.DB, providers *provider.Registry, run *runner.Runner, cfg Config, opts ...Option) *Orchestrator {
	cfg.fillDefaults()
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		db:        db,
		providers: providers,
		runner:    run,
		queue:     scheduler.NewRunQueue(cfg.QueueSize, cfg.IdleTimeout),
		pub:       runner.NopPublisher{},
		log:       zerolog.Nop(),
		cfg:       cfg,
		active:    make(map[string]*ActiveSession),
		rootCtx:   ctx,
		rootStop:  stop,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	go o.evictLoop()
	return o
}

// CreateOptions carries session.create parameters.
type CreateOptions struct {
	WorkspaceID      string
	WorkingDirectory string
	Model            string
	Title            string
}

// CreateSession creates a session row plus its root event, registers the
// in-memory state, and fires SessionStart hooks.
func (o *Orchestrator) CreateSession(ctx context.Context, opts CreateOptions) (*storage.Session, error) {
	if err := o.acceptingOps(); err != nil {
		return nil, err
	}

	model := opts.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}
	prov, info, err := o.providers.ResolveModel(model)
	if err != nil {
		return nil, err
	}

	session, _, err := o.db.CreateSession(ctx, storage.SessionMeta{
		WorkspaceID:      opts.WorkspaceID,
		WorkingDirectory: opts.WorkingDirectory,
		Model:            model,
		Title:            opts.Title,
	})
	if err != nil {
		return nil, err
	}

	as := o.newActiveSession(session, prov.Name(), info)
	o.register(as)

	if o.hooks != nil {
		o.hooks.RunSessionStart(ctx, session.ID)
	}
	o.pub.Publish(session.ID, EventSessionCreated, SessionEvent{
		SessionID:   session.ID,
		WorkspaceID: session.WorkspaceID,
		Model:       session.Model,
		Title:       session.Title,
	})
	o.log.Info().Str("session", session.ID).Str("model", model).Msg("session created")
	return session, nil
}

// ResumeSession loads the session into memory (replaying its history when
// it is not already active) and marks it active.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	if err := o.acceptingOps(); err != nil {
		return nil, err
	}
	if _, err := o.ensureActive(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.db.GetSession(ctx, sessionID)
}

// Fork creates a new session rooted at fromEventID. The fork sees the
// origin's history up to the fork point and nothing after it; its buffer is
// replayed eagerly so the first prompt starts from warm state.
func (o *Orchestrator) Fork(ctx context.Context, fromEventID, name string) (*storage.Session, error) {
	if err := o.acceptingOps(); err != nil {
		return nil, err
	}

	forkPoint, err := o.db.GetEvent(ctx, fromEventID)
	if err != nil {
		return nil, err
	}
	origin, err := o.db.GetSession(ctx, forkPoint.SessionID)
	if err != nil {
		return nil, err
	}
	prov, info, err := o.providers.ResolveModel(origin.Model)
	if err != nil {
		return nil, err
	}

	session, root, err := o.db.Fork(ctx, fromEventID, name)
	if err != nil {
		return nil, err
	}

	as := o.newActiveSession(session, prov.Name(), info)
	if err := o.replayInto(ctx, as, root.ID); err != nil {
		return nil, err
	}
	o.register(as)

	o.pub.Publish(session.ID, EventSessionForked, ForkEvent{
		SessionID:       session.ID,
		OriginSessionID: session.ParentSessionID,
		ForkEventID:     fromEventID,
		Title:           session.Title,
	})
	o.log.Info().Str("session", session.ID).Str("origin", session.ParentSessionID).
		Str("fork_event", fromEventID).Msg("session forked")
	return session, nil
}

// ListSessions lists session rows.
func (o *Orchestrator) ListSessions(ctx context.Context, f storage.ListFilter) ([]*storage.Session, error) {
	return o.db.ListSessions(ctx, f)
}

// GetSession returns one session row.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	return o.db.GetSession(ctx, sessionID)
}

// DeleteSession removes the session and its events. Sessions with forks
// rooted in their history are refused.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	o.evict(sessionID, abortTurn)
	if err := o.db.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	o.pub.Publish(sessionID, EventSessionEnded, SessionEvent{SessionID: sessionID, Reason: "deleted"})
	return nil
}

// CloseSession ends the session: the turn in flight is aborted, a
// session.end event is appended, and the in-memory state is dropped.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID, reason string) error {
	o.evict(sessionID, abortTurn)

	if _, err := o.db.Append(ctx, storage.AppendRequest{
		SessionID: sessionID,
		Type:      storage.EventSessionEnd,
		Payload:   &storage.SessionEndPayload{Reason: reason},
	}); err != nil {
		return err
	}
	if err := o.db.SetSessionActive(ctx, sessionID, false); err != nil {
		return err
	}
	if o.hooks != nil {
		o.hooks.RunStop(ctx, sessionID)
	}
	o.pub.Publish(sessionID, EventSessionEnded, SessionEvent{SessionID: sessionID, Reason: reason})
	return nil
}

// ArchiveSession hides the session from default listings and drops its
// in-memory state. History stays intact.
func (o *Orchestrator) ArchiveSession(ctx context.Context, sessionID string) error {
	o.evict(sessionID, keepTurn)
	return o.db.SetArchived(ctx, sessionID, true)
}

// UnarchiveSession restores the session to default listings.
func (o *Orchestrator) UnarchiveSession(ctx context.Context, sessionID string) error {
	return o.db.SetArchived(ctx, sessionID, false)
}

// SwitchModel changes the session's model. The switch is recorded as a
// config.model_switch event; a provider change resets the token baseline so
// the first post-switch turn counts its whole window as new input.
func (o *Orchestrator) SwitchModel(ctx context.Context, sessionID, model string) (*storage.ModelSwitchPayload, error) {
	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	prov, info, err := o.providers.ResolveModel(model)
	if err != nil {
		return nil, err
	}

	fromModel, fromProvider := as.modelInfo()
	payload := &storage.ModelSwitchPayload{
		FromModel:    fromModel,
		ToModel:      model,
		FromProvider: fromProvider,
		ToProvider:   prov.Name(),
	}
	if _, err := o.db.Append(ctx, storage.AppendRequest{
		SessionID: sessionID,
		Type:      storage.EventConfigModelSwitch,
		Payload:   payload,
	}); err != nil {
		return nil, err
	}
	if err := o.db.UpdateSessionModel(ctx, sessionID, model); err != nil {
		return nil, err
	}

	as.setModel(model, prov.Name())
	as.Tokens.SetProvider(prov.Name())
	if info.ContextWindow > 0 {
		as.Tokens.SetMaxTokens(info.ContextWindow)
		as.Context.SetMaxTokens(info.ContextWindow)
	}

	o.pub.Publish(sessionID, EventModelSwitched, payload)
	o.log.Info().Str("session", sessionID).Str("from", fromModel).Str("to", model).Msg("model switched")
	return payload, nil
}

// Models lists every model known to the provider registry.
func (o *Orchestrator) Models() []provider.ModelInfo {
	return o.providers.Models()
}

// GetState reports the session's run state without forcing a resume.
func (o *Orchestrator) GetState(ctx context.Context, sessionID string) (*SessionState, error) {
	if as := o.lookup(sessionID); as != nil {
		st := as.State()
		st.PendingTurns = o.queue.Pending(sessionID)
		return st, nil
	}

	session, err := o.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionState{
		SessionID:    session.ID,
		IsRunning:    false,
		Phase:        string(runner.PhaseIdle),
		Model:        session.Model,
		LastActivity: session.LastActivity,
	}, nil
}

// UsageHistory returns the session's normalized usage records in turn order,
// resuming the session if it is not loaded.
func (o *Orchestrator) UsageHistory(ctx context.Context, sessionID string) ([]tokens.Record, error) {
	if err := o.acceptingOps(); err != nil {
		return nil, err
	}
	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return as.Tokens.History(), nil
}

// ActiveCount returns the number of sessions held in memory.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// AppendEvent appends a caller-supplied event and folds it into the live
// projections of the session, when loaded.
func (o *Orchestrator) AppendEvent(ctx context.Context, sessionID string, typ storage.EventType, payload json.RawMessage, parentID string) (*storage.Event, error) {
	if err := o.acceptingOps(); err != nil {
		return nil, err
	}

	ev, err := o.db.Append(ctx, storage.AppendRequest{
		SessionID: sessionID,
		Type:      typ,
		Payload:   payload,
		ParentID:  parentID,
	})
	if err != nil {
		return nil, err
	}

	if as := o.lookup(sessionID); as != nil {
		o.fold(as, ev)
	}
	o.pub.Publish(sessionID, EventNew, ev)
	return ev, nil
}

// fold applies an externally appended event to the in-memory projections.
func (o *Orchestrator) fold(as *ActiveSession, ev *storage.Event) {
	switch ev.Type {
	case storage.EventSkillActivated, storage.EventSkillDeactivated:
		if err := as.Skills.Apply(ev); err != nil {
			o.log.Warn().Err(err).Str("session", as.ID).Msg("skill event not folded")
		}
	case storage.EventSubagentStarted, storage.EventSubagentCompleted:
		if err := as.Subagents.Apply(ev); err != nil {
			o.log.Warn().Err(err).Str("session", as.ID).Msg("subagent event not folded")
		}
	case storage.EventMessageUser:
		if p, err := storage.DecodePayload(ev.Type, ev.Payload); err == nil {
			as.Context.AppendUser(p.(*storage.MessageUserPayload).Content, ev.ID)
		}
	case storage.EventMessageSystem:
		if p, err := storage.DecodePayload(ev.Type, ev.Payload); err == nil {
			as.Context.AppendSystem(p.(*storage.MessageSystemPayload).Content, ev.ID)
		}
	case storage.EventToolResult:
		if p, err := storage.DecodePayload(ev.Type, ev.Payload); err == nil {
			tr := p.(*storage.ToolResultPayload)
			// The runner stores content as a JSON string; out-of-band
			// appends may carry arbitrary JSON.
			var content string
			if err := json.Unmarshal(tr.Content, &content); err != nil {
				content = string(tr.Content)
			}
			as.Context.AppendToolResult(tr.ToolCallID, content, tr.IsError, ev.ID)
		}
	}
}

// GetHistory returns the session's own events, ascending by sequence.
func (o *Orchestrator) GetHistory(ctx context.Context, sessionID string, q storage.EventQuery) ([]*storage.Event, error) {
	return o.db.GetEventsBySession(ctx, sessionID, q)
}

// GetEventsSince returns events after a cursor for delta sync.
func (o *Orchestrator) GetEventsSince(ctx context.Context, f storage.SinceFilter) ([]*storage.Event, error) {
	return o.db.GetEventsSince(ctx, f)
}

// DeleteMessage soft-deletes a message event and removes it from the live
// buffer when the session is loaded.
func (o *Orchestrator) DeleteMessage(ctx context.Context, eventID, mode string) (*storage.Event, error) {
	ev, err := o.db.DeleteMessage(ctx, eventID, mode)
	if err != nil {
		return nil, err
	}
	if as := o.lookup(ev.SessionID); as != nil {
		as.Context.RemoveMessage(eventID)
	}
	o.pub.Publish(ev.SessionID, EventMessageDeleted, MessageDeletedEvent{
		SessionID: ev.SessionID,
		EventID:   eventID,
		Mode:      mode,
	})
	return ev, nil
}

// acceptingOps fails fast once shutdown has begun.
func (o *Orchestrator) acceptingOps() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrShutdown
	}
	return nil
}

// Shutdown stops intake, cancels active turns, waits for queued work and
// background hooks up to ctx, and deactivates loaded sessions.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	loaded := make([]*ActiveSession, 0, len(o.active))
	for _, as := range o.active {
		loaded = append(loaded, as)
	}
	o.mu.Unlock()

	close(o.done)
	for _, as := range loaded {
		as.abort(runner.ErrAborted)
	}
	o.rootStop()

	var firstErr error
	if err := o.queue.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("run queue shutdown: %w", err)
	}
	if o.hooks != nil {
		if err := o.hooks.Wait(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("hook drain: %w", err)
		}
	}

	for _, as := range loaded {
		if err := o.db.SetSessionActive(context.WithoutCancel(ctx), as.ID, false); err != nil {
			o.log.Warn().Err(err).Str("session", as.ID).Msg("session not deactivated on shutdown")
		}
	}
	o.log.Info().Int("sessions", len(loaded)).Msg("orchestrator stopped")
	return firstErr
}

// lookup returns the loaded session or nil. Never resumes.
func (o *Orchestrator) lookup(sessionID string) *ActiveSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[sessionID]
}

// register installs the session, keeping an already registered instance.
func (o *Orchestrator) register(as *ActiveSession) *ActiveSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.active[as.ID]; ok {
		return existing
	}
	o.active[as.ID] = as
	return as
}

// evictMode selects what evict does with a turn in flight.
type evictMode bool

const (
	abortTurn evictMode = true
	keepTurn  evictMode = false
)

// evict drops the in-memory state. The event log keeps everything needed
// for the next resume.
func (o *Orchestrator) evict(sessionID string, mode evictMode) {
	o.mu.Lock()
	as := o.active[sessionID]
	delete(o.active, sessionID)
	o.mu.Unlock()

	if as != nil && mode == abortTurn {
		as.abort(runner.ErrAborted)
		o.queue.Cancel(sessionID)
	}
}

// ensureActive returns the loaded session, resuming it from the event log
// on a miss. The replay happens outside the registry lock; a concurrent
// resume of the same session is resolved by register keeping the winner.
func (o *Orchestrator) ensureActive(ctx context.Context, sessionID string) (*ActiveSession, error) {
	if as := o.lookup(sessionID); as != nil {
		return as, nil
	}

	session, err := o.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	prov, info, err := o.providers.ResolveModel(session.Model)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", sessionID, err)
	}

	as := o.newActiveSession(session, prov.Name(), info)
	if err := o.replayInto(ctx, as, ""); err != nil {
		return nil, err
	}

	if err := o.db.SetSessionActive(ctx, sessionID, true); err != nil {
		return nil, err
	}
	o.log.Debug().Str("session", sessionID).Int("messages", as.Context.MessageCount()).Msg("session resumed")
	return o.register(as), nil
}

// replayInto rebuilds the session's projections from its event history.
// tipID optionally names the lineage tip (used right after a fork, before
// the new session has local events beyond its root).
func (o *Orchestrator) replayInto(ctx context.Context, as *ActiveSession, tipID string) error {
	own, err := o.db.GetEventsBySession(ctx, as.ID, storage.EventQuery{})
	if err != nil {
		return err
	}

	history := own
	if tipID == "" && len(own) > 0 {
		tipID = own[len(own)-1].ID
	}
	// Forked sessions root below an event of the origin lineage; the
	// ancestor walk stitches the full chain back together.
	if as.forked && tipID != "" {
		history, err = o.db.GetAncestors(ctx, tipID)
		if err != nil {
			return err
		}
	}

	msgs, err := agentctx.Rebuild(history)
	if err != nil {
		return fmt.Errorf("replay %s: %w", as.ID, err)
	}
	as.Context.SetMessages(msgs)

	if err := as.Skills.Replay(history); err != nil {
		return err
	}
	if err := as.Subagents.Replay(history); err != nil {
		return err
	}

	// Token state is rebuilt by folding every recorded usage through the
	// normalizer, reproducing baselines and provider switches.
	turns := 0
	for _, ev := range history {
		switch ev.Type {
		case storage.EventMessageAssistant:
			p, err := storage.DecodePayload(ev.Type, ev.Payload)
			if err != nil {
				continue
			}
			u := p.(*storage.MessageAssistantPayload).Usage
			if u.Provider == "" {
				continue
			}
			rec := as.Tokens.Observe(tokens.ObservedAt(
				u.Provider, u.InputTokens, u.OutputTokens,
				u.CacheReadTokens, u.CacheCreationTokens, ev.Timestamp))
			as.Context.ObserveWindow(rec.Computed.ContextWindowTokens)
		case storage.EventStreamTurnStart:
			turns++
		}
	}
	as.setTurnBase(turns)
	return nil
}

// evictLoop drops sessions idle beyond the configured timeout.
func (o *Orchestrator) evictLoop() {
	interval := o.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.evictIdle(time.Now().Add(-o.cfg.IdleTimeout))
		}
	}
}

func (o *Orchestrator) evictIdle(cutoff time.Time) {
	o.mu.Lock()
	var idle []*ActiveSession
	for id, as := range o.active {
		if as.status.Running() || as.turn.Busy() || o.queue.Pending(id) > 0 {
			continue
		}
		if as.lastActivityTime().Before(cutoff) {
			idle = append(idle, as)
			delete(o.active, id)
		}
	}
	o.mu.Unlock()

	for _, as := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.db.SetSessionActive(ctx, as.ID, false); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
			o.log.Warn().Err(err).Str("session", as.ID).Msg("idle session not deactivated")
		}
		cancel()
		o.log.Debug().Str("session", as.ID).Msg("idle session evicted")
	}
}

// newActiveSession builds the in-memory state for one session.
func (o *Orchestrator) newActiveSession(session *storage.Session, providerName string, info provider.ModelInfo) *ActiveSession {
	cfg := o.cfg.Context
	if info.ContextWindow > 0 {
		cfg.MaxTokens = info.ContextWindow
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = agentctx.DefaultConfig().MaxTokens
	}
	return &ActiveSession{
		ID:           session.ID,
		WorkspaceID:  session.WorkspaceID,
		Workdir:      session.WorkingDirectory,
		Context:      agentctx.NewManager(session.ID, cfg, o.db),
		Tokens:       tokens.NewState(session.ID, maxTokens),
		Skills:       skills.NewTracker(session.ID),
		Subagents:    skills.NewSubagentTracker(session.ID),
		model:        session.Model,
		providerName: providerName,
		forked:       session.ParentSessionID != "",
		lastActivity: time.Now().UTC(),
	}
}
