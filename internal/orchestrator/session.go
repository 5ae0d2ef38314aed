package orchestrator

import (
	"context"
	"sync"
	"time"

	agentctx "loom/internal/context"
	"loom/internal/runner"
	"loom/internal/scheduler"
	"loom/internal/skills"
	"loom/internal/tokens"
)

// ActiveSession is the in-memory face of one session: the context buffer,
// token state and trackers, plus the turn lock that serializes mutation.
// It is a projection of the event log and is safe to drop at any point.
type ActiveSession struct {
	ID          string
	WorkspaceID string
	Workdir     string

	Context   *agentctx.Manager
	Tokens    *tokens.State
	Skills    *skills.Tracker
	Subagents *skills.SubagentTracker

	turn   scheduler.TurnLock
	status runner.Status

	mu           sync.Mutex
	model        string
	providerName string
	lastActivity time.Time
	turnSeq      int
	forked       bool

	cancelMu sync.Mutex
	cancel   context.CancelCauseFunc
}

// SessionState is the agent.getState projection.
type SessionState struct {
	SessionID    string        `json:"sessionId"`
	IsRunning    bool          `json:"isRunning"`
	Phase        string        `json:"phase"`
	Model        string        `json:"model"`
	PendingTurns int           `json:"pendingTurns"`
	LastActivity time.Time     `json:"lastActivity"`
	TokenWindow  tokens.Window `json:"tokenWindow"`
}

// State snapshots the run state.
func (as *ActiveSession) State() *SessionState {
	as.mu.Lock()
	model := as.model
	last := as.lastActivity
	as.mu.Unlock()
	return &SessionState{
		SessionID:    as.ID,
		IsRunning:    as.status.Running(),
		Phase:        string(as.status.Phase()),
		Model:        model,
		LastActivity: last,
		TokenWindow:  as.Tokens.Window(),
	}
}

// Model returns the session's current model.
func (as *ActiveSession) Model() string {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.model
}

func (as *ActiveSession) modelInfo() (model, providerName string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.model, as.providerName
}

func (as *ActiveSession) setModel(model, providerName string) {
	as.mu.Lock()
	as.model = model
	as.providerName = providerName
	as.lastActivity = time.Now().UTC()
	as.mu.Unlock()
}

func (as *ActiveSession) touch() {
	as.mu.Lock()
	as.lastActivity = time.Now().UTC()
	as.mu.Unlock()
}

func (as *ActiveSession) lastActivityTime() time.Time {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.lastActivity
}

// setTurnBase seeds the turn ordinal after replay.
func (as *ActiveSession) setTurnBase(n int) {
	as.mu.Lock()
	as.turnSeq = n
	as.mu.Unlock()
}

func (as *ActiveSession) nextTurn() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.turnSeq++
	return as.turnSeq
}

// beginTurn derives the cancellable turn context and registers its cancel
// so Abort can reach a running turn. The returned finish must run when the
// turn ends.
func (as *ActiveSession) beginTurn(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	as.cancelMu.Lock()
	as.cancel = cancel
	as.cancelMu.Unlock()

	return ctx, func() {
		as.cancelMu.Lock()
		as.cancel = nil
		as.cancelMu.Unlock()
		cancel(nil)
		as.touch()
	}
}

// abort cancels the turn in flight. Reports whether one was running.
func (as *ActiveSession) abort(cause error) bool {
	as.cancelMu.Lock()
	defer as.cancelMu.Unlock()
	if as.cancel == nil {
		return false
	}
	as.cancel(cause)
	return true
}
