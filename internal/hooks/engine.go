package hooks

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"loom/internal/storage"
)

// DefaultTimeout bounds a single handler invocation unless the registration
// overrides it.
const DefaultTimeout = 5 * time.Second

// RecordFunc receives hook lifecycle notifications. The orchestration layer
// appends them to the session log and fans them out to clients; a nil
// recorder drops them.
type RecordFunc func(sessionID string, eventType storage.EventType, payload *storage.HookLifecyclePayload)

// Engine runs registered hooks at trigger points. Blocking handlers execute
// sequentially in descending priority and may veto or modify the action;
// background handlers are launched afterwards and only observed.
type Engine struct {
	registry *Registry
	tracker  *Tracker
	record   RecordFunc
	timeout  time.Duration
	log      zerolog.Logger
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithDefaultTimeout overrides the per-handler timeout default.
func WithDefaultTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRecorder wires lifecycle notifications to the caller.
func WithRecorder(fn RecordFunc) EngineOption {
	return func(e *Engine) { e.record = fn }
}

// WithLogger sets the engine logger.
func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// NewEngine creates an engine over the given registry.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		tracker:  NewTracker(),
		timeout:  DefaultTimeout,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the engine's registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Pending returns the number of in-flight background hooks.
func (e *Engine) Pending() int64 {
	return e.tracker.Pending()
}

// Wait blocks until all background hooks finish or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	return e.tracker.Wait(ctx)
}

// Run triggers every registration for hc.Type. Blocking handlers run first,
// in descending priority: a block verdict stops the chain (background
// handlers are skipped too, the action never happens); modify verdicts merge
// shallowly into the outcome and become visible to later handlers through
// hc.Data. A handler error, panic or timeout is logged and treated as
// continue. Background handlers detach from ctx's cancellation and report
// through the recorder; hc must not be mutated after Run returns.
func (e *Engine) Run(ctx context.Context, hc *Context) *Outcome {
	out := &Outcome{}
	regs := e.registry.HandlersFor(hc.Type)
	if len(regs) == 0 {
		return out
	}

	var background []*Registration
	for _, reg := range regs {
		if reg.Mode == ModeBackground {
			background = append(background, reg)
			continue
		}
		if reg.Filter != nil && !reg.Filter(hc) {
			continue
		}

		e.notify(hc.SessionID, storage.EventHookTriggered, reg, 0, nil)
		started := time.Now()
		res, err := e.invoke(ctx, reg, hc)
		e.notify(hc.SessionID, storage.EventHookCompleted, reg, time.Since(started), err)

		if err != nil {
			e.log.Warn().
				Err(err).
				Str("hook", reg.Name).
				Str("type", string(hc.Type)).
				Msg("blocking hook failed, continuing")
			continue
		}
		if res == nil {
			continue
		}
		switch res.Decision {
		case DecisionBlock:
			out.Blocked = true
			out.Reason = res.Reason
			return out
		case DecisionModify:
			for k, v := range res.Modifications {
				if out.Modifications == nil {
					out.Modifications = make(map[string]any)
				}
				out.Modifications[k] = v
				hc.SetData(k, v)
			}
		}
	}

	for _, reg := range background {
		if reg.Filter != nil && !reg.Filter(hc) {
			continue
		}
		e.tracker.Add()
		e.notify(hc.SessionID, storage.EventHookBackgroundStarted, reg, 0, nil)
		// Detach from the turn: a background hook outlives the action that
		// triggered it.
		bgCtx := context.WithoutCancel(ctx)
		go func(reg *Registration) {
			defer e.tracker.Done()
			started := time.Now()
			_, err := e.invoke(bgCtx, reg, hc)
			if err != nil {
				e.log.Warn().
					Err(err).
					Str("hook", reg.Name).
					Str("type", string(hc.Type)).
					Msg("background hook failed")
			}
			e.notify(hc.SessionID, storage.EventHookBackgroundCompleted, reg, time.Since(started), err)
		}(reg)
	}
	return out
}

// invoke races one handler against its timeout, recovering panics.
func (e *Engine) invoke(ctx context.Context, reg *Registration, hc *Context) (*Result, error) {
	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		res *Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().
					Str("hook", reg.Name).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("hook handler panicked")
				ch <- reply{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
			}
		}()
		res, err := reg.Handler(tctx, hc)
		ch <- reply{res: res, err: err}
	}()

	select {
	case rep := <-ch:
		return rep.res, rep.err
	case <-tctx.Done():
		return nil, fmt.Errorf("%w: %s after %s", ErrHandlerTimeout, reg.Name, timeout)
	}
}

func (e *Engine) notify(sessionID string, eventType storage.EventType, reg *Registration, d time.Duration, err error) {
	if e.record == nil {
		return
	}
	p := &storage.HookLifecyclePayload{
		HookName: reg.Name,
		HookType: string(reg.Type),
		Duration: d.Milliseconds(),
	}
	if err != nil {
		p.Error = err.Error()
	}
	e.record(sessionID, eventType, p)
}

// RunPreToolUse triggers PreToolUse for one tool call.
func (e *Engine) RunPreToolUse(ctx context.Context, sessionID string, tc *ToolContext) *Outcome {
	return e.Run(ctx, NewContext(PreToolUse, sessionID).WithTool(tc))
}

// RunPostToolUse triggers PostToolUse after a tool result is known.
func (e *Engine) RunPostToolUse(ctx context.Context, sessionID string, tc *ToolContext) *Outcome {
	return e.Run(ctx, NewContext(PostToolUse, sessionID).WithTool(tc))
}

// RunUserPromptSubmit triggers UserPromptSubmit for a prompt entering a turn.
func (e *Engine) RunUserPromptSubmit(ctx context.Context, sessionID, prompt string) *Outcome {
	return e.Run(ctx, NewContext(UserPromptSubmit, sessionID).WithPrompt(prompt))
}

// RunPreCompact triggers PreCompact before a compaction is applied.
func (e *Engine) RunPreCompact(ctx context.Context, sessionID string, cc *CompactContext) *Outcome {
	return e.Run(ctx, NewContext(PreCompact, sessionID).WithCompact(cc))
}

// RunSessionStart triggers SessionStart for a new or resumed session.
func (e *Engine) RunSessionStart(ctx context.Context, sessionID string) *Outcome {
	return e.Run(ctx, NewContext(SessionStart, sessionID))
}

// RunStop triggers Stop when a session closes.
func (e *Engine) RunStop(ctx context.Context, sessionID string) *Outcome {
	return e.Run(ctx, NewContext(Stop, sessionID))
}

// RunNotification triggers Notification with a free-form note.
func (e *Engine) RunNotification(ctx context.Context, sessionID, note string) *Outcome {
	hc := NewContext(Notification, sessionID)
	hc.Note = note
	return e.Run(ctx, hc)
}
