package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	agentctx "loom/internal/context"
	"loom/internal/runner"
	"loom/internal/storage"
)

// PromptOptions carries per-prompt tuning.
type PromptOptions struct {
	System      string
	MaxTokens   int
	Temperature float64
}

// PromptAck is the immediate agent.prompt response; turn progress and the
// outcome flow as agent.* events.
type PromptAck struct {
	SessionID string `json:"sessionId"`
	Accepted  bool   `json:"accepted"`
	Pending   int    `json:"pending"`
}

// Prompt enqueues one turn on the session's queue and returns immediately.
// Turns for the same session run in submission order, one at a time.
func (o *Orchestrator) Prompt(ctx context.Context, sessionID, text string, opts PromptOptions) (*PromptAck, error) {
	if err := o.acceptingOps(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, fmt.Errorf("%w: empty prompt", runner.ErrInvalidTurn)
	}

	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Resolve at submission so an unknown model fails the RPC, not the
	// queued turn. The turn re-reads the session's model when it starts,
	// picking up switches that land while it waits.
	if _, _, err := o.providers.ResolveModel(as.Model()); err != nil {
		return nil, err
	}

	run := func(taskCtx context.Context) error {
		return o.runTurn(taskCtx, as, text, opts)
	}
	// Enqueue binds the task to the orchestrator's lifetime, not the RPC
	// call: the ack returns while the turn is still queued.
	if _, err := o.queue.Enqueue(o.rootCtx, sessionID, run); err != nil {
		return nil, err
	}

	as.touch()
	return &PromptAck{
		SessionID: sessionID,
		Accepted:  true,
		Pending:   o.queue.Pending(sessionID),
	}, nil
}

// runTurn executes one queued turn under the session's turn lock.
func (o *Orchestrator) runTurn(taskCtx context.Context, as *ActiveSession, text string, opts PromptOptions) error {
	model := as.Model()
	prov, info, err := o.providers.ResolveModel(model)
	if err != nil {
		o.appendTurnError(as.ID, err)
		return err
	}
	if info.ContextWindow > 0 {
		as.Tokens.SetMaxTokens(info.ContextWindow)
		as.Context.SetMaxTokens(info.ContextWindow)
	}

	turnCtx, finish := as.beginTurn(taskCtx)
	defer finish()

	turn := as.nextTurn()
	req := &runner.TurnRequest{
		SessionID:   as.ID,
		Prompt:      text,
		Turn:        turn,
		Provider:    prov,
		Model:       model,
		System:      opts.System,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Manager:     as.Context,
		Tokens:      as.Tokens,
		Status:      &as.status,
		Workspace:   as.Workdir,
	}

	inBefore, outBefore := as.Tokens.Totals()
	var res *runner.TurnResult
	err = as.turn.WithTurn(func() error {
		var rerr error
		res, rerr = o.runner.Run(turnCtx, req)
		return rerr
	})
	o.settleTurn(as, inBefore, outBefore)
	if err != nil {
		o.log.Warn().Err(err).Str("session", as.ID).Int("turn", turn).Msg("turn failed")
		return err
	}
	if res.Aborted {
		o.log.Info().Str("session", as.ID).Int("turn", turn).Msg("turn aborted")
	}
	return nil
}

// settleTurn refreshes the session row projections after a turn.
func (o *Orchestrator) settleTurn(as *ActiveSession, inBefore, outBefore int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in, out := as.Tokens.Totals()
	if din, dout := in-inBefore, out-outBefore; din > 0 || dout > 0 {
		if err := o.db.AddSessionUsage(ctx, as.ID, din, dout, 0); err != nil {
			o.log.Warn().Err(err).Str("session", as.ID).Msg("session usage not recorded")
		}
	}
	if err := o.db.RefreshMessageCount(ctx, as.ID); err != nil {
		o.log.Warn().Err(err).Str("session", as.ID).Msg("message count not refreshed")
	}
}

// appendTurnError records a turn that could not start.
func (o *Orchestrator) appendTurnError(sessionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.db.Append(ctx, storage.AppendRequest{
		SessionID: sessionID,
		Type:      storage.EventErrorAgent,
		Payload: &storage.ErrorPayload{
			Message:     cause.Error(),
			Reason:      "turn_not_started",
			Recoverable: true,
		},
	}); err != nil {
		o.log.Error().Err(err).Str("session", sessionID).Msg("turn error not recorded")
	}
}

// Abort cancels the session's turn in flight. Aborting an idle or unloaded
// session is a no-op; the bool reports whether a turn was actually running.
func (o *Orchestrator) Abort(ctx context.Context, sessionID string) (bool, error) {
	if as := o.lookup(sessionID); as != nil {
		return as.abort(runner.ErrAborted), nil
	}
	if _, err := o.db.GetSession(ctx, sessionID); err != nil {
		return false, err
	}
	return false, nil
}

// ContextSnapshot returns the cheap usage projection.
func (o *Orchestrator) ContextSnapshot(ctx context.Context, sessionID string) (agentctx.Snapshot, error) {
	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return agentctx.Snapshot{}, err
	}
	return as.Context.Snapshot(), nil
}

// DetailedSnapshot returns the per-message breakdown.
func (o *Orchestrator) DetailedSnapshot(ctx context.Context, sessionID string) (agentctx.DetailedSnapshot, error) {
	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return agentctx.DetailedSnapshot{}, err
	}
	return as.Context.DetailedSnapshot(), nil
}

// ShouldCompact reports whether usage crossed the compaction threshold.
func (o *Orchestrator) ShouldCompact(ctx context.Context, sessionID string) (bool, error) {
	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return as.Context.ShouldCompact(), nil
}

// CanAcceptTurn runs the admission check for a prospective turn.
func (o *Orchestrator) CanAcceptTurn(ctx context.Context, sessionID string, estimatedResponseTokens int) (agentctx.Admission, error) {
	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return agentctx.Admission{}, err
	}
	if estimatedResponseTokens <= 0 {
		estimatedResponseTokens = runner.DefaultResponseBudget
	}
	return as.Context.CanAcceptTurn(estimatedResponseTokens), nil
}

// PreviewCompaction dry-runs a compaction. Previews share the turn lock's
// read side: they overlap each other but never a turn or a confirm.
func (o *Orchestrator) PreviewCompaction(ctx context.Context, sessionID string) (*agentctx.CompactionPreview, error) {
	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var preview *agentctx.CompactionPreview
	err = as.turn.WithPreview(func() error {
		var perr error
		preview, perr = as.Context.PreviewCompaction()
		return perr
	})
	if err != nil {
		return nil, err
	}
	return preview, nil
}

// ConfirmCompaction applies a compaction under the exclusive turn lock,
// with PreCompact hook vetting. A confirm that finds nothing left to
// compact succeeds with an empty result, so concurrent confirms both
// complete.
func (o *Orchestrator) ConfirmCompaction(ctx context.Context, sessionID string) (*agentctx.CompactionResult, error) {
	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var result *agentctx.CompactionResult
	err = as.turn.WithTurn(func() error {
		var cerr error
		result, cerr = o.runner.Compact(ctx, sessionID, as.Context)
		return cerr
	})
	if errors.Is(err, agentctx.ErrNothingToCompact) {
		snap := as.Context.Snapshot()
		return &agentctx.CompactionResult{
			TokensBefore:     snap.CurrentTokens,
			TokensAfter:      snap.CurrentTokens,
			CompressionRatio: 1,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	as.touch()
	return result, nil
}

// ClearContext drops the buffer down to pinned system prompts.
func (o *Orchestrator) ClearContext(ctx context.Context, sessionID string) error {
	as, err := o.ensureActive(ctx, sessionID)
	if err != nil {
		return err
	}

	err = as.turn.WithTurn(func() error {
		return as.Context.Clear(ctx)
	})
	if err != nil {
		return err
	}
	as.touch()
	o.pub.Publish(sessionID, EventContextCleared, ContextClearedEvent{SessionID: sessionID})
	return nil
}
