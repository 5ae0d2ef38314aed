// Package runner drives agent turns: it admits a prompt into the context
// window, streams the provider response while persisting and broadcasting
// deltas, executes requested tools under hook and guardrail vetting, and
// loops until the provider stops or the turn is aborted. Every semantic
// step lands in the event store; callers linearize turns per session before
// invoking Run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	agentctx "loom/internal/context"
	"loom/internal/guardrails"
	"loom/internal/hooks"
	"loom/internal/provider"
	"loom/internal/storage"
	"loom/internal/tokens"
)

// Defaults for Config fields left zero.
const (
	DefaultToolTimeout    = 30 * time.Second
	DefaultMaxRounds      = 32
	DefaultRetryDelay     = 2 * time.Second
	DefaultResponseBudget = 4096
)

// EventStore is the slice of the event log the pipeline writes through.
// *storage.DB satisfies it.
type EventStore interface {
	Append(ctx context.Context, req storage.AppendRequest) (*storage.Event, error)
}

// Config tunes the pipeline.
type Config struct {
	// ToolTimeout bounds one tool invocation unless the tool overrides it.
	ToolTimeout time.Duration

	// Parallel lets calls declared independent run concurrently.
	Parallel bool

	// MaxRounds caps provider calls per turn.
	MaxRounds int

	// RetryDelay is the backoff before the single retry of a transient
	// provider failure.
	RetryDelay time.Duration

	// ResponseBudget estimates response tokens for admission checks when
	// the request carries no MaxTokens.
	ResponseBudget int

	// AutoCompact compacts the context before a turn that needs it.
	AutoCompact bool
}

// DefaultConfig returns the standard pipeline tuning.
func DefaultConfig() Config {
	return Config{
		ToolTimeout:    DefaultToolTimeout,
		Parallel:       true,
		MaxRounds:      DefaultMaxRounds,
		RetryDelay:     DefaultRetryDelay,
		ResponseBudget: DefaultResponseBudget,
		AutoCompact:    true,
	}
}

func (c *Config) fillDefaults() {
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ResponseBudget <= 0 {
		c.ResponseBudget = DefaultResponseBudget
	}
}

// Runner is the process-wide turn driver. Per-session state (context
// manager, token state, linearization) arrives with each TurnRequest.
type Runner struct {
	store  EventStore
	tools  *ToolRegistry
	hooks  *hooks.Engine
	guards *guardrails.Engine
	pub    Publisher
	log    zerolog.Logger
	cfg    Config
}

// Option configures a Runner.
type Option func(*Runner)

// WithTools sets the tool registry exposed to the model.
func WithTools(reg *ToolRegistry) Option {
	return func(r *Runner) { r.tools = reg }
}

// WithHooks wires the hook engine into the pipeline's trigger points.
func WithHooks(e *hooks.Engine) Option {
	return func(r *Runner) { r.hooks = e }
}

// WithGuardrails wires tool-call vetting.
func WithGuardrails(e *guardrails.Engine) Option {
	return func(r *Runner) { r.guards = e }
}

// WithPublisher sets the RPC event sink.
func WithPublisher(p Publisher) Option {
	return func(r *Runner) { r.pub = p }
}

// WithLogger sets the pipeline logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// New builds a Runner over the event store.
func New(store EventStore, cfg Config, opts ...Option) *Runner {
	cfg.fillDefaults()
	r := &Runner{
		store: store,
		tools: NewToolRegistry(),
		pub:   NopPublisher{},
		log:   zerolog.Nop(),
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tools returns the registry the pipeline exposes to the model.
func (r *Runner) Tools() *ToolRegistry { return r.tools }

// TurnRequest carries one prompt plus the session state it runs against.
// The caller must already hold the session's turn lock.
type TurnRequest struct {
	SessionID string
	Prompt    string

	// Turn is the 1-based ordinal of this turn within the session.
	Turn int

	Provider    provider.Provider
	Model       string
	System      string
	MaxTokens   int
	Temperature float64

	Manager *agentctx.Manager
	Tokens  *tokens.State

	// Status, when set, receives phase transitions for state queries.
	Status *Status

	// Workspace scopes guardrail path rules.
	Workspace string
}

func (req *TurnRequest) validate() error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: nil request", ErrInvalidTurn)
	case req.SessionID == "":
		return fmt.Errorf("%w: missing session id", ErrInvalidTurn)
	case req.Prompt == "":
		return fmt.Errorf("%w: empty prompt", ErrInvalidTurn)
	case req.Provider == nil:
		return fmt.Errorf("%w: no provider", ErrInvalidTurn)
	case req.Model == "":
		return fmt.Errorf("%w: no model", ErrInvalidTurn)
	case req.Manager == nil:
		return fmt.Errorf("%w: no context manager", ErrInvalidTurn)
	}
	return nil
}

// TurnResult summarizes a finished turn. Aborted turns return a result, not
// an error; only infrastructure and provider failures error out.
type TurnResult struct {
	Turn          int
	StopReason    string
	Text          string
	Rounds        int
	ToolCalls     int
	Aborted       bool
	StoppedByTool bool
}

// roundResult is one provider call's outcome.
type roundResult struct {
	eventID string
	text    string
	calls   []provider.ToolCall
	stop    string
}

// Run executes one turn to completion. The turn context carries abort: the
// orchestrator cancels it with cause ErrAborted, and the pipeline checks it
// between chunks and between tool executions.
func (r *Runner) Run(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	status := req.Status
	if status == nil {
		status = &Status{}
	}
	defer status.set(PhaseIdle)

	res := &TurnResult{Turn: req.Turn}

	status.set(PhasePreflight)
	if err := r.preflight(ctx, req, status); err != nil {
		return nil, err
	}

	retried := false
	for {
		res.Rounds++
		if res.Rounds > r.cfg.MaxRounds {
			err := fmt.Errorf("%w after %d rounds", ErrRoundLimit, r.cfg.MaxRounds)
			r.appendError(ctx, req.SessionID, storage.EventErrorAgent, &storage.ErrorPayload{
				Message:     err.Error(),
				Reason:      "round_limit",
				Recoverable: true,
			})
			r.finishTurn(ctx, req, TurnFailed, "", err)
			return nil, err
		}

		status.set(PhaseStreaming)
		round, err := r.streamRound(ctx, req)
		if err != nil {
			if cancelled(ctx) {
				return r.finishAborted(ctx, req, res), nil
			}
			if provider.IsRetryable(err) && !retried {
				retried = true
				r.appendError(ctx, req.SessionID, storage.EventErrorProvider, providerErrorPayload(err, true))
				r.log.Warn().Err(err).Str("session", req.SessionID).Msg("transient provider failure, retrying")
				if !sleepCtx(ctx, r.cfg.RetryDelay) {
					return r.finishAborted(ctx, req, res), nil
				}
				res.Rounds--
				continue
			}
			r.appendError(ctx, req.SessionID, storage.EventErrorProvider, providerErrorPayload(err, false))
			r.finishTurn(ctx, req, TurnFailed, "", err)
			return nil, fmt.Errorf("provider stream: %w", err)
		}

		if round.stop == provider.StopToolUse && len(round.calls) > 0 {
			status.set(PhaseTools)
			stop, err := r.executeTools(ctx, req, round.eventID, round.calls)
			if err != nil {
				if cancelled(ctx) {
					return r.finishAborted(ctx, req, res), nil
				}
				r.finishTurn(ctx, req, TurnFailed, "", err)
				return nil, err
			}
			res.ToolCalls += len(round.calls)
			if cancelled(ctx) {
				return r.finishAborted(ctx, req, res), nil
			}
			if stop {
				res.StoppedByTool = true
				res.StopReason = round.stop
				res.Text = round.text
				break
			}
			continue
		}

		res.StopReason = round.stop
		res.Text = round.text
		break
	}

	r.finishTurn(ctx, req, TurnCompleted, res.StopReason, nil)
	return res, nil
}

// preflight vets the prompt, admits the turn into the context window, and
// records the turn opening. Hooks run before anything durable happens so a
// vetoed prompt leaves no partial turn in the log.
func (r *Runner) preflight(ctx context.Context, req *TurnRequest, status *Status) error {
	prompt := req.Prompt
	if r.hooks != nil {
		out := r.hooks.RunUserPromptSubmit(ctx, req.SessionID, prompt)
		if out.Blocked {
			return fmt.Errorf("%w: %s", ErrPromptBlocked, out.Reason)
		}
		if v, ok := out.Modifications["content"].(string); ok && v != "" {
			prompt = v
		}
	}

	estimate := req.MaxTokens
	if estimate <= 0 {
		estimate = r.cfg.ResponseBudget
	}
	adm := req.Manager.CanAcceptTurn(estimate)
	if adm.NeedsCompaction && r.cfg.AutoCompact {
		status.set(PhaseCompacting)
		if _, err := r.Compact(ctx, req.SessionID, req.Manager); err != nil {
			r.log.Warn().Err(err).Str("session", req.SessionID).Msg("automatic compaction did not run")
		}
		adm = req.Manager.CanAcceptTurn(estimate)
		status.set(PhasePreflight)
	}
	if !adm.CanProceed {
		return fmt.Errorf("%w: %s", ErrContextExceeded, adm.Reason)
	}

	if _, err := r.append(ctx, req.SessionID, storage.EventStreamTurnStart, &storage.TurnMarkerPayload{
		Turn:   req.Turn,
		Prompt: prompt,
	}, ""); err != nil {
		return err
	}
	ev, err := r.append(ctx, req.SessionID, storage.EventMessageUser, &storage.MessageUserPayload{Content: prompt}, "")
	if err != nil {
		return err
	}
	req.Manager.AppendUser(prompt, ev.ID)
	req.Prompt = prompt

	r.pub.Publish(req.SessionID, EventAgentTurn, TurnEvent{Turn: req.Turn, Status: TurnStarted})
	return nil
}

// Compact runs a hook-vetted compaction and broadcasts the outcome. The
// preflight path uses it for automatic compaction; the RPC surface reuses
// it for explicit context.confirmCompaction calls.
func (r *Runner) Compact(ctx context.Context, sessionID string, mgr *agentctx.Manager) (*agentctx.CompactionResult, error) {
	preview, err := mgr.PreviewCompaction()
	if err != nil {
		return nil, err
	}
	if r.hooks != nil {
		out := r.hooks.RunPreCompact(ctx, sessionID, &hooks.CompactContext{
			TokensBefore:    preview.TokensBefore,
			TokensAfter:     preview.TokensAfter,
			MessagesRemoved: preview.MessagesToCompact,
		})
		if out.Blocked {
			return nil, fmt.Errorf("%w: %s", ErrCompactionBlocked, out.Reason)
		}
	}
	result, err := mgr.ConfirmCompaction(ctx)
	if err != nil {
		return nil, err
	}
	r.pub.Publish(sessionID, EventAgentCompaction, CompactionEvent{
		TokensBefore:     result.TokensBefore,
		TokensAfter:      result.TokensAfter,
		CompressionRatio: result.CompressionRatio,
		MessagesRemoved:  result.MessagesRemoved,
		SummaryEventID:   result.SummaryEventID,
	})
	return result, nil
}

// streamRound performs one provider call: it forwards deltas to the log and
// the publisher while accumulating the assistant message, then finalizes the
// message event and folds usage through the token normalizer.
func (r *Runner) streamRound(ctx context.Context, req *TurnRequest) (*roundResult, error) {
	provReq := provider.Request{
		Model:       req.Model,
		System:      req.System,
		Messages:    agentctx.ToProvider(req.Manager.Messages()),
		Tools:       r.tools.Specs(),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	stream, err := req.Provider.Stream(ctx, provReq)
	if err != nil {
		return nil, err
	}

	acc := newAccumulator()
	textIdx, thinkIdx := 0, 0
	for chunk := range stream {
		if cancelled(ctx) {
			return nil, context.Cause(ctx)
		}
		switch chunk.Type {
		case provider.ChunkTextDelta:
			acc.consume(chunk)
			if _, err := r.append(ctx, req.SessionID, storage.EventStreamTextDelta, &storage.StreamDeltaPayload{
				Turn:  req.Turn,
				Index: textIdx,
				Delta: chunk.Text,
			}, ""); err != nil {
				return nil, err
			}
			textIdx++
			r.pub.Publish(req.SessionID, EventAgentTextDelta, DeltaEvent{Turn: req.Turn, Delta: chunk.Text})
		case provider.ChunkThinkingDelta:
			acc.consume(chunk)
			if _, err := r.append(ctx, req.SessionID, storage.EventStreamThinkingDelta, &storage.StreamDeltaPayload{
				Turn:  req.Turn,
				Index: thinkIdx,
				Delta: chunk.Thinking,
			}, ""); err != nil {
				return nil, err
			}
			thinkIdx++
			r.pub.Publish(req.SessionID, EventAgentThinkingDelta, DeltaEvent{Turn: req.Turn, Delta: chunk.Thinking})
		case provider.ChunkError:
			return nil, chunk.Err
		default:
			acc.consume(chunk)
		}
	}
	if cancelled(ctx) {
		return nil, context.Cause(ctx)
	}
	if !acc.done {
		return nil, provider.NewError(req.Provider.Name(), provider.ErrCodeUnknown, "stream ended without a done chunk")
	}

	calls := acc.toolCalls()
	payload := &storage.MessageAssistantPayload{
		Blocks:     acc.assistantBlocks(),
		Usage:      usageRecord(req.Provider.Name(), acc.usage),
		StopReason: acc.finalStop(),
		Model:      req.Model,
	}
	ev, err := r.append(ctx, req.SessionID, storage.EventMessageAssistant, payload, "")
	if err != nil {
		return nil, err
	}
	req.Manager.AppendAssistant(agentctx.Message{
		Role:      agentctx.RoleAssistant,
		Content:   acc.textString(),
		Thinking:  acc.thinkingString(),
		ToolCalls: calls,
		EventID:   ev.ID,
	})

	if req.Tokens != nil && acc.usage != nil {
		rec := req.Tokens.Observe(tokens.ObservedAt(
			req.Provider.Name(),
			acc.usage.InputTokens,
			acc.usage.OutputTokens,
			acc.usage.CacheReadTokens,
			acc.usage.CacheCreationTokens,
			time.Now(),
		))
		req.Manager.ObserveWindow(rec.Computed.ContextWindowTokens)
	}

	return &roundResult{
		eventID: ev.ID,
		text:    acc.textString(),
		calls:   calls,
		stop:    acc.finalStop(),
	}, nil
}

// finishTurn closes the turn bracket and broadcasts the outcome.
func (r *Runner) finishTurn(ctx context.Context, req *TurnRequest, turnStatus, stopReason string, cause error) {
	if _, err := r.append(ctx, req.SessionID, storage.EventStreamTurnEnd, &storage.TurnMarkerPayload{Turn: req.Turn}, ""); err != nil {
		r.log.Error().Err(err).Str("session", req.SessionID).Msg("turn end marker not recorded")
	}
	ev := TurnEvent{Turn: req.Turn, Status: turnStatus, StopReason: stopReason}
	if cause != nil {
		ev.Error = cause.Error()
	}
	r.pub.Publish(req.SessionID, EventAgentTurn, ev)
}

// finishAborted records the cooperative cancellation and closes the turn.
func (r *Runner) finishAborted(ctx context.Context, req *TurnRequest, res *TurnResult) *TurnResult {
	reason := "cancelled"
	if errors.Is(context.Cause(ctx), ErrAborted) {
		reason = "aborted"
	}
	r.appendError(ctx, req.SessionID, storage.EventErrorAgent, &storage.ErrorPayload{
		Message:     "turn " + reason,
		Reason:      reason,
		Recoverable: true,
	})
	r.finishTurn(ctx, req, TurnAborted, "", nil)
	res.Aborted = true
	res.StopReason = reason
	return res
}

// append writes one event. The write itself is detached from the turn
// context: cancellation is honoured at suspension points, never half-way
// through recording something that already happened.
func (r *Runner) append(ctx context.Context, sessionID string, typ storage.EventType, payload any, parentID string) (*storage.Event, error) {
	ev, err := r.store.Append(context.WithoutCancel(ctx), storage.AppendRequest{
		SessionID: sessionID,
		Type:      typ,
		Payload:   payload,
		ParentID:  parentID,
	})
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", typ, err)
	}
	return ev, nil
}

// appendError writes an error event, logging rather than failing when even
// that write is impossible.
func (r *Runner) appendError(ctx context.Context, sessionID string, typ storage.EventType, payload *storage.ErrorPayload) {
	if _, err := r.append(ctx, sessionID, typ, payload, ""); err != nil {
		r.log.Error().Err(err).Str("session", sessionID).Str("type", string(typ)).Msg("error event not recorded")
	}
}

func providerErrorPayload(err error, retrying bool) *storage.ErrorPayload {
	p := &storage.ErrorPayload{
		Message:     err.Error(),
		Reason:      "provider_error",
		Recoverable: retrying,
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		p.Reason = string(pe.Code)
		p.Provider = pe.Provider
	}
	return p
}

func usageRecord(providerName string, u *provider.Usage) storage.UsageRecord {
	if u == nil {
		return storage.UsageRecord{Provider: providerName}
	}
	return storage.UsageRecord{
		Provider:            providerName,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
	}
}

// cancelled reports whether the turn context is done.
func cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

// sleepCtx waits for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
