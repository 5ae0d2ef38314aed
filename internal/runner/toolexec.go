package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"loom/internal/guardrails"
	"loom/internal/hooks"
	"loom/internal/provider"
	"loom/internal/storage"
)

type toolRun struct {
	stop bool
}

// executeTools runs the calls of one assistant message. Calls execute in
// declaration order; a run of consecutive calls whose tools declare
// themselves independent executes as one concurrent batch. Every tool.call
// and tool.result is parented to the assistant message event, so ordering
// inside a batch carries no meaning.
//
// The returned error is infrastructural (event append failure or
// cancellation); tool failures become error results the model sees.
func (r *Runner) executeTools(ctx context.Context, req *TurnRequest, parentID string, calls []provider.ToolCall) (bool, error) {
	stopTurn := false
	i := 0
	for i < len(calls) {
		if cancelled(ctx) {
			return stopTurn, context.Cause(ctx)
		}

		j := i + 1
		if r.cfg.Parallel && r.independent(calls[i].Name) {
			for j < len(calls) && r.independent(calls[j].Name) {
				j++
			}
		}
		batch := calls[i:j]

		// The batch's tool.call events land in declaration order before
		// anything executes; after an abort no further batch is recorded.
		for _, tc := range batch {
			if _, err := r.append(ctx, req.SessionID, storage.EventToolCall, &storage.ToolCallPayload{
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Arguments:  tc.Arguments,
			}, parentID); err != nil {
				return stopTurn, err
			}
		}

		if len(batch) == 1 {
			run, err := r.runTool(ctx, req, parentID, batch[0])
			if err != nil {
				return stopTurn, err
			}
			stopTurn = stopTurn || run.stop
		} else {
			runs := make([]*toolRun, len(batch))
			var g errgroup.Group
			for k := range batch {
				g.Go(func() error {
					run, err := r.runTool(ctx, req, parentID, batch[k])
					runs[k] = run
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return stopTurn, err
			}
			for _, run := range runs {
				if run != nil && run.stop {
					stopTurn = true
				}
			}
		}
		i = j
	}
	return stopTurn, nil
}

// independent reports whether a tool declared itself safe for concurrent
// execution.
func (r *Runner) independent(name string) bool {
	tool, ok := r.tools.Get(name)
	if !ok {
		return false
	}
	ind, ok := tool.(interface{ Independent() bool })
	return ok && ind.Independent()
}

// runTool vets and executes one call, then records its result. The result
// event is appended no matter what happened: hook blocks and guardrail
// blocks synthesize error results, invocation failures become error results
// plus an error.tool event, and an aborted context still records whatever
// the tool returned.
func (r *Runner) runTool(ctx context.Context, req *TurnRequest, parentID string, tc provider.ToolCall) (*toolRun, error) {
	var (
		content  string
		isError  bool
		stop     bool
		duration time.Duration
	)

	args, argsErr := decodeArgs(tc.Arguments)
	if argsErr != nil {
		content = fmt.Sprintf("invalid tool arguments: %v", argsErr)
		isError = true
	} else {
		blocked := false

		if r.hooks != nil {
			out := r.hooks.RunPreToolUse(ctx, req.SessionID, &hooks.ToolContext{ID: tc.ID, Name: tc.Name, Args: args})
			if out.Blocked {
				blocked = true
				isError = true
				content = out.Reason
				if content == "" {
					content = "blocked by pre-tool hook"
				}
			} else if out.Modified() {
				for k, v := range out.Modifications {
					args[k] = v
				}
			}
		}

		if !blocked && r.guards != nil {
			verdict := r.guards.Evaluate(&guardrails.Call{
				Tool:      tc.Name,
				Args:      args,
				SessionID: req.SessionID,
				Workspace: req.Workspace,
			})
			for _, hit := range verdict.Triggered {
				if _, err := r.append(ctx, req.SessionID, storage.EventRuleTriggered, &storage.RuleTriggeredPayload{
					RuleName: hit.Rule,
					ToolName: tc.Name,
					Action:   hit.Action,
					Reason:   hit.Reason,
				}, parentID); err != nil {
					return nil, err
				}
			}
			for _, warn := range verdict.Warnings {
				r.log.Warn().Str("tool", tc.Name).Str("session", req.SessionID).Msg(warn)
			}
			if verdict.Blocked {
				blocked = true
				isError = true
				content = verdict.Reason
			}
		}

		if !blocked {
			r.pub.Publish(req.SessionID, EventAgentToolStart, ToolStartEvent{
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Arguments:  string(tc.Arguments),
			})
			started := time.Now()
			result, err := r.invokeTool(ctx, tc.Name, args)
			duration = time.Since(started)
			if err != nil {
				content = err.Error()
				isError = true
				r.appendError(ctx, req.SessionID, storage.EventErrorTool, &storage.ErrorPayload{
					Message:     err.Error(),
					Reason:      "tool_error",
					Recoverable: true,
					ToolCallID:  tc.ID,
				})
			} else {
				content = result.Content
				isError = result.IsError
				stop = result.StopTurn
			}
		}
	}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		contentJSON = json.RawMessage(`""`)
	}
	ev, err := r.append(ctx, req.SessionID, storage.EventToolResult, &storage.ToolResultPayload{
		ToolCallID: tc.ID,
		Content:    contentJSON,
		IsError:    isError,
		StopTurn:   stop,
	}, parentID)
	if err != nil {
		return nil, err
	}
	req.Manager.AppendToolResult(tc.ID, content, isError, ev.ID)

	r.pub.Publish(req.SessionID, EventAgentToolResult, ToolResultEvent{
		ToolCallID: tc.ID,
		Name:       tc.Name,
		Content:    content,
		IsError:    isError,
		DurationMS: duration.Milliseconds(),
	})

	if r.hooks != nil {
		r.hooks.RunPostToolUse(ctx, req.SessionID, &hooks.ToolContext{
			ID:       tc.ID,
			Name:     tc.Name,
			Args:     args,
			Result:   content,
			IsError:  isError,
			Duration: duration,
		})
	}
	return &toolRun{stop: stop}, nil
}

// invokeTool resolves and executes one tool under its timeout, converting
// panics into errors so a misbehaving tool cannot take down the turn.
func (r *Runner) invokeTool(ctx context.Context, name string, args map[string]any) (result ToolResult, err error) {
	tool, ok := r.tools.Get(name)
	if !ok {
		return ToolResult{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	timeout := r.cfg.ToolTimeout
	if to, ok := tool.(interface{ Timeout() time.Duration }); ok && to.Timeout() > 0 {
		timeout = to.Timeout()
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, rec)
		}
	}()
	return tool.Execute(tctx, args)
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
