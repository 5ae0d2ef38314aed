package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	agentctx "loom/internal/context"
	"loom/internal/gateway/rpc"
	"loom/internal/orchestrator"
	"loom/internal/provider"
	"loom/internal/runner"
	"loom/internal/storage"
	"loom/internal/tokens"
)

// TestSingleTurnAccounting runs one plain text turn on a provider that
// reports the whole window as input and checks the log and the usage
// projection line up.
func TestSingleTurnAccounting(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t, "gpt")

	env.openai.Enqueue(provider.TextScript(provider.Usage{InputTokens: 10, OutputTokens: 5}, "hello")...)
	env.prompt(t, sess.ID, "hi")
	env.waitSettled(t, sess.ID, 2)

	events := env.history(t, sess.ID)
	users := eventsOfType(events, storage.EventMessageUser)
	assistants := eventsOfType(events, storage.EventMessageAssistant)
	require.Len(t, users, 1)
	require.Len(t, assistants, 1)

	var msg storage.MessageAssistantPayload
	require.NoError(t, json.Unmarshal(assistants[0].Payload, &msg))
	require.Len(t, msg.Blocks, 1)
	assert.Equal(t, "hello", msg.Blocks[0].Text)
	assert.Equal(t, 10, msg.Usage.InputTokens)
	assert.Equal(t, 5, msg.Usage.OutputTokens)

	snap := env.snapshot(t, sess.ID)
	assert.Equal(t, 10, snap.CurrentTokens)
	assert.Equal(t, 128000, snap.MaxTokens)
	assert.InDelta(t, 10.0/128000*100, snap.UsagePercent, 1e-9)

	recs, err := env.orc.UsageHistory(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, tokens.MethodDirect, recs[0].Computed.CalculationMethod)
	assert.Equal(t, 10, recs[0].Computed.ContextWindowTokens)
	assert.Equal(t, 10, recs[0].Computed.NewInputTokens)
}

// TestAnthropicCacheAccounting checks cache-aware window arithmetic
// across two turns: the window is the sum of the input buckets and the
// new-input delta is measured against the previous baseline.
func TestAnthropicCacheAccounting(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t, "sonnet")

	env.anthropic.Enqueue(provider.TextScript(provider.Usage{InputTokens: 8500, OutputTokens: 120}, "warmed")...)
	env.prompt(t, sess.ID, "load the context")
	env.waitSettled(t, sess.ID, 2)
	require.Equal(t, 8500, env.snapshot(t, sess.ID).CurrentTokens)

	env.anthropic.Enqueue(provider.TextScript(provider.Usage{
		InputTokens:     604,
		OutputTokens:    150,
		CacheReadTokens: 8266,
	}, "cached")...)
	env.prompt(t, sess.ID, "again")
	env.waitSettled(t, sess.ID, 4)

	assert.Equal(t, 8870, env.snapshot(t, sess.ID).CurrentTokens)

	recs, err := env.orc.UsageHistory(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	last := recs[1]
	assert.Equal(t, 8870, last.Computed.ContextWindowTokens)
	assert.Equal(t, 370, last.Computed.NewInputTokens)
	assert.Equal(t, 8500, last.Computed.PreviousContextBaseline)
	assert.Equal(t, tokens.MethodAnthropicCacheAware, last.Computed.CalculationMethod)

	var st orchestrator.SessionState
	decode(t, env.call(t, "agent.getState", rpc.Params{"sessionId": sess.ID}), &st)
	assert.Equal(t, 8870, st.TokenWindow.CurrentSize)
	assert.Equal(t, 200000, st.TokenWindow.MaxSize)
}

// fillToCompactionRange runs three growing-window turns on the 10k
// model, leaving the session at 7800 tokens (78%), past the 75%
// compaction threshold, with six messages in the buffer.
func (env *testEnv) fillToCompactionRange(t *testing.T, sessionID string) {
	t.Helper()
	for i := 1; i <= 3; i++ {
		env.anthropic.Enqueue(provider.TextScript(provider.Usage{
			InputTokens:  2600 * i,
			OutputTokens: 40,
		}, fmt.Sprintf("filler %d", i))...)
		env.prompt(t, sessionID, "fill")
		env.waitSettled(t, sessionID, 2*i)
	}
}

func (env *testEnv) shouldCompact(t *testing.T, sessionID string) bool {
	t.Helper()
	var out struct {
		ShouldCompact bool `json:"shouldCompact"`
	}
	decode(t, env.call(t, "context.shouldCompact", rpc.Params{"sessionId": sessionID}), &out)
	return out.ShouldCompact
}

// TestCompactionLeavesOtherSessionsAlone compacts one of two equally
// full sessions and checks the other's window is untouched.
func TestCompactionLeavesOtherSessionsAlone(t *testing.T) {
	env := newTestEnv(t)
	a := env.createSession(t, "haiku")
	b := env.createSession(t, "haiku")

	env.fillToCompactionRange(t, a.ID)
	env.fillToCompactionRange(t, b.ID)

	require.Equal(t, 7800, env.snapshot(t, a.ID).CurrentTokens)
	require.Equal(t, 7800, env.snapshot(t, b.ID).CurrentTokens)
	require.True(t, env.shouldCompact(t, a.ID))
	require.True(t, env.shouldCompact(t, b.ID))

	var result agentctx.CompactionResult
	decode(t, env.call(t, "context.confirmCompaction", rpc.Params{"sessionId": a.ID}), &result)
	assert.Equal(t, 7800, result.TokensBefore)
	assert.Less(t, result.TokensAfter, result.TokensBefore)
	assert.Positive(t, result.MessagesRemoved)

	snapA := env.snapshot(t, a.ID)
	assert.Equal(t, result.TokensAfter, snapA.CurrentTokens)
	assert.False(t, env.shouldCompact(t, a.ID))

	// B is exactly where it was.
	assert.Equal(t, 7800, env.snapshot(t, b.ID).CurrentTokens)
	assert.True(t, env.shouldCompact(t, b.ID))
	assert.Empty(t, eventsOfType(env.history(t, b.ID), storage.EventCompactBoundary))
}

// TestConcurrentCompaction races two confirms on the same session. Both
// must succeed, and the log gains at most two boundary/summary pairs.
func TestConcurrentCompaction(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t, "haiku")
	env.fillToCompactionRange(t, sess.ID)

	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			resp := env.srv.Dispatcher().Dispatch(context.Background(), "e2e-conn", &rpc.Request{
				ID:     uuid.NewString(),
				Method: "context.confirmCompaction",
				Params: rpc.Params{"sessionId": sess.ID},
			})
			if !resp.Success {
				return fmt.Errorf("confirm failed: %s", resp.Error.Message)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	events := env.history(t, sess.ID)
	boundaries := eventsOfType(events, storage.EventCompactBoundary)
	summaries := eventsOfType(events, storage.EventCompactSummary)
	require.NotEmpty(t, boundaries)
	assert.LessOrEqual(t, len(boundaries), 2)
	assert.Len(t, summaries, len(boundaries))

	assert.Less(t, env.snapshot(t, sess.ID).UsagePercent, 30.0)
}

// TestForkFreezesAncestry forks at a tool result and checks the fork's
// ancestor chain stays frozen while the parent session moves on.
func TestForkFreezesAncestry(t *testing.T) {
	env := newTestEnv(t)
	env.tools.MustRegister(runner.NewFuncTool("lookup", "returns a canned status", nil,
		func(ctx context.Context, args map[string]any) (runner.ToolResult, error) {
			return runner.SuccessResult("ok"), nil
		}))

	sess := env.createSession(t, "sonnet")
	env.anthropic.Enqueue(provider.ToolCallScript(provider.Usage{InputTokens: 30, OutputTokens: 12}, "call-1", "lookup", `{}`)...)
	env.anthropic.Enqueue(provider.TextScript(provider.Usage{InputTokens: 60, OutputTokens: 9}, "done")...)
	env.prompt(t, sess.ID, "check status")
	env.waitSettled(t, sess.ID, 3)

	results := eventsOfType(env.history(t, sess.ID), storage.EventToolResult)
	require.Len(t, results, 1)
	forkPoint := results[0]

	var fork storage.Session
	decode(t, env.call(t, "session.fork", rpc.Params{"fromEventId": forkPoint.ID, "name": "frozen"}), &fork)
	require.NotEqual(t, sess.ID, fork.ID)
	assert.Equal(t, sess.ID, fork.ParentSessionID)

	forkEvents := env.history(t, fork.ID)
	require.Len(t, forkEvents, 1)
	root := forkEvents[0]
	assert.Equal(t, storage.EventSessionFork, root.Type)
	assert.Equal(t, forkPoint.ID, root.ParentID)

	ancestors, err := env.db.GetAncestors(context.Background(), root.ID)
	require.NoError(t, err)
	// Everything up to the fork point, and nothing past it: the
	// round-two assistant message landed after the tool result.
	assert.Len(t, eventsOfType(ancestors, storage.EventToolResult), 1)
	assert.Len(t, eventsOfType(ancestors, storage.EventMessageAssistant), 1)

	// The parent session keeps appending; the fork's ancestry must not
	// pick any of it up.
	env.call(t, "tool.result", rpc.Params{
		"sessionId":  sess.ID,
		"toolCallId": "call-1",
		"content":    "late arrival",
	})

	after, err := env.db.GetAncestors(context.Background(), root.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(ancestors))
	assert.Len(t, eventsOfType(after, storage.EventToolResult), 1)
}

// TestAbortMidStream cancels a turn while deltas are flowing and checks
// the log terminates with a recoverable error and nothing after it but
// the turn marker.
func TestAbortMidStream(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t, "sonnet")

	deltas := make([]string, 40)
	for i := range deltas {
		deltas[i] = "chunk "
	}
	env.anthropic.WithDelay(25 * time.Millisecond)
	env.anthropic.Enqueue(provider.TextScript(provider.Usage{InputTokens: 50, OutputTokens: 200}, deltas...)...)

	sock := dialWS(t, env.listen(t))
	env.prompt(t, sess.ID, "stream a lot")
	readEvent(t, sock, "agent.text_delta")

	var ack map[string]any
	decode(t, env.call(t, "agent.abort", rpc.Params{"sessionId": sess.ID}), &ack)
	assert.Equal(t, true, ack["aborted"])

	waitTurnStatus(t, sock, "aborted")
	env.waitIdle(t, sess.ID)

	events := env.history(t, sess.ID)
	errEvents := eventsOfType(events, storage.EventErrorAgent)
	require.Len(t, errEvents, 1)
	var perr storage.ErrorPayload
	require.NoError(t, json.Unmarshal(errEvents[0].Payload, &perr))
	assert.True(t, perr.Recoverable)
	assert.Equal(t, "aborted", perr.Reason)

	// The error is terminal: only the turn-end marker follows it, and
	// no tool call ever started.
	errIdx := -1
	for i, e := range events {
		if e.Type == storage.EventErrorAgent {
			errIdx = i
		}
	}
	for _, e := range events[errIdx+1:] {
		assert.Equal(t, storage.EventStreamTurnEnd, e.Type)
	}
	assert.Empty(t, eventsOfType(events, storage.EventToolCall))

	var st orchestrator.SessionState
	decode(t, env.call(t, "agent.getState", rpc.Params{"sessionId": sess.ID}), &st)
	assert.False(t, st.IsRunning)
}
