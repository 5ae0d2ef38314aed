package runner

import (
	"encoding/json"
	"sort"
	"strings"

	"loom/internal/provider"
	"loom/internal/storage"
)

// accumulator assembles one provider round from its chunk stream: content
// blocks in arrival order, tool calls keyed by stream index with argument
// deltas concatenated, and the final usage/stop reason from the done chunk.
type accumulator struct {
	blocks []storage.ContentBlock

	text     strings.Builder
	thinking strings.Builder

	// calls accumulates incremental tool calls. Streaming providers send
	// arguments in several chunks sharing an Index; they must be joined
	// before decoding.
	calls map[int]*pendingCall
	order []int

	usage      *provider.Usage
	stopReason string
	done       bool
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func newAccumulator() *accumulator {
	return &accumulator{calls: make(map[int]*pendingCall)}
}

// consume folds one chunk into the accumulator. It returns false for chunk
// types it does not handle (done, error) so the caller keeps control of
// round termination.
func (a *accumulator) consume(c provider.Chunk) bool {
	switch c.Type {
	case provider.ChunkTextDelta:
		a.text.WriteString(c.Text)
		a.appendToLastBlock("text", c.Text)
	case provider.ChunkThinkingDelta:
		a.thinking.WriteString(c.Thinking)
		a.appendToLastBlock("thinking", c.Thinking)
	case provider.ChunkTextStart:
		a.blocks = append(a.blocks, storage.ContentBlock{Type: "text"})
	case provider.ChunkThinkingStart:
		a.blocks = append(a.blocks, storage.ContentBlock{Type: "thinking"})
	case provider.ChunkToolCallStart:
		if c.ToolCall != nil {
			a.startCall(c.ToolCall)
		}
	case provider.ChunkToolCallDelta:
		if c.ToolCall != nil {
			a.extendCall(c.ToolCall)
		}
	case provider.ChunkDone:
		a.usage = c.Usage
		a.stopReason = c.StopReason
		a.done = true
	case provider.ChunkStart, provider.ChunkTextEnd, provider.ChunkThinkingEnd, provider.ChunkToolCallEnd:
		// structural markers carry no content
	default:
		return false
	}
	return true
}

// appendToLastBlock extends the trailing block of the given type, opening
// one if the provider skipped the start marker.
func (a *accumulator) appendToLastBlock(typ, delta string) {
	if delta == "" {
		return
	}
	if n := len(a.blocks); n > 0 && a.blocks[n-1].Type == typ {
		if typ == "text" {
			a.blocks[n-1].Text += delta
		} else {
			a.blocks[n-1].Thinking += delta
		}
		return
	}
	b := storage.ContentBlock{Type: typ}
	if typ == "text" {
		b.Text = delta
	} else {
		b.Thinking = delta
	}
	a.blocks = append(a.blocks, b)
}

func (a *accumulator) startCall(tc *provider.ToolCallChunk) {
	call, ok := a.calls[tc.Index]
	if !ok {
		call = &pendingCall{}
		a.calls[tc.Index] = call
		a.order = append(a.order, tc.Index)
	}
	if tc.ID != "" {
		call.id = tc.ID
	}
	if tc.Name != "" {
		call.name = tc.Name
	}
	call.args.WriteString(tc.ArgsDelta)
}

func (a *accumulator) extendCall(tc *provider.ToolCallChunk) {
	call, ok := a.calls[tc.Index]
	if !ok {
		a.startCall(tc)
		return
	}
	call.args.WriteString(tc.ArgsDelta)
}

// toolCalls returns the fully accumulated calls in stream-index order.
func (a *accumulator) toolCalls() []provider.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	order := make([]int, len(a.order))
	copy(order, a.order)
	sort.Ints(order)

	out := make([]provider.ToolCall, 0, len(order))
	for _, idx := range order {
		call := a.calls[idx]
		out = append(out, provider.ToolCall{
			ID:        call.id,
			Name:      call.name,
			Arguments: normalizeArgs(call.args.String()),
		})
	}
	return out
}

// assistantBlocks renders the round as content blocks: text and thinking in
// arrival order, then one tool_use block per call.
func (a *accumulator) assistantBlocks() []storage.ContentBlock {
	blocks := make([]storage.ContentBlock, 0, len(a.blocks)+len(a.order))
	for _, b := range a.blocks {
		if b.Text == "" && b.Thinking == "" {
			continue
		}
		blocks = append(blocks, b)
	}
	for _, tc := range a.toolCalls() {
		blocks = append(blocks, storage.ContentBlock{
			Type: "tool_use",
			ToolUse: &storage.ToolUseBlock{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return blocks
}

func (a *accumulator) textString() string     { return a.text.String() }
func (a *accumulator) thinkingString() string { return a.thinking.String() }

// finalStop resolves the round's stop reason, correcting providers that
// request tools without reporting tool_use.
func (a *accumulator) finalStop() string {
	stop := a.stopReason
	if len(a.calls) > 0 && (stop == "" || stop == provider.StopEndTurn) {
		return provider.StopToolUse
	}
	if stop == "" {
		return provider.StopEndTurn
	}
	return stop
}

// normalizeArgs coerces accumulated argument text into valid JSON so event
// payloads always marshal. Empty arguments become an empty object; text
// that is not valid JSON is stored as a JSON string.
func normalizeArgs(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, err := json.Marshal(trimmed)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return quoted
}
