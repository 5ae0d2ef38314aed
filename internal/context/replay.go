package context

import (
	"encoding/json"
	"fmt"

	"loom/internal/storage"
)

// Rebuild projects a message buffer from events in sequence order. For a
// forked session, pass the fork point's ancestors (from the origin) first,
// then the fork's own events. Non-message events that shape the buffer --
// deletions, clears, compactions -- are applied as they appear; everything
// else is skipped.
func Rebuild(events []*storage.Event) ([]Message, error) {
	var msgs []Message
	boundaries := make(map[string]*storage.CompactBoundaryPayload)

	for _, ev := range events {
		switch ev.Type {
		case storage.EventMessageUser:
			p, err := decodeAs[*storage.MessageUserPayload](ev)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, Message{Role: RoleUser, Content: p.Content, EventID: ev.ID})

		case storage.EventMessageAssistant:
			p, err := decodeAs[*storage.MessageAssistantPayload](ev)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, FromAssistantPayload(p, ev.ID))

		case storage.EventMessageSystem:
			p, err := decodeAs[*storage.MessageSystemPayload](ev)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, Message{
				Role:    RoleSystem,
				Content: p.Content,
				Summary: p.Origin == "compaction",
				EventID: ev.ID,
			})

		case storage.EventToolResult:
			p, err := decodeAs[*storage.ToolResultPayload](ev)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, Message{
				Role:       RoleTool,
				Content:    rawContent(p.Content),
				ToolCallID: p.ToolCallID,
				IsError:    p.IsError,
				EventID:    ev.ID,
			})

		case storage.EventMessageDeleted:
			p, err := decodeAs[*storage.MessageDeletedPayload](ev)
			if err != nil {
				return nil, err
			}
			msgs = removeByEventID(msgs, p.TargetID)

		case storage.EventContextCleared:
			msgs = pinnedOnly(msgs)

		case storage.EventCompactBoundary:
			p, err := decodeAs[*storage.CompactBoundaryPayload](ev)
			if err != nil {
				return nil, err
			}
			boundaries[ev.ID] = p

		case storage.EventCompactSummary:
			p, err := decodeAs[*storage.CompactSummaryPayload](ev)
			if err != nil {
				return nil, err
			}
			b := boundaries[p.BoundaryEventID]
			summary := Message{Role: RoleSystem, Content: p.Summary, Summary: true, EventID: ev.ID}
			msgs = applyCompaction(msgs, b, summary)
		}
	}
	return msgs, nil
}

// rawContent renders a tool result payload for the buffer. Plain-string
// content is stored JSON-encoded; structured content stays as JSON text.
func rawContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func decodeAs[T any](ev *storage.Event) (T, error) {
	var zero T
	v, err := storage.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return zero, fmt.Errorf("decode %s event %s: %w", ev.Type, ev.ID, err)
	}
	p, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("decode %s event %s: unexpected payload %T", ev.Type, ev.ID, v)
	}
	return p, nil
}

func removeByEventID(msgs []Message, eventID string) []Message {
	if eventID == "" {
		return msgs
	}
	for i := range msgs {
		if msgs[i].EventID == eventID {
			return append(msgs[:i], msgs[i+1:]...)
		}
	}
	return msgs
}

// pinnedOnly keeps original (non-summary) system prompts.
func pinnedOnly(msgs []Message) []Message {
	var kept []Message
	for i := range msgs {
		if msgs[i].Role == RoleSystem && !msgs[i].Summary {
			kept = append(kept, msgs[i])
		}
	}
	return kept
}

// applyCompaction replaces the boundary's range with the summary message,
// leaving pinned system prompts inside the range untouched.
func applyCompaction(msgs []Message, b *storage.CompactBoundaryPayload, summary Message) []Message {
	start, end := -1, -1
	if b != nil {
		for i := range msgs {
			if msgs[i].EventID == b.FromEventID {
				start = i
			}
			if msgs[i].EventID == b.ToEventID {
				end = i
			}
		}
	}
	if start < 0 || end < start {
		// Boundary targets are not in the projection; keep the summary as
		// leading context after any pinned prefix.
		at := 0
		for at < len(msgs) && msgs[at].Role == RoleSystem && !msgs[at].Summary {
			at++
		}
		out := make([]Message, 0, len(msgs)+1)
		out = append(out, msgs[:at]...)
		out = append(out, summary)
		out = append(out, msgs[at:]...)
		return out
	}

	out := make([]Message, 0, len(msgs))
	out = append(out, msgs[:start]...)
	out = append(out, summary)
	for i := start; i <= end; i++ {
		if msgs[i].Role == RoleSystem && !msgs[i].Summary {
			out = append(out, msgs[i])
		}
	}
	out = append(out, msgs[end+1:]...)
	return out
}
