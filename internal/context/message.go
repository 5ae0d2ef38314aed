package context

import (
	"strings"

	"loom/internal/provider"
	"loom/internal/storage"
	"loom/internal/tokens"
)

// Message roles mirror the provider roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// perMessageOverhead covers role tags and separators the provider adds
// around each message.
const perMessageOverhead = 4

// Message is one entry of the in-memory conversation buffer. EventID links
// it to the durable event it was projected from; synthetic entries (e.g.
// compaction summaries before they are persisted) leave it empty.
type Message struct {
	Role     string
	Content  string
	Thinking string

	// ToolCalls holds the tool_use requests of an assistant message.
	ToolCalls []provider.ToolCall

	// ToolCallID links a tool-result message to the call it answers.
	ToolCallID string
	IsError    bool

	// Summary marks a system message injected by compaction.
	Summary bool

	EventID string
}

// EstimateTokens approximates the provider-visible cost of one message.
func (m *Message) EstimateTokens() int {
	total := perMessageOverhead
	if m.Content != "" {
		total += tokens.Count(m.Content)
	}
	if m.Thinking != "" {
		total += tokens.Count(m.Thinking)
	}
	for _, tc := range m.ToolCalls {
		total += tokens.Count(tc.Name)
		total += tokens.Count(string(tc.Arguments))
	}
	return total
}

// EstimateMessages sums the estimates of a message slice.
func EstimateMessages(messages []Message) int {
	total := 0
	for i := range messages {
		total += messages[i].EstimateTokens()
	}
	return total
}

// ToProvider converts buffer messages to provider-neutral form.
func ToProvider(messages []Message) []provider.Message {
	out := make([]provider.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, provider.Message{
			Role:       m.Role,
			Content:    m.Content,
			Thinking:   m.Thinking,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			IsError:    m.IsError,
		})
	}
	return out
}

// FromAssistantPayload builds a buffer message from a persisted assistant
// message event.
func FromAssistantPayload(p *storage.MessageAssistantPayload, eventID string) Message {
	var text, thinking strings.Builder
	var calls []provider.ToolCall
	for _, b := range p.Blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "thinking":
			thinking.WriteString(b.Thinking)
		case "tool_use":
			if b.ToolUse != nil {
				calls = append(calls, provider.ToolCall{
					ID:        b.ToolUse.ID,
					Name:      b.ToolUse.Name,
					Arguments: b.ToolUse.Arguments,
				})
			}
		}
	}
	return Message{
		Role:      RoleAssistant,
		Content:   text.String(),
		Thinking:  thinking.String(),
		ToolCalls: calls,
		EventID:   eventID,
	}
}
