package context

import (
	"fmt"
	"strings"
)

// Summarizer condenses a compacted message range into summary text.
// The default is extractive and fully deterministic; a model-backed
// implementation can be injected in its place.
type Summarizer interface {
	Summarize(messages []Message) string
}

// Extractive summarizes by quoting head/tail excerpts of each message and
// naming the tools it invoked. No provider round-trip, same input always
// yields the same summary.
type Extractive struct {
	HeadRunes int
	TailRunes int
}

// NewExtractive returns an extractive summarizer with default excerpt sizes.
func NewExtractive() *Extractive {
	return &Extractive{HeadRunes: 100, TailRunes: 60}
}

// Summarize implements Summarizer.
func (e *Extractive) Summarize(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation summary (%d messages):\n", len(messages))
	for i := range messages {
		m := &messages[i]
		switch m.Role {
		case RoleUser:
			fmt.Fprintf(&b, "- user: %s\n", e.excerpt(m.Content))
		case RoleAssistant:
			line := e.excerpt(m.Content)
			if len(m.ToolCalls) > 0 {
				names := make([]string, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					names = append(names, tc.Name)
				}
				if line == "" {
					line = "(tool use)"
				}
				line += " [tools: " + strings.Join(names, ", ") + "]"
			}
			fmt.Fprintf(&b, "- assistant: %s\n", line)
		case RoleTool:
			status := "ok"
			if m.IsError {
				status = "error"
			}
			fmt.Fprintf(&b, "- tool result (%s): %s\n", status, e.excerpt(m.Content))
		case RoleSystem:
			fmt.Fprintf(&b, "- system: %s\n", e.excerpt(m.Content))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// excerpt keeps the head and tail of long content and collapses whitespace.
func (e *Extractive) excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	head, tail := e.HeadRunes, e.TailRunes
	if head <= 0 {
		head = 100
	}
	if tail <= 0 {
		tail = 60
	}
	if len(runes) <= head+tail+5 {
		return s
	}
	return string(runes[:head]) + " ... " + string(runes[len(runes)-tail:])
}
