package context

import (
	"encoding/json"
	"strings"
	"testing"

	"loom/internal/provider"
)

func TestExtractiveDeterminism(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "how do I rotate the api key"},
		{Role: RoleAssistant, Content: "use the rotate endpoint and store the new key"},
	}
	e := NewExtractive()
	if e.Summarize(msgs) != e.Summarize(msgs) {
		t.Fatal("summary is not deterministic")
	}
}

func TestExtractiveEmpty(t *testing.T) {
	if got := NewExtractive().Summarize(nil); got != "" {
		t.Fatalf("Summarize(nil) = %q, want empty", got)
	}
}

func TestExtractiveQuotesContent(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "investigate the deadlock in the scheduler"},
		{Role: RoleAssistant, Content: "the worker holds the lock across the channel send"},
	}
	got := NewExtractive().Summarize(msgs)

	if !strings.Contains(got, "2 messages") {
		t.Errorf("summary missing message count: %q", got)
	}
	if !strings.Contains(got, "deadlock") {
		t.Errorf("summary missing user topic: %q", got)
	}
	if !strings.Contains(got, "channel send") {
		t.Errorf("summary missing assistant topic: %q", got)
	}
}

func TestExtractiveHeadTail(t *testing.T) {
	long := strings.Repeat("alpha ", 100) + "MIDDLE " + strings.Repeat("omega ", 100)
	e := &Extractive{HeadRunes: 20, TailRunes: 20}
	got := e.Summarize([]Message{{Role: RoleUser, Content: long}})

	if strings.Contains(got, "MIDDLE") {
		t.Errorf("middle of a long message should be elided: %q", got)
	}
	if !strings.Contains(got, "alpha") || !strings.Contains(got, "omega") {
		t.Errorf("head and tail should survive: %q", got)
	}
	if !strings.Contains(got, "...") {
		t.Errorf("elision marker missing: %q", got)
	}
}

func TestExtractiveToolLines(t *testing.T) {
	msgs := []Message{
		{
			Role:    RoleAssistant,
			Content: "",
			ToolCalls: []provider.ToolCall{
				{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)},
				{ID: "c2", Name: "list_dir", Arguments: json.RawMessage(`{}`)},
			},
		},
		{Role: RoleTool, ToolCallID: "c1", Content: "file contents here", IsError: false},
		{Role: RoleTool, ToolCallID: "c2", Content: "permission denied", IsError: true},
	}
	got := NewExtractive().Summarize(msgs)

	if !strings.Contains(got, "read_file") || !strings.Contains(got, "list_dir") {
		t.Errorf("tool names missing: %q", got)
	}
	if !strings.Contains(got, "(ok)") {
		t.Errorf("successful tool result not labelled: %q", got)
	}
	if !strings.Contains(got, "(error)") {
		t.Errorf("failed tool result not labelled: %q", got)
	}
}
