package provider

import (
	"context"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var got []Chunk
	for c := range ch {
		got = append(got, c)
	}
	return got
}

func TestScriptedReplaysInOrder(t *testing.T) {
	p := NewScripted("scripted", ModelInfo{ID: "fixture-1"})
	p.Enqueue(TextScript(Usage{InputTokens: 5, OutputTokens: 2}, "hello ", "world")...)
	p.Enqueue(TextScript(Usage{InputTokens: 9, OutputTokens: 1}, "again")...)

	ch, err := p.Stream(context.Background(), Request{Model: "fixture-1"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	got := collect(t, ch)
	if got[0].Type != ChunkStart {
		t.Errorf("first chunk = %s, want start", got[0].Type)
	}
	last := got[len(got)-1]
	if last.Type != ChunkDone || last.StopReason != StopEndTurn {
		t.Errorf("last chunk = %+v, want done/end_turn", last)
	}
	if last.Usage.InputTokens != 5 {
		t.Errorf("usage input = %d, want 5", last.Usage.InputTokens)
	}

	var text string
	for _, c := range got {
		if c.Type == ChunkTextDelta {
			text += c.Text
		}
	}
	if text != "hello world" {
		t.Errorf("accumulated text = %q, want %q", text, "hello world")
	}

	ch2, err := p.Stream(context.Background(), Request{Model: "fixture-1"})
	if err != nil {
		t.Fatalf("second Stream() error = %v", err)
	}
	got2 := collect(t, ch2)
	if got2[len(got2)-1].Usage.InputTokens != 9 {
		t.Errorf("second call replayed wrong script")
	}

	if p.Calls() != 2 {
		t.Errorf("Calls() = %d, want 2", p.Calls())
	}
	if len(p.Requests()) != 2 {
		t.Errorf("Requests() len = %d, want 2", len(p.Requests()))
	}
}

func TestScriptedExhausted(t *testing.T) {
	p := NewScripted("scripted")
	if _, err := p.Stream(context.Background(), Request{}); err == nil {
		t.Fatal("Stream() with no scripts should fail")
	}
}

func TestScriptedCancellation(t *testing.T) {
	p := NewScripted("scripted").WithDelay(50 * time.Millisecond)
	p.Enqueue(TextScript(Usage{}, "a", "b", "c", "d", "e", "f")...)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Stream(ctx, Request{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	<-ch // first chunk
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // channel closed promptly after cancel
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

func TestToolCallScript(t *testing.T) {
	chunks := ToolCallScript(Usage{InputTokens: 3}, "call_1", "read_file", `{"path":"a.txt"}`)
	var start, delta, end, done bool
	for _, c := range chunks {
		switch c.Type {
		case ChunkToolCallStart:
			start = true
			if c.ToolCall.ID != "call_1" || c.ToolCall.Name != "read_file" {
				t.Errorf("toolcall_start = %+v", c.ToolCall)
			}
		case ChunkToolCallDelta:
			delta = true
			if c.ToolCall.ArgsDelta != `{"path":"a.txt"}` {
				t.Errorf("args delta = %q", c.ToolCall.ArgsDelta)
			}
		case ChunkToolCallEnd:
			end = true
		case ChunkDone:
			done = true
			if c.StopReason != StopToolUse {
				t.Errorf("stop reason = %s, want tool_use", c.StopReason)
			}
		}
	}
	if !start || !delta || !end || !done {
		t.Errorf("missing chunk kinds: start=%v delta=%v end=%v done=%v", start, delta, end, done)
	}
}
