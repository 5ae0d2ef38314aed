package provider

import (
	"context"
	"sync"
	"time"
)

// Scripted is a provider that replays canned chunk scripts. Each Stream
// call consumes the next enqueued script in order. It backs tests and
// offline development; real provider bindings are wired by the host.
type Scripted struct {
	name   string
	models []ModelInfo
	delay  time.Duration

	mu      sync.Mutex
	scripts [][]Chunk
	reqs    []Request
}

// NewScripted returns a scripted provider serving the given models.
func NewScripted(name string, models ...ModelInfo) *Scripted {
	for i := range models {
		models[i].Provider = name
	}
	return &Scripted{name: name, models: models}
}

// WithDelay sets a pause emitted between chunks, useful for exercising
// mid-stream cancellation.
func (s *Scripted) WithDelay(d time.Duration) *Scripted {
	s.delay = d
	return s
}

// Enqueue adds one response script to the replay queue.
func (s *Scripted) Enqueue(chunks ...Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, chunks)
}

// Requests returns a copy of every request Stream has received.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.reqs))
	copy(out, s.reqs)
	return out
}

// Calls returns how many times Stream has been invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

// Name implements Provider.
func (s *Scripted) Name() string { return s.name }

// Models implements Provider.
func (s *Scripted) Models() []ModelInfo { return s.models }

// Stream implements Provider. It replays the next script, honouring ctx
// between chunks, and closes the channel after the last chunk.
func (s *Scripted) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	if len(s.scripts) == 0 {
		s.mu.Unlock()
		return nil, NewError(s.name, ErrCodeServiceUnavailable, "no scripted response queued")
	}
	script := s.scripts[0]
	s.scripts = s.scripts[1:]
	delay := s.delay
	s.mu.Unlock()

	out := make(chan Chunk, len(script))
	go func() {
		defer close(out)
		for _, c := range script {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			} else if ctx.Err() != nil {
				return
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// TextScript builds the chunk sequence of a plain text response ending
// with the given usage.
func TextScript(usage Usage, deltas ...string) []Chunk {
	chunks := []Chunk{{Type: ChunkStart}, {Type: ChunkTextStart}}
	for _, d := range deltas {
		chunks = append(chunks, Chunk{Type: ChunkTextDelta, Text: d})
	}
	chunks = append(chunks,
		Chunk{Type: ChunkTextEnd},
		Chunk{Type: ChunkDone, Usage: &usage, StopReason: StopEndTurn},
	)
	return chunks
}

// ToolCallScript builds the chunk sequence of a response requesting one
// tool call, optionally preceded by text deltas.
func ToolCallScript(usage Usage, id, name, args string, deltas ...string) []Chunk {
	chunks := []Chunk{{Type: ChunkStart}}
	if len(deltas) > 0 {
		chunks = append(chunks, Chunk{Type: ChunkTextStart})
		for _, d := range deltas {
			chunks = append(chunks, Chunk{Type: ChunkTextDelta, Text: d})
		}
		chunks = append(chunks, Chunk{Type: ChunkTextEnd})
	}
	chunks = append(chunks,
		Chunk{Type: ChunkToolCallStart, ToolCall: &ToolCallChunk{Index: 0, ID: id, Name: name}},
		Chunk{Type: ChunkToolCallDelta, ToolCall: &ToolCallChunk{Index: 0, ArgsDelta: args}},
		Chunk{Type: ChunkToolCallEnd, ToolCall: &ToolCallChunk{Index: 0}},
		Chunk{Type: ChunkDone, Usage: &usage, StopReason: StopToolUse},
	)
	return chunks
}

// ErrorScript builds a script that fails immediately with err.
func ErrorScript(err error) []Chunk {
	return []Chunk{{Type: ChunkStart}, {Type: ChunkError, Err: err}}
}
