package provider

import "encoding/json"

// ChunkType identifies one streamed chunk variant.
type ChunkType string

const (
	ChunkStart         ChunkType = "start"
	ChunkTextStart     ChunkType = "text_start"
	ChunkTextDelta     ChunkType = "text_delta"
	ChunkTextEnd       ChunkType = "text_end"
	ChunkThinkingStart ChunkType = "thinking_start"
	ChunkThinkingDelta ChunkType = "thinking_delta"
	ChunkThinkingEnd   ChunkType = "thinking_end"
	ChunkToolCallStart ChunkType = "toolcall_start"
	ChunkToolCallDelta ChunkType = "toolcall_delta"
	ChunkToolCallEnd   ChunkType = "toolcall_end"
	ChunkDone          ChunkType = "done"
	ChunkError         ChunkType = "error"
)

// Stop reasons reported on the done chunk.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
	StopSequence  = "stop_sequence"
)

// Chunk is one element of a model response stream. Only the fields
// relevant to its Type are populated.
type Chunk struct {
	Type       ChunkType
	Text       string         // text_delta
	Thinking   string         // thinking_delta
	ToolCall   *ToolCallChunk // toolcall_start / toolcall_delta / toolcall_end
	Usage      *Usage         // done
	StopReason string         // done
	Err        error          // error
}

// ToolCallChunk carries incremental tool call data. ID and Name are set on
// toolcall_start; ArgsDelta accumulates across toolcall_delta chunks with
// the same Index.
type ToolCallChunk struct {
	Index     int
	ID        string
	Name      string
	ArgsDelta string
}

// Usage is the raw token accounting reported by a provider for one call.
// Cache fields stay zero for providers without prompt caching.
type Usage struct {
	InputTokens         int `json:"inputTokens"`
	OutputTokens        int `json:"outputTokens"`
	CacheReadTokens     int `json:"cacheReadTokens"`
	CacheCreationTokens int `json:"cacheCreationTokens"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation entry in provider-neutral form.
type Message struct {
	Role     string
	Content  string
	Thinking string

	// ToolCalls holds the tool_use blocks of an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string
	IsError    bool
}

// ToolCall is a fully accumulated tool invocation request.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSpec declares a tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Request is one streaming completion call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// ModelInfo describes one model a provider serves.
type ModelInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Provider        string `json:"provider"`
	ContextWindow   int    `json:"contextWindow"`
	MaxOutputTokens int    `json:"maxOutputTokens"`
}
