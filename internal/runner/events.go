package runner

// Publisher fans an RPC event out to subscribed clients. The gateway's hub
// implements it; tests use a recording stub. Publish must not block the
// caller on slow consumers.
type Publisher interface {
	Publish(sessionID, eventType string, data any)
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(string, string, any) {}

// RPC event types the pipeline emits while a turn runs.
const (
	EventAgentTurn          = "agent.turn"
	EventAgentTextDelta     = "agent.text_delta"
	EventAgentThinkingDelta = "agent.thinking_delta"
	EventAgentToolStart     = "agent.tool_start"
	EventAgentToolResult    = "agent.tool_result"
	EventAgentCompaction    = "agent.compaction"
)

// Turn statuses carried on agent.turn events.
const (
	TurnStarted   = "started"
	TurnCompleted = "completed"
	TurnFailed    = "failed"
	TurnAborted   = "aborted"
)

// TurnEvent is the payload of agent.turn.
type TurnEvent struct {
	Turn       int    `json:"turn"`
	Status     string `json:"status"`
	StopReason string `json:"stopReason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DeltaEvent is the payload of agent.text_delta and agent.thinking_delta.
type DeltaEvent struct {
	Turn  int    `json:"turn"`
	Delta string `json:"delta"`
}

// ToolStartEvent is the payload of agent.tool_start.
type ToolStartEvent struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments,omitempty"`
}

// ToolResultEvent is the payload of agent.tool_result.
type ToolResultEvent struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError"`
	DurationMS int64  `json:"durationMs"`
}

// CompactionEvent is the payload of agent.compaction.
type CompactionEvent struct {
	TokensBefore     int     `json:"tokensBefore"`
	TokensAfter      int     `json:"tokensAfter"`
	CompressionRatio float64 `json:"compressionRatio"`
	MessagesRemoved  int     `json:"messagesRemoved"`
	SummaryEventID   string  `json:"summaryEventId,omitempty"`
}
