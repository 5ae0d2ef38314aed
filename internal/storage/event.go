package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags an event variant. Every semantic change to a session is
// recorded as exactly one typed, immutable event.
type EventType string

// Session lifecycle.
const (
	EventSessionStart EventType = "session.start"
	EventSessionEnd   EventType = "session.end"
	EventSessionFork  EventType = "session.fork"
)

// Conversation.
const (
	EventMessageUser      EventType = "message.user"
	EventMessageAssistant EventType = "message.assistant"
	EventMessageSystem    EventType = "message.system"
	EventMessageDeleted   EventType = "message.deleted"
)

// Tools.
const (
	EventToolCall   EventType = "tool.call"
	EventToolResult EventType = "tool.result"
)

// Streaming reconstruction.
const (
	EventStreamTextDelta     EventType = "stream.text_delta"
	EventStreamThinkingDelta EventType = "stream.thinking_delta"
	EventStreamTurnStart     EventType = "stream.turn_start"
	EventStreamTurnEnd       EventType = "stream.turn_end"
)

// Configuration changes.
const (
	EventConfigModelSwitch    EventType = "config.model_switch"
	EventConfigPromptUpdate   EventType = "config.prompt_update"
	EventConfigReasoningLevel EventType = "config.reasoning_level"
)

// Compaction.
const (
	EventCompactBoundary EventType = "compact.boundary"
	EventCompactSummary  EventType = "compact.summary"
	EventContextCleared  EventType = "context.cleared"
)

// Worktree lifecycle.
const (
	EventWorktreeAcquired EventType = "worktree.acquired"
	EventWorktreeCommit   EventType = "worktree.commit"
	EventWorktreeReleased EventType = "worktree.released"
	EventWorktreeMerged   EventType = "worktree.merged"
)

// Hooks.
const (
	EventHookTriggered           EventType = "hook.triggered"
	EventHookCompleted           EventType = "hook.completed"
	EventHookBackgroundStarted   EventType = "hook.background_started"
	EventHookBackgroundCompleted EventType = "hook.background_completed"
)

// Errors.
const (
	EventErrorAgent    EventType = "error.agent"
	EventErrorTool     EventType = "error.tool"
	EventErrorProvider EventType = "error.provider"
)

// Subagents, skills, rules, todos, memory, files.
const (
	EventSubagentStarted   EventType = "subagent.started"
	EventSubagentCompleted EventType = "subagent.completed"
	EventSkillActivated    EventType = "skill.activated"
	EventSkillDeactivated  EventType = "skill.deactivated"
	EventRuleTriggered     EventType = "rule.triggered"
	EventTodoUpdated       EventType = "todo.updated"
	EventMemoryStored      EventType = "memory.stored"
	EventMemoryHandoff     EventType = "memory.handoff"
	EventFileRead          EventType = "file.read"
	EventFileWritten       EventType = "file.written"
)

// Event is the atom of durable state. Immutable after append.
type Event struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parentId,omitempty"`
	SessionID   string          `json:"sessionId"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        EventType       `json:"type"`
	Sequence    int64           `json:"sequence"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Checksum    string          `json:"checksum,omitempty"`
}

// IsMessage reports whether the event carries conversation content.
func (e *Event) IsMessage() bool {
	switch e.Type {
	case EventMessageUser, EventMessageAssistant, EventMessageSystem:
		return true
	}
	return false
}

// checksumOf hashes parentID together with the payload bytes. The parent link
// is part of the hash so a re-parented copy of an event is detectable.
func checksumOf(parentID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(parentID))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChecksum recomputes the event's checksum and compares. Events without
// a stored checksum pass.
func (e *Event) VerifyChecksum() error {
	if e.Checksum == "" {
		return nil
	}
	if got := checksumOf(e.ParentID, e.Payload); got != e.Checksum {
		return fmt.Errorf("%w: event %s", ErrChecksumMismatch, e.ID)
	}
	return nil
}

// --- payload records (one fixed shape per variant) ---

// ContentBlock is one piece of assistant output: a text block or a tool use.
type ContentBlock struct {
	Type     string          `json:"type"` // text | thinking | tool_use
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ToolUse  *ToolUseBlock   `json:"toolUse,omitempty"`
	Extra    json.RawMessage `json:"extra,omitempty"`
}

// ToolUseBlock identifies one tool invocation requested by the model.
type ToolUseBlock struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// UsageRecord is the provider's raw token accounting for one turn.
type UsageRecord struct {
	Provider            string `json:"provider"`
	InputTokens         int    `json:"inputTokens"`
	OutputTokens        int    `json:"outputTokens"`
	CacheReadTokens     int    `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int    `json:"cacheCreationTokens,omitempty"`
}

// SessionStartPayload roots a session.
type SessionStartPayload struct {
	Model            string `json:"model"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Title            string `json:"title,omitempty"`
}

// SessionEndPayload terminates a session.
type SessionEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

// SessionForkPayload roots a forked session; ParentID of the carrying event
// is the fork point in the origin session.
type SessionForkPayload struct {
	OriginSessionID string `json:"originSessionId"`
	ForkEventID     string `json:"forkEventId"`
	Name            string `json:"name,omitempty"`
}

// MessageUserPayload carries one user prompt.
type MessageUserPayload struct {
	Content string `json:"content"`
}

// MessageAssistantPayload is the finalized assistant message for one provider
// round: all text blocks, all tool uses, and the usage record.
type MessageAssistantPayload struct {
	Blocks     []ContentBlock `json:"blocks"`
	Usage      UsageRecord    `json:"usage"`
	StopReason string         `json:"stopReason,omitempty"`
	Model      string         `json:"model,omitempty"`
}

// MessageSystemPayload carries injected system content (e.g. a compaction
// summary placed back into the buffer).
type MessageSystemPayload struct {
	Content string `json:"content"`
	Origin  string `json:"origin,omitempty"` // e.g. "compaction"
}

// MessageDeletedPayload marks an earlier message as deleted. The target event
// remains in the log; projections hide it.
type MessageDeletedPayload struct {
	TargetID string `json:"targetId"`
	Mode     string `json:"mode,omitempty"` // soft | redact
}

// ToolCallPayload records one tool invocation start.
type ToolCallPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
}

// ToolResultPayload records one tool completion.
type ToolResultPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Content    json.RawMessage `json:"content"`
	IsError    bool            `json:"isError"`
	StopTurn   bool            `json:"stopTurn,omitempty"`
}

// StreamDeltaPayload is one streamed text or thinking fragment.
type StreamDeltaPayload struct {
	Turn  int    `json:"turn"`
	Index int    `json:"index"`
	Delta string `json:"delta"`
}

// TurnMarkerPayload brackets a turn in the log.
type TurnMarkerPayload struct {
	Turn   int    `json:"turn"`
	Prompt string `json:"prompt,omitempty"`
}

// ModelSwitchPayload records a model change; the next turn consults it.
type ModelSwitchPayload struct {
	FromModel    string `json:"fromModel"`
	ToModel      string `json:"toModel"`
	FromProvider string `json:"fromProvider,omitempty"`
	ToProvider   string `json:"toProvider,omitempty"`
}

// PromptUpdatePayload records a system-prompt change.
type PromptUpdatePayload struct {
	Prompt string `json:"prompt"`
}

// ReasoningLevelPayload records a reasoning-effort change.
type ReasoningLevelPayload struct {
	Level string `json:"level"`
}

// CompactBoundaryPayload marks the compacted range.
type CompactBoundaryPayload struct {
	FromEventID     string `json:"fromEventId"`
	ToEventID       string `json:"toEventId"`
	MessagesRemoved int    `json:"messagesRemoved"`
	TokensBefore    int    `json:"tokensBefore"`
	TokensAfter     int    `json:"tokensAfter"`
}

// CompactSummaryPayload carries the summary text for a boundary.
type CompactSummaryPayload struct {
	BoundaryEventID string `json:"boundaryEventId"`
	Summary         string `json:"summary"`
}

// ContextClearedPayload records an explicit buffer clear.
type ContextClearedPayload struct {
	MessagesRemoved int `json:"messagesRemoved"`
}

// ErrorPayload is shared by error.agent, error.tool and error.provider.
type ErrorPayload struct {
	Message     string `json:"message"`
	Reason      string `json:"reason,omitempty"`
	Recoverable bool   `json:"recoverable"`
	ToolCallID  string `json:"toolCallId,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

// HookLifecyclePayload is shared by the hook.* variants.
type HookLifecyclePayload struct {
	HookName string `json:"hookName"`
	HookType string `json:"hookType"`
	Phase    string `json:"phase,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"durationMs,omitempty"`
}

// SubagentPayload is shared by subagent.started/completed.
type SubagentPayload struct {
	SubagentID string `json:"subagentId"`
	Task       string `json:"task,omitempty"`
	Status     string `json:"status,omitempty"`
}

// SkillPayload is shared by skill.activated/deactivated.
type SkillPayload struct {
	SkillName string `json:"skillName"`
	Source    string `json:"source,omitempty"`
}

// RuleTriggeredPayload records a guardrail evaluation that fired.
type RuleTriggeredPayload struct {
	RuleName string `json:"ruleName"`
	ToolName string `json:"toolName"`
	Action   string `json:"action"` // block | warn
	Reason   string `json:"reason,omitempty"`
}

// MemoryStoredPayload records a memory write.
type MemoryStoredPayload struct {
	EntryID  string `json:"entryId"`
	Category string `json:"category,omitempty"`
}

// WorktreePayload is shared by the worktree.* variants.
type WorktreePayload struct {
	WorktreeID string `json:"worktreeId"`
	Branch     string `json:"branch,omitempty"`
	CommitSHA  string `json:"commitSha,omitempty"`
}

// payloadDecoders maps each event type to its payload constructor. Unknown
// types decode to a raw map so the log stays forward-compatible.
var payloadDecoders = map[EventType]func() any{
	EventSessionStart:          func() any { return &SessionStartPayload{} },
	EventSessionEnd:            func() any { return &SessionEndPayload{} },
	EventSessionFork:           func() any { return &SessionForkPayload{} },
	EventMessageUser:           func() any { return &MessageUserPayload{} },
	EventMessageAssistant:      func() any { return &MessageAssistantPayload{} },
	EventMessageSystem:         func() any { return &MessageSystemPayload{} },
	EventMessageDeleted:        func() any { return &MessageDeletedPayload{} },
	EventToolCall:              func() any { return &ToolCallPayload{} },
	EventToolResult:            func() any { return &ToolResultPayload{} },
	EventStreamTextDelta:       func() any { return &StreamDeltaPayload{} },
	EventStreamThinkingDelta:   func() any { return &StreamDeltaPayload{} },
	EventStreamTurnStart:       func() any { return &TurnMarkerPayload{} },
	EventStreamTurnEnd:         func() any { return &TurnMarkerPayload{} },
	EventConfigModelSwitch:     func() any { return &ModelSwitchPayload{} },
	EventConfigPromptUpdate:    func() any { return &PromptUpdatePayload{} },
	EventConfigReasoningLevel:  func() any { return &ReasoningLevelPayload{} },
	EventCompactBoundary:       func() any { return &CompactBoundaryPayload{} },
	EventCompactSummary:        func() any { return &CompactSummaryPayload{} },
	EventContextCleared:        func() any { return &ContextClearedPayload{} },
	EventErrorAgent:            func() any { return &ErrorPayload{} },
	EventErrorTool:             func() any { return &ErrorPayload{} },
	EventErrorProvider:         func() any { return &ErrorPayload{} },
	EventHookTriggered:         func() any { return &HookLifecyclePayload{} },
	EventHookCompleted:         func() any { return &HookLifecyclePayload{} },
	EventHookBackgroundStarted: func() any { return &HookLifecyclePayload{} },
	EventHookBackgroundCompleted: func() any {
		return &HookLifecyclePayload{}
	},
	EventSubagentStarted:   func() any { return &SubagentPayload{} },
	EventSubagentCompleted: func() any { return &SubagentPayload{} },
	EventSkillActivated:    func() any { return &SkillPayload{} },
	EventSkillDeactivated:  func() any { return &SkillPayload{} },
	EventRuleTriggered:     func() any { return &RuleTriggeredPayload{} },
	EventMemoryStored:      func() any { return &MemoryStoredPayload{} },
	EventMemoryHandoff:     func() any { return &MemoryStoredPayload{} },
	EventWorktreeAcquired:  func() any { return &WorktreePayload{} },
	EventWorktreeCommit:    func() any { return &WorktreePayload{} },
	EventWorktreeReleased:  func() any { return &WorktreePayload{} },
	EventWorktreeMerged:    func() any { return &WorktreePayload{} },
}

// DecodePayload deserializes an event payload into its registered record.
func DecodePayload(t EventType, blob json.RawMessage) (any, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	ctor, ok := payloadDecoders[t]
	if !ok {
		var m map[string]any
		if err := json.Unmarshal(blob, &m); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return m, nil
	}
	v := ctor()
	if err := json.Unmarshal(blob, v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return v, nil
}

// EncodePayload serializes a payload record for storage.
func EncodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
