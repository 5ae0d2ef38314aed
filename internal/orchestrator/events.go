package orchestrator

// RPC event types published on lifecycle transitions. Turn progress events
// (agent.*) are published by the runner.
const (
	EventSessionCreated = "session.created"
	EventSessionEnded   = "session.ended"
	EventSessionForked  = "session.forked"
	EventModelSwitched  = "model.switched"
	EventContextCleared = "agent.context_cleared"
	EventMessageDeleted = "agent.message_deleted"

	// EventNew carries externally appended events to subscribers.
	EventNew = "event.new"
)

// SessionEvent is the payload of session.created and session.ended.
type SessionEvent struct {
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	Model       string `json:"model,omitempty"`
	Title       string `json:"title,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ForkEvent is the payload of session.forked.
type ForkEvent struct {
	SessionID       string `json:"sessionId"`
	OriginSessionID string `json:"originSessionId"`
	ForkEventID     string `json:"forkEventId"`
	Title           string `json:"title,omitempty"`
}

// ContextClearedEvent is the payload of agent.context_cleared.
type ContextClearedEvent struct {
	SessionID string `json:"sessionId"`
}

// MessageDeletedEvent is the payload of agent.message_deleted.
type MessageDeletedEvent struct {
	SessionID string `json:"sessionId"`
	EventID   string `json:"eventId"`
	Mode      string `json:"mode,omitempty"`
}
