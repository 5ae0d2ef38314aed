// Package hooks lets callers intercept agent lifecycle points. Blocking
// hooks run inline and may veto or modify the action; background hooks only
// observe. Handlers are plain Go functions or JavaScript files loaded from a
// script directory.
package hooks

import (
	"context"
	"time"
)

// Type identifies a lifecycle point.
type Type string

const (
	PreToolUse       Type = "PreToolUse"
	PostToolUse      Type = "PostToolUse"
	SessionStart     Type = "SessionStart"
	Stop             Type = "Stop"
	PreCompact       Type = "PreCompact"
	UserPromptSubmit Type = "UserPromptSubmit"
	Notification     Type = "Notification"
)

// AllTypes returns every supported hook type.
func AllTypes() []Type {
	return []Type{
		PreToolUse,
		PostToolUse,
		SessionStart,
		Stop,
		PreCompact,
		UserPromptSubmit,
		Notification,
	}
}

// IsValidType reports whether t is a supported hook type.
func IsValidType(t Type) bool {
	for _, known := range AllTypes() {
		if known == t {
			return true
		}
	}
	return false
}

// Mode selects how a handler runs relative to the triggering action.
type Mode string

const (
	// ModeBlocking handlers run inline; the action waits on their verdict.
	ModeBlocking Mode = "blocking"
	// ModeBackground handlers run detached after the blocking chain.
	ModeBackground Mode = "background"
)

// forcedBlocking lists the types whose handlers always run blocking: their
// verdicts gate the action, so a background registration would be meaningless.
var forcedBlocking = map[Type]bool{
	PreToolUse:       true,
	UserPromptSubmit: true,
	PreCompact:       true,
}

// ForcedBlocking reports whether t ignores ModeBackground registrations.
func ForcedBlocking(t Type) bool {
	return forcedBlocking[t]
}

// HandlerFunc is the signature for hook handlers. The engine cancels ctx when
// the handler's timeout elapses.
type HandlerFunc func(ctx context.Context, hc *Context) (*Result, error)

// FilterFunc decides whether a registration applies to a given invocation.
type FilterFunc func(hc *Context) bool

// Registration binds a handler to a hook type.
type Registration struct {
	Name     string        `json:"name"`
	Type     Type          `json:"type"`
	Handler  HandlerFunc   `json:"-"`
	Priority int           `json:"priority"` // higher runs earlier
	Filter   FilterFunc    `json:"-"`
	Timeout  time.Duration `json:"timeout,omitempty"` // 0 means engine default
	Mode     Mode          `json:"mode"`
	Source   string        `json:"source,omitempty"` // "builtin" or a script path
}

// Context is the payload handed to handlers. Sections are populated per type:
// Tool for PreToolUse/PostToolUse, Prompt for UserPromptSubmit, Compact for
// PreCompact. Data carries modifications between handlers in one chain.
type Context struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
	Tool      *ToolContext   `json:"tool,omitempty"`
	Prompt    *PromptContext `json:"prompt,omitempty"`
	Compact   *CompactContext `json:"compact,omitempty"`
	Note      string         `json:"note,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ToolContext describes the tool call being intercepted.
type ToolContext struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Args     map[string]any `json:"args,omitempty"`
	Result   string         `json:"result,omitempty"`  // PostToolUse only
	IsError  bool           `json:"isError,omitempty"` // PostToolUse only
	Duration time.Duration  `json:"duration,omitempty"`
}

// PromptContext carries the user prompt under submission.
type PromptContext struct {
	Content string `json:"content"`
}

// CompactContext carries the compaction plan about to be applied.
type CompactContext struct {
	TokensBefore    int `json:"tokensBefore"`
	TokensAfter     int `json:"tokensAfter"`
	MessagesRemoved int `json:"messagesRemoved"`
}

// NewContext builds a context for one trigger point.
func NewContext(t Type, sessionID string) *Context {
	return &Context{
		Type:      t,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      make(map[string]any),
	}
}

// WithTool attaches tool call details.
func (c *Context) WithTool(tc *ToolContext) *Context {
	c.Tool = tc
	return c
}

// WithPrompt attaches the submitted prompt.
func (c *Context) WithPrompt(content string) *Context {
	c.Prompt = &PromptContext{Content: content}
	return c
}

// WithCompact attaches the compaction plan.
func (c *Context) WithCompact(cc *CompactContext) *Context {
	c.Compact = cc
	return c
}

// SetData stores a value visible to subsequent handlers in the chain.
func (c *Context) SetData(key string, value any) {
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	c.Data[key] = value
}

// Decision is a handler's verdict on the intercepted action.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionModify   Decision = "modify"
	DecisionBlock    Decision = "block"
)

// Result is what a handler returns.
type Result struct {
	Decision      Decision       `json:"decision"`
	Modifications map[string]any `json:"modifications,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// Continue lets the chain proceed unchanged.
func Continue() *Result {
	return &Result{Decision: DecisionContinue}
}

// Modify proposes changes to the action; the caller applies the merged set.
func Modify(mods map[string]any) *Result {
	return &Result{Decision: DecisionModify, Modifications: mods}
}

// Block vetoes the action with a reason.
func Block(reason string) *Result {
	return &Result{Decision: DecisionBlock, Reason: reason}
}

// Outcome is the merged verdict of one trigger point, as seen by the caller.
type Outcome struct {
	Blocked       bool
	Reason        string
	Modifications map[string]any
}

// Modified reports whether any handler proposed modifications.
func (o *Outcome) Modified() bool {
	return len(o.Modifications) > 0
}
