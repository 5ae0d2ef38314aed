// Package context owns the in-memory conversation buffer of an active
// session: token accounting against the model window, compaction, and the
// projections the RPC surface reports.
package context

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loom/internal/storage"
)

// ThresholdState buckets window usage for clients.
type ThresholdState string

const (
	ThresholdNormal   ThresholdState = "normal"   // < 60%
	ThresholdElevated ThresholdState = "elevated" // >= 60%
	ThresholdCritical ThresholdState = "critical" // >= 75%
	ThresholdExceeded ThresholdState = "exceeded" // >= 100%
)

// Config controls buffer thresholds.
type Config struct {
	MaxTokens  int
	Threshold  float64 // compaction trigger as a fraction of MaxTokens
	KeepRecent int     // most recent messages kept out of a compaction
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{MaxTokens: 200000, Threshold: 0.75, KeepRecent: 10}
}

// EventAppender persists session events. *storage.DB satisfies it.
type EventAppender interface {
	Append(ctx context.Context, req storage.AppendRequest) (*storage.Event, error)
}

// Snapshot is the cheap usage projection.
type Snapshot struct {
	CurrentTokens  int            `json:"currentTokens"`
	MaxTokens      int            `json:"maxTokens"`
	UsagePercent   float64        `json:"usagePercent"`
	MessageCount   int            `json:"messageCount"`
	ThresholdState ThresholdState `json:"thresholdState"`
}

// MessageStat is one row of the detailed breakdown.
type MessageStat struct {
	Index   int    `json:"index"`
	Role    string `json:"role"`
	Tokens  int    `json:"tokens"`
	EventID string `json:"eventId,omitempty"`
	Summary bool   `json:"summary,omitempty"`
}

// DetailedSnapshot adds the per-message breakdown and compaction history.
type DetailedSnapshot struct {
	Snapshot
	Messages        []MessageStat      `json:"messages"`
	CompactionCount int                `json:"compactionCount"`
	History         []CompactionRecord `json:"history,omitempty"`
}

// CompactionRecord is one completed compaction.
type CompactionRecord struct {
	BoundaryEventID string    `json:"boundaryEventId"`
	SummaryEventID  string    `json:"summaryEventId"`
	MessagesRemoved int       `json:"messagesRemoved"`
	TokensBefore    int       `json:"tokensBefore"`
	TokensAfter     int       `json:"tokensAfter"`
	At              time.Time `json:"at"`
}

// CompactionPreview is the dry-run result. Previewing never mutates state.
type CompactionPreview struct {
	TokensBefore      int     `json:"tokensBefore"`
	TokensAfter       int     `json:"tokensAfter"`
	CompressionRatio  float64 `json:"compressionRatio"`
	MessagesToCompact int     `json:"messagesToCompact"`
}

// CompactionResult reports a confirmed compaction.
type CompactionResult struct {
	BoundaryEventID  string  `json:"boundaryEventId"`
	SummaryEventID   string  `json:"summaryEventId"`
	TokensBefore     int     `json:"tokensBefore"`
	TokensAfter      int     `json:"tokensAfter"`
	CompressionRatio float64 `json:"compressionRatio"`
	MessagesRemoved  int     `json:"messagesRemoved"`
}

// Admission is the CanAcceptTurn verdict.
type Admission struct {
	CanProceed      bool   `json:"canProceed"`
	NeedsCompaction bool   `json:"needsCompaction"`
	EstimatedTotal  int    `json:"estimatedTotal"`
	Reason          string `json:"reason,omitempty"`
}

// Manager owns one session's message buffer. All methods are safe for
// concurrent use; mutations during a turn are additionally serialized by
// the session's turn lock.
type Manager struct {
	mu         sync.Mutex
	sessionID  string
	cfg        Config
	store      EventAppender
	summarizer Summarizer

	messages []Message

	// windowTokens is the last authoritative context window size from a
	// token record; -1 until one arrives, estimation fills the gap.
	windowTokens int

	history []CompactionRecord
}

// NewManager creates a manager for one session.
func NewManager(sessionID string, cfg Config, store EventAppender) *Manager {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = DefaultConfig().KeepRecent
	}
	return &Manager{
		sessionID:    sessionID,
		cfg:          cfg,
		store:        store,
		summarizer:   NewExtractive(),
		windowTokens: -1,
	}
}

// SetSummarizer replaces the default extractive summarizer.
func (m *Manager) SetSummarizer(s Summarizer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s != nil {
		m.summarizer = s
	}
}

// SetMaxTokens adjusts the window limit, e.g. after a model switch.
func (m *Manager) SetMaxTokens(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.MaxTokens = n
}

// MaxTokens returns the current window limit.
func (m *Manager) MaxTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MaxTokens
}

// SetMessages replaces the buffer, e.g. after replaying a session's events.
func (m *Manager) SetMessages(msgs []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append([]Message(nil), msgs...)
}

// Messages returns a copy of the buffer.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// MessageCount returns the buffer length.
func (m *Manager) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// AppendUser adds a user prompt to the buffer.
func (m *Manager) AppendUser(content, eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Message{Role: RoleUser, Content: content, EventID: eventID})
}

// AppendAssistant adds a finalized assistant message.
func (m *Manager) AppendAssistant(msg Message) {
	msg.Role = RoleAssistant
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

// AppendToolResult adds one tool completion.
func (m *Manager) AppendToolResult(toolCallID, content string, isError bool, eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		IsError:    isError,
		EventID:    eventID,
	})
}

// AppendSystem adds an injected system message.
func (m *Manager) AppendSystem(content, eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Message{Role: RoleSystem, Content: content, EventID: eventID})
}

// RemoveMessage hides the message projected from eventID. It reports
// whether anything was removed.
func (m *Manager) RemoveMessage(eventID string) bool {
	if eventID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].EventID == eventID {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return true
		}
	}
	return false
}

// ObserveWindow records the authoritative context window size computed by
// the token normalizer after a provider call.
func (m *Manager) ObserveWindow(contextWindowTokens int) {
	if contextWindowTokens < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowTokens = contextWindowTokens
}

// CurrentTokens returns the authoritative window size when known, otherwise
// an estimate over the buffer.
func (m *Manager) CurrentTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTokensLocked()
}

func (m *Manager) currentTokensLocked() int {
	if m.windowTokens >= 0 {
		return m.windowTokens
	}
	return EstimateMessages(m.messages)
}

// Snapshot returns the usage projection.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	current := m.currentTokensLocked()
	percent := float64(current) / float64(m.cfg.MaxTokens) * 100
	if percent > 100 {
		percent = 100
	}
	return Snapshot{
		CurrentTokens:  current,
		MaxTokens:      m.cfg.MaxTokens,
		UsagePercent:   percent,
		MessageCount:   len(m.messages),
		ThresholdState: thresholdFor(current, m.cfg.MaxTokens),
	}
}

func thresholdFor(current, max int) ThresholdState {
	percent := float64(current) / float64(max) * 100
	switch {
	case percent >= 100:
		return ThresholdExceeded
	case percent >= 75:
		return ThresholdCritical
	case percent >= 60:
		return ThresholdElevated
	default:
		return ThresholdNormal
	}
}

// DetailedSnapshot adds per-message token estimates and the compaction
// history.
func (m *Manager) DetailedSnapshot() DetailedSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]MessageStat, len(m.messages))
	for i := range m.messages {
		stats[i] = MessageStat{
			Index:   i,
			Role:    m.messages[i].Role,
			Tokens:  m.messages[i].EstimateTokens(),
			EventID: m.messages[i].EventID,
			Summary: m.messages[i].Summary,
		}
	}
	history := make([]CompactionRecord, len(m.history))
	copy(history, m.history)

	return DetailedSnapshot{
		Snapshot:        m.snapshotLocked(),
		Messages:        stats,
		CompactionCount: len(m.history),
		History:         history,
	}
}

// ShouldCompact reports whether usage crossed the compaction threshold.
func (m *Manager) ShouldCompact() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.currentTokensLocked()
	return float64(current) >= float64(m.cfg.MaxTokens)*m.cfg.Threshold
}

// CanAcceptTurn admits or rejects a prospective turn given an estimate of
// the response size.
func (m *Manager) CanAcceptTurn(estimatedResponseTokens int) Admission {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.currentTokensLocked()
	total := current + estimatedResponseTokens
	adm := Admission{
		CanProceed:      total < m.cfg.MaxTokens,
		NeedsCompaction: float64(total) >= float64(m.cfg.MaxTokens)*m.cfg.Threshold,
		EstimatedTotal:  total,
	}
	if !adm.CanProceed {
		adm.Reason = fmt.Sprintf("context window exhausted: %d + %d >= %d",
			current, estimatedResponseTokens, m.cfg.MaxTokens)
	}
	return adm
}

// compactionPlan is a fully computed compaction, ready to apply.
type compactionPlan struct {
	compactIdx   []int // buffer indices to remove, ascending
	fromEventID  string
	toEventID    string
	summary      string
	tokensBefore int
	tokensAfter  int
	newMessages  []Message
	insertAt     int // index of the summary message in newMessages
}

// planLocked computes what a compaction would do. Returns nil when too few
// messages are eligible.
func (m *Manager) planLocked() *compactionPlan {
	// Original system prompts are pinned; everything else is eligible,
	// including summaries from earlier compactions.
	var eligible []int
	for i := range m.messages {
		if m.messages[i].Role == RoleSystem && !m.messages[i].Summary {
			continue
		}
		eligible = append(eligible, i)
	}
	if len(eligible) <= m.cfg.KeepRecent {
		return nil
	}

	cut := len(eligible) - m.cfg.KeepRecent
	// Never let the kept window start with an orphan tool result: its
	// tool_use assistant message would be on the compacted side.
	for cut < len(eligible) && m.messages[eligible[cut]].Role == RoleTool {
		cut++
	}
	if cut == 0 {
		return nil
	}
	compactIdx := eligible[:cut]

	var fromEventID, toEventID string
	for _, i := range compactIdx {
		if id := m.messages[i].EventID; id != "" {
			if fromEventID == "" {
				fromEventID = id
			}
			toEventID = id
		}
	}

	compacted := make([]Message, 0, len(compactIdx))
	for _, i := range compactIdx {
		compacted = append(compacted, m.messages[i])
	}
	summary := m.summarizer.Summarize(compacted)

	inCompact := make(map[int]bool, len(compactIdx))
	for _, i := range compactIdx {
		inCompact[i] = true
	}
	insertAt := -1
	newMessages := make([]Message, 0, len(m.messages)-len(compactIdx)+1)
	for i := range m.messages {
		if inCompact[i] {
			if insertAt == -1 {
				insertAt = len(newMessages)
				newMessages = append(newMessages, Message{
					Role:    RoleSystem,
					Content: summary,
					Summary: true,
				})
			}
			continue
		}
		newMessages = append(newMessages, m.messages[i])
	}

	return &compactionPlan{
		compactIdx:   compactIdx,
		fromEventID:  fromEventID,
		toEventID:    toEventID,
		summary:      summary,
		tokensBefore: m.currentTokensLocked(),
		tokensAfter:  EstimateMessages(newMessages),
		newMessages:  newMessages,
		insertAt:     insertAt,
	}
}

// PreviewCompaction computes the effect of a compaction without applying
// it. Safe to call repeatedly.
func (m *Manager) PreviewCompaction() (*CompactionPreview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan := m.planLocked()
	if plan == nil {
		return nil, ErrNothingToCompact
	}
	return &CompactionPreview{
		TokensBefore:      plan.tokensBefore,
		TokensAfter:       plan.tokensAfter,
		CompressionRatio:  ratio(plan.tokensAfter, plan.tokensBefore),
		MessagesToCompact: len(plan.compactIdx),
	}, nil
}

// ConfirmCompaction applies a compaction: exactly one compact.boundary and
// one compact.summary event are appended, then the buffer becomes the
// pinned system prompts, the summary message, and the kept recent messages.
func (m *Manager) ConfirmCompaction(ctx context.Context) (*CompactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan := m.planLocked()
	if plan == nil {
		return nil, ErrNothingToCompact
	}

	boundary, err := m.store.Append(ctx, storage.AppendRequest{
		SessionID: m.sessionID,
		Type:      storage.EventCompactBoundary,
		Payload: &storage.CompactBoundaryPayload{
			FromEventID:     plan.fromEventID,
			ToEventID:       plan.toEventID,
			MessagesRemoved: len(plan.compactIdx),
			TokensBefore:    plan.tokensBefore,
			TokensAfter:     plan.tokensAfter,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("append compact boundary: %w", err)
	}

	summaryEvt, err := m.store.Append(ctx, storage.AppendRequest{
		SessionID: m.sessionID,
		Type:      storage.EventCompactSummary,
		ParentID:  boundary.ID,
		Payload: &storage.CompactSummaryPayload{
			BoundaryEventID: boundary.ID,
			Summary:         plan.summary,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("append compact summary: %w", err)
	}

	if plan.insertAt >= 0 {
		plan.newMessages[plan.insertAt].EventID = summaryEvt.ID
	}
	m.messages = plan.newMessages
	m.windowTokens = plan.tokensAfter
	m.history = append(m.history, CompactionRecord{
		BoundaryEventID: boundary.ID,
		SummaryEventID:  summaryEvt.ID,
		MessagesRemoved: len(plan.compactIdx),
		TokensBefore:    plan.tokensBefore,
		TokensAfter:     plan.tokensAfter,
		At:              time.Now().UTC(),
	})

	return &CompactionResult{
		BoundaryEventID:  boundary.ID,
		SummaryEventID:   summaryEvt.ID,
		TokensBefore:     plan.tokensBefore,
		TokensAfter:      plan.tokensAfter,
		CompressionRatio: ratio(plan.tokensAfter, plan.tokensBefore),
		MessagesRemoved:  len(plan.compactIdx),
	}, nil
}

// Clear drops everything except pinned system prompts and appends a
// context.cleared event.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []Message
	for i := range m.messages {
		if m.messages[i].Role == RoleSystem && !m.messages[i].Summary {
			kept = append(kept, m.messages[i])
		}
	}
	removed := len(m.messages) - len(kept)

	if _, err := m.store.Append(ctx, storage.AppendRequest{
		SessionID: m.sessionID,
		Type:      storage.EventContextCleared,
		Payload:   &storage.ContextClearedPayload{MessagesRemoved: removed},
	}); err != nil {
		return fmt.Errorf("append context cleared: %w", err)
	}

	m.messages = kept
	m.windowTokens = EstimateMessages(kept)
	return nil
}

// CompactionCount returns how many compactions have run.
func (m *Manager) CompactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

func ratio(after, before int) float64 {
	if before <= 0 {
		return 0
	}
	return float64(after) / float64(before)
}
