// Package memory persists long-lived recall entries alongside the event
// log and retrieves them with BM25 relevance scoring. Entries outlive the
// sessions that wrote them; handoff entries in particular let a successor
// session pick up where a compacted or closed session left off.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"loom/internal/runner"
	"loom/internal/storage"
	"loom/pkg/logger"
)

// Entry categories. Free-form values are allowed; these are the ones the
// server itself writes.
const (
	CategoryFact     = "fact"
	CategoryDecision = "decision"
	CategoryHandoff  = "handoff"
	CategoryOther    = "other"
)

// ErrEntryNotFound is returned when looking up an unknown entry.
var ErrEntryNotFound = errors.New("memory entry not found")

// ErrEmptyContent is returned when storing an entry with no content.
var ErrEmptyContent = errors.New("memory entry has no content")

// Entry is one stored memory.
type Entry struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Source     string    `json:"source,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	Category   string    `json:"category"`
	Importance float64   `json:"importance"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ScoredEntry is a search hit with its BM25 relevance.
type ScoredEntry struct {
	Entry
	Score float64 `json:"score"`
}

// SearchOptions narrow a Search call. Zero values fall back to the
// store's defaults.
type SearchOptions struct {
	TopK     int     `json:"topK,omitempty"`
	MinScore float64 `json:"minScore,omitempty"`
	Category string  `json:"category,omitempty"`
}

// Store reads and writes the memories table. Safe for concurrent use.
type Store struct {
	db          *storage.DB
	scorer      *Scorer
	pub         runner.Publisher
	log         zerolog.Logger
	defaultTopK int
	minScore    float64
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithPublisher fans memory.stored events out to RPC subscribers.
func WithPublisher(pub runner.Publisher) StoreOption {
	return func(s *Store) { s.pub = pub }
}

// WithScorerParams overrides the BM25 tuning parameters.
func WithScorerParams(p BM25Params) StoreOption {
	return func(s *Store) { s.scorer = NewScorer(s.db, p) }
}

// WithDefaultTopK sets the result count used when SearchOptions.TopK is 0.
func WithDefaultTopK(k int) StoreOption {
	return func(s *Store) {
		if k > 0 {
			s.defaultTopK = k
		}
	}
}

// WithMinScore sets the relevance floor used when SearchOptions.MinScore
// is 0.
func WithMinScore(min float64) StoreOption {
	return func(s *Store) {
		if min > 0 {
			s.minScore = min
		}
	}
}

// NewStore builds a Store over the shared database.
func NewStore(db *storage.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:          db,
		scorer:      NewScorer(db, BM25Params{}),
		pub:         runner.NopPublisher{},
		log:         *logger.Component("memory"),
		defaultTopK: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddEntry stores one memory. Missing fields get defaults: category
// "other", importance 0.7, created-at now. The stored entry is returned
// and a memory.stored event is published.
func (s *Store) AddEntry(ctx context.Context, e Entry) (*Entry, error) {
	if strings.TrimSpace(e.Content) == "" {
		return nil, ErrEmptyContent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Category == "" {
		e.Category = CategoryOther
	}
	if e.Importance == 0 {
		e.Importance = 0.7
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, source, session_id, category, importance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Content, e.Source, nullable(e.SessionID), e.Category, e.Importance,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("store memory: %w", err)
	}
	s.scorer.Invalidate()

	s.pub.Publish(e.SessionID, string(storage.EventMemoryStored), &storage.MemoryStoredPayload{
		EntryID:  e.ID,
		Category: e.Category,
	})
	s.log.Debug().Str("entry", e.ID).Str("category", e.Category).Msg("memory stored")
	return &e, nil
}

// Get returns one entry by ID.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, source, session_id, category, importance, created_at
		FROM memories WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return e, err
}

// Delete removes one entry by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	s.scorer.Invalidate()
	return nil
}

// Search ranks entries against the query with BM25 and returns the top
// hits, best first. An empty query returns no results.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]ScoredEntry, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = s.defaultTopK
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = s.minScore
	}

	hits, err := s.scorer.Score(ctx, query, topK, opts.Category)
	if err != nil {
		return nil, err
	}

	out := make([]ScoredEntry, 0, len(hits))
	for _, h := range hits {
		if minScore > 0 && h.Score < minScore {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// GetHandoffs returns handoff entries newest-first. A non-empty sessionID
// restricts to that session's handoffs; successors typically pass their
// parent session's ID.
func (s *Store) GetHandoffs(ctx context.Context, sessionID string) ([]Entry, error) {
	q := `SELECT id, content, source, session_id, category, importance, created_at
		FROM memories WHERE category = ?`
	args := []any{CategoryHandoff}
	if sessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query handoffs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e         Entry
		sessionID sql.NullString
		createdAt string
	)
	if err := row.Scan(&e.ID, &e.Content, &e.Source, &sessionID, &e.Category, &e.Importance, &createdAt); err != nil {
		return nil, err
	}
	e.SessionID = sessionID.String
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse memory timestamp %q: %w", createdAt, err)
	}
	e.CreatedAt = ts
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
