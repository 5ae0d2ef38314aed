package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is the metadata row for one event chain. Derived fields
// (MessageCount, token totals, cost) are projections refreshed on mutation.
type Session struct {
	ID               string    `json:"id"`
	WorkspaceID      string    `json:"workspaceId"`
	WorkingDirectory string    `json:"workingDirectory,omitempty"`
	Model            string    `json:"model"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
	ParentSessionID  string    `json:"parentSessionId,omitempty"`
	IsActive         bool      `json:"isActive"`
	IsArchived       bool      `json:"isArchived"`
	Title            string    `json:"title,omitempty"`

	MessageCount      int     `json:"messageCount"`
	TotalInputTokens  int     `json:"totalInputTokens"`
	TotalOutputTokens int     `json:"totalOutputTokens"`
	TotalCostUSD      float64 `json:"totalCostUsd"`
}

// SessionMeta carries creation options.
type SessionMeta struct {
	WorkspaceID      string
	WorkingDirectory string
	Model            string
	Title            string
}

// ListFilter narrows ListSessions.
type ListFilter struct {
	WorkspaceID     string
	IncludeArchived bool
	Limit           int
}

// CreateSession atomically inserts the session row and its session.start
// root event.
func (db *DB) CreateSession(ctx context.Context, meta SessionMeta) (*Session, *Event, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	session := &Session{
		ID:               id,
		WorkspaceID:      meta.WorkspaceID,
		WorkingDirectory: meta.WorkingDirectory,
		Model:            meta.Model,
		CreatedAt:        now,
		LastActivity:     now,
		IsActive:         true,
		Title:            meta.Title,
	}

	var root *Event
	err := db.WithTx(func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, workspace_id, working_directory, model, created_at, last_activity, parent_session_id, is_active, is_archived, title)
			 VALUES (?, ?, ?, ?, ?, ?, NULL, 1, 0, ?)`,
			id, meta.WorkspaceID, meta.WorkingDirectory, meta.Model,
			now.Format(timeLayout), now.Format(timeLayout), meta.Title,
		); err != nil {
			return err
		}

		var err error
		root, err = insertRootEvent(ctx, tx, session, EventSessionStart, SessionStartPayload{
			Model:            meta.Model,
			WorkingDirectory: meta.WorkingDirectory,
			Title:            meta.Title,
		}, "")
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return session, root, nil
}

// Fork creates a new session rooted at fromEventID. The new session's first
// event carries ParentID = fromEventID, so ancestor walks cross into the
// origin lineage.
func (db *DB) Fork(ctx context.Context, fromEventID, name string) (*Session, *Event, error) {
	forkPoint, err := db.GetEvent(ctx, fromEventID)
	if err != nil {
		return nil, nil, err
	}

	origin, err := db.GetSession(ctx, forkPoint.SessionID)
	if err != nil {
		return nil, nil, err
	}

	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)
	title := name
	if title == "" {
		title = origin.Title
	}

	session := &Session{
		ID:               id,
		WorkspaceID:      origin.WorkspaceID,
		WorkingDirectory: origin.WorkingDirectory,
		Model:            origin.Model,
		CreatedAt:        now,
		LastActivity:     now,
		ParentSessionID:  origin.ID,
		IsActive:         true,
		Title:            title,
	}

	var root *Event
	err = db.WithTx(func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, workspace_id, working_directory, model, created_at, last_activity, parent_session_id, is_active, is_archived, title)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0, ?)`,
			id, session.WorkspaceID, session.WorkingDirectory, session.Model,
			now.Format(timeLayout), now.Format(timeLayout), origin.ID, title,
		); err != nil {
			return err
		}

		var err error
		root, err = insertRootEvent(ctx, tx, session, EventSessionFork, SessionForkPayload{
			OriginSessionID: origin.ID,
			ForkEventID:     fromEventID,
			Name:            name,
		}, fromEventID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return session, root, nil
}

// insertRootEvent writes a session's first event (sequence 1) inside the
// creation transaction.
func insertRootEvent(ctx context.Context, tx *Tx, s *Session, t EventType, payload any, parentID string) (*Event, error) {
	blob, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("allocate event id: %w", err)
	}

	ev := &Event{
		ID:          id.String(),
		ParentID:    parentID,
		SessionID:   s.ID,
		WorkspaceID: s.WorkspaceID,
		Timestamp:   s.CreatedAt,
		Type:        t,
		Sequence:    1,
		Payload:     blob,
		Checksum:    checksumOf(parentID, blob),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, parent_id, session_id, workspace_id, timestamp, type, sequence, payload_blob, checksum)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, nullable(parentID), ev.SessionID, ev.WorkspaceID,
		s.CreatedAt.Format(timeLayout), string(t), ev.Sequence, []byte(blob), ev.Checksum,
	)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// GetSession fetches one session row.
func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := db.QueryRowContext(ctx, selectSession+" WHERE id = ?", id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, err
}

// ListSessions lists sessions newest-activity-first.
func (db *DB) ListSessions(ctx context.Context, f ListFilter) ([]*Session, error) {
	query := selectSession + " WHERE 1=1"
	var args []any

	if f.WorkspaceID != "" {
		query += " AND workspace_id = ?"
		args = append(args, f.WorkspaceID)
	}
	if !f.IncludeArchived {
		query += " AND is_archived = 0"
	}
	query += " ORDER BY last_activity DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateSessionModel records the model now driving the session.
func (db *DB) UpdateSessionModel(ctx context.Context, id, model string) error {
	return db.updateSession(ctx, id, "model = ?", model)
}

// UpdateSessionTitle renames a session.
func (db *DB) UpdateSessionTitle(ctx context.Context, id, title string) error {
	return db.updateSession(ctx, id, "title = ?", title)
}

// SetSessionActive flips the in-memory-loaded flag.
func (db *DB) SetSessionActive(ctx context.Context, id string, active bool) error {
	return db.updateSession(ctx, id, "is_active = ?", active)
}

// SetArchived archives or unarchives a session.
func (db *DB) SetArchived(ctx context.Context, id string, archived bool) error {
	return db.updateSession(ctx, id, "is_archived = ?", archived)
}

// AddSessionUsage folds one turn's token usage into the session projections.
func (db *DB) AddSessionUsage(ctx context.Context, id string, inputTokens, outputTokens int, costUSD float64) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET
			total_input_tokens = total_input_tokens + ?,
			total_output_tokens = total_output_tokens + ?,
			total_cost_usd = total_cost_usd + ?,
			message_count = (
				SELECT COUNT(*) FROM events
				WHERE session_id = sessions.id
				  AND type IN ('message.user', 'message.assistant')
			)
		 WHERE id = ?`,
		inputTokens, outputTokens, costUSD, id,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, id)
}

// RefreshMessageCount recomputes the message projection after deletes.
func (db *DB) RefreshMessageCount(ctx context.Context, id string) error {
	deleted, err := db.DeletedTargets(ctx, id)
	if err != nil {
		return err
	}
	messages, err := db.GetEventsBySession(ctx, id, EventQuery{
		Types: []EventType{EventMessageUser, EventMessageAssistant},
	})
	if err != nil {
		return err
	}
	count := 0
	for _, ev := range messages {
		if !deleted[ev.ID] {
			count++
		}
	}
	return db.updateSession(ctx, id, "message_count = ?", count)
}

// DeleteSession removes a session and its events. Refused while other
// sessions fork from it, since their ancestor chains reach into this log.
func (db *DB) DeleteSession(ctx context.Context, id string) error {
	var forks int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE parent_session_id = ?", id,
	).Scan(&forks); err != nil {
		return err
	}
	if forks > 0 {
		return fmt.Errorf("%w: %s", ErrSessionHasForks, id)
	}

	return db.WithTx(func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE session_id = ?", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
		if err != nil {
			return err
		}
		return requireAffected(res, id)
	})
}

// --- internals ---

const selectSession = `SELECT id, workspace_id, COALESCE(working_directory, ''), COALESCE(model, ''),
	created_at, last_activity, COALESCE(parent_session_id, ''), is_active, is_archived, COALESCE(title, ''),
	message_count, total_input_tokens, total_output_tokens, total_cost_usd FROM sessions`

func scanSession(row rowScanner) (*Session, error) {
	var (
		s          Session
		createdAt  string
		lastActive string
	)
	if err := row.Scan(&s.ID, &s.WorkspaceID, &s.WorkingDirectory, &s.Model,
		&createdAt, &lastActive, &s.ParentSessionID, &s.IsActive, &s.IsArchived, &s.Title,
		&s.MessageCount, &s.TotalInputTokens, &s.TotalOutputTokens, &s.TotalCostUSD); err != nil {
		return nil, err
	}

	var err error
	if s.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if s.LastActivity, err = time.Parse(timeLayout, lastActive); err != nil {
		return nil, fmt.Errorf("parse last_activity: %w", err)
	}
	return &s, nil
}

func (db *DB) updateSession(ctx context.Context, id, set string, val any) error {
	res, err := db.ExecContext(ctx, "UPDATE sessions SET "+set+" WHERE id = ?", val, id)
	if err != nil {
		return err
	}
	return requireAffected(res, id)
}

func requireAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}
