package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeLayout is the stored timestamp format: ISO-8601 with millisecond
// precision, always UTC.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// AppendRequest describes one event to append. An empty ParentID means the
// session tip (latest event by sequence) becomes the parent.
type AppendRequest struct {
	SessionID string
	Type      EventType
	Payload   any
	ParentID  string
}

// EventQuery filters GetEventsBySession.
type EventQuery struct {
	Types         []EventType
	Limit         int
	BeforeEventID string
}

// SinceFilter filters GetEventsSince. AfterEventID implies the event's own
// session; AfterTimestamp composes with SessionID/WorkspaceID.
type SinceFilter struct {
	SessionID      string
	WorkspaceID    string
	AfterEventID   string
	AfterTimestamp time.Time
	Limit          int
}

// Append stores one event, assigning id, sequence, timestamp and checksum.
// Appends for the same session are serialized; distinct sessions proceed in
// parallel. A transient SQLite failure is retried once.
func (db *DB) Append(ctx context.Context, req AppendRequest) (*Event, error) {
	ev, err := db.appendOnce(ctx, req)
	if err != nil && isTransient(err) {
		ev, err = db.appendOnce(ctx, req)
	}
	return ev, err
}

func (db *DB) appendOnce(ctx context.Context, req AppendRequest) (*Event, error) {
	lock := db.sessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	payload, err := EncodePayload(req.Payload)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("allocate event id: %w", err)
	}

	var ev *Event
	err = db.WithTx(func(tx *Tx) error {
		var workspaceID string
		err := tx.QueryRowContext(ctx,
			"SELECT workspace_id FROM sessions WHERE id = ?", req.SessionID,
		).Scan(&workspaceID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		parentID := req.ParentID
		if parentID == "" {
			// Session tip. Every session has at least its root event.
			err = tx.QueryRowContext(ctx,
				"SELECT id FROM events WHERE session_id = ? ORDER BY sequence DESC LIMIT 1",
				req.SessionID,
			).Scan(&parentID)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: session %s has no root event", ErrEventNotFound, req.SessionID)
			}
			if err != nil {
				return err
			}
		} else {
			var exists int
			err = tx.QueryRowContext(ctx,
				"SELECT 1 FROM events WHERE id = ?", parentID,
			).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: parent %s", ErrEventNotFound, parentID)
			}
			if err != nil {
				return err
			}
		}

		var seq int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE session_id = ?",
			req.SessionID,
		).Scan(&seq); err != nil {
			return err
		}

		now := time.Now().UTC().Truncate(time.Millisecond)
		ev = &Event{
			ID:          id.String(),
			ParentID:    parentID,
			SessionID:   req.SessionID,
			WorkspaceID: workspaceID,
			Timestamp:   now,
			Type:        req.Type,
			Sequence:    seq,
			Payload:     payload,
			Checksum:    checksumOf(parentID, payload),
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, parent_id, session_id, workspace_id, timestamp, type, sequence, payload_blob, checksum)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, nullable(ev.ParentID), ev.SessionID, ev.WorkspaceID,
			now.Format(timeLayout), string(ev.Type), ev.Sequence, []byte(ev.Payload), ev.Checksum,
		); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET last_activity = ? WHERE id = ?",
			now.Format(timeLayout), req.SessionID,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// GetEvent fetches one event by id and verifies its checksum.
func (db *DB) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := db.QueryRowContext(ctx, selectEvent+" WHERE id = ?", id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := ev.VerifyChecksum(); err != nil {
		return nil, err
	}
	return ev, nil
}

// GetEventsBySession returns a session's events ordered by sequence
// ascending, optionally filtered by type, bounded by an exclusive
// BeforeEventID, and limited.
func (db *DB) GetEventsBySession(ctx context.Context, sessionID string, q EventQuery) ([]*Event, error) {
	if err := db.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	query := selectEvent + " WHERE session_id = ?"
	args := []any{sessionID}

	if q.BeforeEventID != "" {
		before, err := db.GetEvent(ctx, q.BeforeEventID)
		if err != nil {
			return nil, err
		}
		if before.SessionID != sessionID {
			return nil, fmt.Errorf("%w: %s not in session %s", ErrEventNotFound, q.BeforeEventID, sessionID)
		}
		query += " AND sequence < ?"
		args = append(args, before.Sequence)
	}

	if len(q.Types) > 0 {
		placeholders := make([]string, len(q.Types))
		for i, t := range q.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += " AND type IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query += " ORDER BY sequence ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	return db.queryEvents(ctx, query, args...)
}

// GetAncestors returns the root-to-event path following parentId, crossing
// fork boundaries into origin sessions.
func (db *DB) GetAncestors(ctx context.Context, eventID string) ([]*Event, error) {
	const query = `
		WITH RECURSIVE chain(id, parent_id, session_id, workspace_id, timestamp, type, sequence, payload_blob, checksum, depth) AS (
			SELECT e.id, e.parent_id, e.session_id, e.workspace_id, e.timestamp, e.type, e.sequence, e.payload_blob, e.checksum, 0
			FROM events e WHERE e.id = ?
			UNION ALL
			SELECT p.id, p.parent_id, p.session_id, p.workspace_id, p.timestamp, p.type, p.sequence, p.payload_blob, p.checksum, chain.depth + 1
			FROM events p JOIN chain ON p.id = chain.parent_id
		)
		SELECT id, parent_id, session_id, workspace_id, timestamp, type, sequence, payload_blob, checksum
		FROM chain ORDER BY depth DESC`

	events, err := db.queryEvents(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return events, nil
}

// GetEventsSince returns events after a cursor, for client delta sync.
func (db *DB) GetEventsSince(ctx context.Context, f SinceFilter) ([]*Event, error) {
	query := selectEvent + " WHERE 1=1"
	var args []any

	if f.AfterEventID != "" {
		after, err := db.GetEvent(ctx, f.AfterEventID)
		if err != nil {
			return nil, err
		}
		query += " AND session_id = ? AND sequence > ?"
		args = append(args, after.SessionID, after.Sequence)
	} else {
		if f.SessionID != "" {
			query += " AND session_id = ?"
			args = append(args, f.SessionID)
		}
		if !f.AfterTimestamp.IsZero() {
			query += " AND timestamp > ?"
			args = append(args, f.AfterTimestamp.UTC().Format(timeLayout))
		}
	}
	if f.WorkspaceID != "" {
		query += " AND workspace_id = ?"
		args = append(args, f.WorkspaceID)
	}

	query += " ORDER BY timestamp ASC, sequence ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return db.queryEvents(ctx, query, args...)
}

// DeleteMessage appends a message.deleted marker for the target event. The
// target stays in the log; projections hide it.
func (db *DB) DeleteMessage(ctx context.Context, eventID, mode string) (*Event, error) {
	target, err := db.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !target.IsMessage() {
		return nil, fmt.Errorf("event %s is %s, not a message", eventID, target.Type)
	}
	if mode == "" {
		mode = "soft"
	}
	return db.Append(ctx, AppendRequest{
		SessionID: target.SessionID,
		Type:      EventMessageDeleted,
		Payload:   MessageDeletedPayload{TargetID: eventID, Mode: mode},
	})
}

// DeletedTargets returns the set of message ids hidden in a session.
func (db *DB) DeletedTargets(ctx context.Context, sessionID string) (map[string]bool, error) {
	events, err := db.GetEventsBySession(ctx, sessionID, EventQuery{Types: []EventType{EventMessageDeleted}})
	if err != nil {
		return nil, err
	}
	deleted := make(map[string]bool, len(events))
	for _, ev := range events {
		var p MessageDeletedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		deleted[p.TargetID] = true
	}
	return deleted, nil
}

// --- internals ---

const selectEvent = `SELECT id, parent_id, session_id, workspace_id, timestamp, type, sequence, payload_blob, checksum FROM events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev        Event
		parentID  sql.NullString
		timestamp string
		payload   []byte
	)
	if err := row.Scan(&ev.ID, &parentID, &ev.SessionID, &ev.WorkspaceID,
		&timestamp, &ev.Type, &ev.Sequence, &payload, &ev.Checksum); err != nil {
		return nil, err
	}
	ev.ParentID = parentID.String

	ts, err := time.Parse(timeLayout, timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse event timestamp: %w", err)
	}
	ev.Timestamp = ts
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}

func (db *DB) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if err := ev.VerifyChecksum(); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (db *DB) requireSession(ctx context.Context, sessionID string) error {
	var one int
	err := db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isTransient reports whether an error looks like a retryable SQLite
// contention failure.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "busy")
}
