package cron

import (
	"context"
	"fmt"
	"time"

	"loom/internal/storage"
)

// RunStatus is the recorded outcome of one scheduled run. A run succeeds
// when the prompt enters the session's queue; the turn itself reports
// through agent events.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "success"
	RunFailed    RunStatus = "failed"
)

// Run is one execution record in cron_history.
type Run struct {
	ID         int64      `json:"id"`
	JobName    string     `json:"jobName"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Status     RunStatus  `json:"status"`
	Detail     string     `json:"detail,omitempty"`
}

// DefaultHistoryLimit bounds retained runs per job when the config leaves
// it unset.
const DefaultHistoryLimit = 100

// HistoryStore records job runs in the cron_history table, pruning old
// rows per job beyond the limit.
type HistoryStore struct {
	db    *storage.DB
	limit int
}

// NewHistoryStore creates a history store keeping at most limit runs per
// job.
func NewHistoryStore(db *storage.DB, limit int) *HistoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryStore{db: db, limit: limit}
}

// Begin records the start of a run and returns its row id.
func (s *HistoryStore) Begin(ctx context.Context, jobName string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_history (job_name, started_at, status) VALUES (?, ?, ?)`,
		jobName, time.Now().UTC().Format(timeLayout), string(RunRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return res.LastInsertId()
}

// Finish closes a run with its outcome and prunes old rows for the job.
func (s *HistoryStore) Finish(ctx context.Context, id int64, status RunStatus, detail string) error {
	var jobName string
	err := s.db.QueryRowContext(ctx,
		"SELECT job_name FROM cron_history WHERE id = ?", id,
	).Scan(&jobName)
	if err != nil {
		return fmt.Errorf("find run: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE cron_history SET finished_at = ?, status = ?, detail = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), string(status), nullable(detail), id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return s.prune(ctx, jobName)
}

// List returns runs for a job, newest first. Zero limit means the store's
// retention limit.
func (s *HistoryStore) List(ctx context.Context, jobName string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = s.limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_name, started_at, COALESCE(finished_at, ''), status, COALESCE(detail, '')
		 FROM cron_history WHERE job_name = ?
		 ORDER BY started_at DESC, id DESC LIMIT ?`,
		jobName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			run        Run
			startedAt  string
			finishedAt string
			status     string
		)
		if err := rows.Scan(&run.ID, &run.JobName, &startedAt, &finishedAt, &status, &run.Detail); err != nil {
			return nil, err
		}
		run.Status = RunStatus(status)
		if run.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if finishedAt != "" {
			t, err := time.Parse(timeLayout, finishedAt)
			if err != nil {
				return nil, fmt.Errorf("parse finished_at: %w", err)
			}
			run.FinishedAt = &t
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// prune drops a job's oldest rows beyond the retention limit.
func (s *HistoryStore) prune(ctx context.Context, jobName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cron_history WHERE job_name = ? AND id NOT IN (
			SELECT id FROM cron_history WHERE job_name = ?
			ORDER BY started_at DESC, id DESC LIMIT ?
		)`,
		jobName, jobName, s.limit,
	)
	if err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
