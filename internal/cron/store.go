package cron

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/internal/storage"
)

// timeLayout matches the event store's stored timestamp format.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// JobStore persists jobs in the cron_jobs table.
type JobStore struct {
	db *storage.DB
}

// NewJobStore creates a job store over an open database.
func NewJobStore(db *storage.DB) *JobStore {
	return &JobStore{db: db}
}

// Create inserts a new job.
func (s *JobStore) Create(ctx context.Context, create JobCreate) (*Job, error) {
	if err := create.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := &Job{
		Name:      create.Name,
		Schedule:  create.Schedule,
		SessionID: create.SessionID,
		Prompt:    create.Prompt,
		Enabled:   create.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (name, schedule, session_id, prompt, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.Name, job.Schedule, job.SessionID, job.Prompt, job.Enabled,
		now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("%w: %s", ErrJobExists, job.Name)
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Get fetches one job by name.
func (s *JobStore) Get(ctx context.Context, name string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+" WHERE name = ?", name)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return job, err
}

// Update applies a patch to an existing job.
func (s *JobStore) Update(ctx context.Context, name string, patch JobPatch) (*Job, error) {
	job, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	if patch.Schedule != nil {
		if _, err := ParseSchedule(*patch.Schedule); err != nil {
			return nil, err
		}
		job.Schedule = *patch.Schedule
	}
	if patch.Prompt != nil {
		if *patch.Prompt == "" {
			return nil, fmt.Errorf("%w: prompt is required", ErrInvalidJob)
		}
		job.Prompt = *patch.Prompt
	}
	if patch.Enabled != nil {
		job.Enabled = *patch.Enabled
	}
	job.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)

	_, err = s.db.ExecContext(ctx,
		`UPDATE cron_jobs SET schedule = ?, prompt = ?, enabled = ?, updated_at = ? WHERE name = ?`,
		job.Schedule, job.Prompt, job.Enabled, job.UpdatedAt.Format(timeLayout), name,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

// Delete removes a job and its run history.
func (s *JobStore) Delete(ctx context.Context, name string) error {
	return s.db.WithTx(func(tx *storage.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM cron_jobs WHERE name = ?", name)
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", ErrJobNotFound, name)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM cron_history WHERE job_name = ?", name)
		return err
	})
}

// List returns all jobs ordered by name.
func (s *JobStore) List(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, selectJob+" ORDER BY name")
}

// ListEnabled returns the jobs the scheduler should register.
func (s *JobStore) ListEnabled(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, selectJob+" WHERE enabled = 1 ORDER BY name")
}

const selectJob = `SELECT name, schedule, session_id, prompt, enabled, created_at, updated_at FROM cron_jobs`

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job       Job
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&job.Name, &job.Schedule, &job.SessionID, &job.Prompt,
		&job.Enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if job.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &job, nil
}
