// Package cron schedules recurring prompts: at each tick a job's prompt is
// enqueued on its session through the orchestrator, so scheduled work flows
// through the same turn pipeline as interactive prompts.
package cron

import (
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// Job is one scheduled prompt bound to a session.
type Job struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	SessionID string    `json:"sessionId"`
	Prompt    string    `json:"prompt"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobCreate is the input for creating a job.
type JobCreate struct {
	Name      string `json:"name"`
	Schedule  string `json:"schedule"`
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
	Enabled   bool   `json:"enabled"`
}

// Validate checks the create input, including the schedule expression.
func (c *JobCreate) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if c.SessionID == "" {
		return fmt.Errorf("%w: sessionId is required", ErrInvalidJob)
	}
	if c.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidJob)
	}
	_, err := ParseSchedule(c.Schedule)
	return err
}

// JobPatch updates selected fields; nil keeps the current value.
type JobPatch struct {
	Schedule *string `json:"schedule,omitempty"`
	Prompt   *string `json:"prompt,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
}

// scheduleParser accepts six-field expressions (with seconds) plus
// descriptors like @hourly.
var scheduleParser = robfig.NewParser(
	robfig.Second | robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor,
)

// ParseSchedule validates a cron expression and returns its six-field form.
// Standard five-field expressions get a leading zero seconds field.
func ParseSchedule(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	if len(strings.Fields(expr)) == 5 {
		expr = "0 " + expr
	}
	if _, err := scheduleParser.Parse(expr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return expr, nil
}

// NextRun returns the first tick of expr after the given time.
func NextRun(expr string, after time.Time) (time.Time, error) {
	normalized, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	schedule, err := scheduleParser.Parse(normalized)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return schedule.Next(after), nil
}
