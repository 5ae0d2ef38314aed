package cron

import "errors"

var (
	// ErrJobNotFound indicates the named job does not exist.
	ErrJobNotFound = errors.New("cron job not found")

	// ErrJobExists indicates a job with the same name already exists.
	ErrJobExists = errors.New("cron job already exists")

	// ErrInvalidJob indicates a create with missing fields.
	ErrInvalidJob = errors.New("invalid cron job")

	// ErrInvalidSchedule indicates an unparseable cron expression.
	ErrInvalidSchedule = errors.New("invalid cron schedule")

	// ErrAlreadyRunning indicates Start was called on a running scheduler.
	ErrAlreadyRunning = errors.New("cron scheduler already running")
)
