package scheduler

import "errors"

var (
	// ErrQueueClosed is returned when enqueueing after Shutdown.
	ErrQueueClosed = errors.New("run queue closed")

	// ErrQueueFull is returned when a session's queue is at capacity.
	ErrQueueFull = errors.New("run queue full")

	// ErrSessionClosed is returned when a session's worker has stopped.
	ErrSessionClosed = errors.New("session queue closed")

	// ErrTaskPanic wraps a panic recovered from a queued task.
	ErrTaskPanic = errors.New("task panic")
)
