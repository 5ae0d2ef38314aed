package context

import "errors"

var (
	// ErrNothingToCompact is returned when the buffer holds too few
	// messages for a compaction to remove anything.
	ErrNothingToCompact = errors.New("nothing to compact")

	// ErrContextExceeded is returned when a turn cannot fit in the window
	// even after compaction.
	ErrContextExceeded = errors.New("context window exceeded")
)
