package runner

import "errors"

var (
	// ErrInvalidTurn means the turn request is missing a required field.
	ErrInvalidTurn = errors.New("invalid turn request")

	// ErrPromptBlocked means a UserPromptSubmit hook vetoed the prompt
	// before anything was written to the session.
	ErrPromptBlocked = errors.New("prompt blocked")

	// ErrContextExceeded means the context window cannot admit the turn
	// even after compaction.
	ErrContextExceeded = errors.New("context window exceeded")

	// ErrCompactionBlocked means a PreCompact hook vetoed an automatic
	// compaction.
	ErrCompactionBlocked = errors.New("compaction blocked")

	// ErrRoundLimit means a turn exceeded the provider round ceiling,
	// usually a tool loop that never converges.
	ErrRoundLimit = errors.New("provider round limit reached")

	// ErrAborted is the cancel cause an abort sets on the turn context.
	ErrAborted = errors.New("turn aborted")

	// Tool registry failures.
	ErrInvalidTool  = errors.New("invalid tool")
	ErrToolExists   = errors.New("tool already registered")
	ErrToolNotFound = errors.New("tool not found")
)
