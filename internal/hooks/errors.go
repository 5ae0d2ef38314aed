package hooks

import "errors"

var (
	// ErrInvalidType is returned for registrations against an unknown type.
	ErrInvalidType = errors.New("invalid hook type")

	// ErrDuplicateName is returned when a registration name is already taken
	// for the same hook type.
	ErrDuplicateName = errors.New("hook already registered")

	// ErrNotFound is returned when unregistering an unknown hook.
	ErrNotFound = errors.New("hook not found")

	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("hook handler panic")

	// ErrHandlerTimeout marks a handler that exceeded its deadline.
	ErrHandlerTimeout = errors.New("hook handler timeout")
)
