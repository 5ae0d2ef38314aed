package workspace

import "errors"

// Sentinel errors for the workspace package. The RPC layer maps
// ErrNotBound and ErrPathEscape to PERMISSION_DENIED, ErrFileNotFound to
// FILE_NOT_FOUND, and everything else file-related to FILE_ERROR.
var (
	// ErrNotBound is returned when a session has no workspace binding.
	ErrNotBound = errors.New("session has no workspace binding")

	// ErrPathEscape is returned when a path resolves outside the bound
	// workspace root.
	ErrPathEscape = errors.New("path escapes workspace")

	// ErrReadOnly is returned when a write targets a read-only binding.
	ErrReadOnly = errors.New("workspace is read-only")

	// ErrFileNotFound is returned when the target file does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrFileTooLarge is returned when a file exceeds the read cap.
	ErrFileTooLarge = errors.New("file exceeds read limit")
)
