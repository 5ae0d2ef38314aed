package storage

import "errors"

var (
	// ErrSessionNotFound indicates the referenced session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEventNotFound indicates the referenced event does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrChecksumMismatch indicates a stored event failed its integrity check.
	// Never repaired silently; callers decide how to surface it.
	ErrChecksumMismatch = errors.New("event checksum mismatch")

	// ErrSessionHasForks indicates a session cannot be deleted because other
	// sessions fork from its events.
	ErrSessionHasForks = errors.New("session has forks")
)
