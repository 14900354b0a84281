package session

import "errors"

var (
	// ErrCapacityExceeded is returned when a new session would exceed the pool capacity.
	ErrCapacityExceeded = errors.New("session pool at capacity")
	// ErrSessionNotFound is returned for ids that are absent or already evicted.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStaleSession marks work that ran on a session evicted underneath it.
	ErrStaleSession = errors.New("operation on stale session")
)
