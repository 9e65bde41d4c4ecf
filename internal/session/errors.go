// ABOUTME: Sentinel errors for the session registry and input gate boundaries
// ABOUTME: Callers branch with errors.Is and map these onto HTTP status codes

package session

import "errors"

var (
	// ErrNotFound is returned for unknown or disposed session ids.
	// Recoverable: the client should start a new session.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidState is returned when input is submitted to a session that
	// is not awaiting any. Recoverable: the caller should recheck status.
	ErrInvalidState = errors.New("session is not awaiting input")

	// ErrInputPending indicates a second input request was made before the
	// first resolved. Programming error, fatal to the session.
	ErrInputPending = errors.New("input request already pending")

	// ErrInputTimeout is returned when no human response arrives within the
	// configured window. The pipeline resolves it via the termination path
	// rather than surfacing it as a hard failure.
	ErrInputTimeout = errors.New("timed out waiting for input")

	// ErrCancelled is returned from an input wait when the session was
	// disposed or its pipeline cancelled while parked.
	ErrCancelled = errors.New("session cancelled")

	errBadTransition = errors.New("invalid state transition")
)
