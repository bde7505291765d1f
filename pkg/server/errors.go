package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for common session and server error conditions.
var (
	// ErrServerClosed is returned by Serve after Shutdown.
	ErrServerClosed = errors.New("server: closed")

	// ErrSessionNotFound is returned when a client ID does not exist.
	ErrSessionNotFound = errors.New("server: session not found")

	// ErrDuplicateModule is returned when a module ID is registered twice.
	ErrDuplicateModule = errors.New("server: duplicate module")

	// ErrMaxSessionsReached is returned when the connection limit is reached.
	ErrMaxSessionsReached = errors.New("server: max sessions reached")

	// ErrNoDatasets is returned for data requests when no catalog is configured.
	ErrNoDatasets = errors.New("server: no dataset catalog")
)

// SessionError wraps an error with session context for debugging.
type SessionError struct {
	ClientID string
	Op       string // Operation that failed
	Err      error  // Underlying error
}

// Error returns the error message with session context.
func (e *SessionError) Error() string {
	if e.ClientID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: client %s: %s: %v", e.ClientID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new SessionError.
func NewSessionError(clientID, op string, err error) *SessionError {
	return &SessionError{
		ClientID: clientID,
		Op:       op,
		Err:      err,
	}
}
