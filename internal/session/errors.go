package session

import (
	"errors"
	"fmt"
)

var (
	ErrCapacityExceeded = errors.New("session: capacity exceeded")
	ErrDuplicateSession = errors.New("session: duplicate session")
	ErrSessionNotFound  = errors.New("session: not found")
	ErrSessionClosed    = errors.New("session: closed")
	ErrTurnQueueFull    = errors.New("session: turn queue full")
	ErrShuttingDown     = errors.New("session: orchestrator shutting down")
	ErrEmptyInput       = errors.New("session: turn has neither text nor audio")
)

// AdmissionError reports why StartSession refused a session.
type AdmissionError struct {
	SessionID string
	Active    int
	Ceiling   int
	Err       error
}

func (e *AdmissionError) Error() string {
	if errors.Is(e.Err, ErrCapacityExceeded) {
		return fmt.Sprintf("session %s: %v (%d/%d active)", e.SessionID, e.Err, e.Active, e.Ceiling)
	}
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Err)
}

func (e *AdmissionError) Unwrap() error { return e.Err }
