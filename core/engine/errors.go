package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by Run and Start after Stop
	ErrStopped = errors.New("engine: stopped")
	// ErrNotStarted is returned by Run before Start
	ErrNotStarted = errors.New("engine: not started")
	// ErrStarted is returned by a second Start
	ErrStarted = errors.New("engine: already started")
	// ErrResponseQueued is returned when a response was already queued for the request
	ErrResponseQueued = errors.New("engine: response already queued")
	// ErrNoRequest is returned by QueueResponse between requests
	ErrNoRequest = errors.New("engine: no request in flight")
)

// StartError is returned when the engine cannot bind its listener
type StartError struct {
	Port  uint
	Cause error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start engine on port %d: %s", e.Port, e.Cause)
}

func (e *StartError) Unwrap() error {
	return e.Cause
}

// protocolError is a malformed request; the connection is answered with
// status and closed.
type protocolError struct {
	status int
	reason string
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("protocol error (%d): %s", e.status, e.reason)
}

func badRequest(reason string) error {
	return &protocolError{status: 400, reason: reason}
}
