package core

import (
	"errors"
	"fmt"
)

// HTTP method constants
const (
	MethodGet     = "GET"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodDelete  = "DELETE"
	MethodHead    = "HEAD"
	MethodPatch   = "PATCH"
	MethodOptions = "OPTIONS"
)

// Exit codes returned by Listen
const (
	ExitOK          = 0
	ExitStartFailed = 1
)

// Error definitions
var (
	ErrNoDescriptor = errors.New("engine has no readiness descriptor")
	ErrRunning      = errors.New("server already running")
)

// StartError is returned by Run when the server could not start. Nothing is
// left registered with the event loop when it is returned.
type StartError struct {
	Cause error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start server: %s", e.Cause)
}

func (e *StartError) Unwrap() error {
	return e.Cause
}
