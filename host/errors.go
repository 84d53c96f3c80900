package host

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionTimeout is returned when no worker dialed back in time.
	ErrConnectionTimeout = errors.New("timed out waiting for host connection")
	// ErrHostExited is returned when the worker process ended unexpectedly.
	ErrHostExited = errors.New("host process exited")
	// ErrConnectionNotListening is returned by Accept on a connection that
	// already accepted or was closed.
	ErrConnectionNotListening = errors.New("connection is not listening")
)

// LaunchError is returned when a worker process could not be started.
type LaunchError struct {
	Executable string
	Err        error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch host %q: %v", e.Executable, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsLaunchError checks if the error is or wraps a LaunchError
func IsLaunchError(err error) bool {
	var launchErr *LaunchError
	return err != nil && errors.As(err, &launchErr)
}

// ExitError describes how a worker process ended.
type ExitError struct {
	PID      int
	ExitCode int
	Stderr   string // Tail of the process's stderr
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("host process %d exited with code %d", e.PID, e.ExitCode)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s\nstderr: %s", msg, e.Stderr)
	}
	return msg
}

func (e *ExitError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrHostExited}
	}
	return []error{ErrHostExited, e.Err}
}
