package driver

import "errors"

var (
	// ErrTimeout is returned when a bounded wait expires
	ErrTimeout = errors.New("driver wait timed out")

	// ErrDisconnected is returned when the browser connection is lost
	ErrDisconnected = errors.New("browser disconnected")

	// ErrNotFound is returned when no element matches a locator
	ErrNotFound = errors.New("element not found")

	// ErrSessionClosed is returned when a closed session is used
	ErrSessionClosed = errors.New("session closed")
)
