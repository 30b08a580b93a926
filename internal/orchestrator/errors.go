package orchestrator

import "errors"

var (
	// ErrNoSessions is returned by Start when no worker could open a session
	ErrNoSessions = errors.New("no browser session could be opened")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("run already started")
)
