package worker

import "errors"

var (
	// ErrStopped is returned by a worker after Close
	ErrStopped = errors.New("worker stopped")

	// ErrBusy is returned when Execute is called while another task runs
	ErrBusy = errors.New("worker busy")
)
