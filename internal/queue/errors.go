package queue

import "errors"

var (
	// ErrEmpty is returned when Get times out with nothing ready
	ErrEmpty = errors.New("queue empty")

	// ErrClosed is returned once the queue is closed and drained
	ErrClosed = errors.New("queue closed")
)
