package storage

import "errors"

var (
	// ErrUnknownFilter is returned for a filter on a column that does not exist
	ErrUnknownFilter = errors.New("unknown filter")
)
