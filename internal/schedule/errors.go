package schedule

import "errors"

var (
	// ErrNotFound is returned for an unknown schedule ID
	ErrNotFound = errors.New("schedule not found")
	// ErrInvalidExpression is returned when a cron expression does not parse
	ErrInvalidExpression = errors.New("invalid cron expression")
)
