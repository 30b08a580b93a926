package config

import "errors"

var (
	// ErrInvalidConfig is returned when a loaded config fails validation
	ErrInvalidConfig = errors.New("invalid config")
	// ErrMissingCredentials is returned when a live run has no login
	ErrMissingCredentials = errors.New("credentials not configured")
)
