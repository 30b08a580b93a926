package parameter

import "errors"

var (
	// ErrUnknownParameter is returned when no parameter is registered under a name
	ErrUnknownParameter = errors.New("unknown parameter")

	// ErrDuplicateParameter is returned when a name is registered twice
	ErrDuplicateParameter = errors.New("parameter already registered")

	// ErrInvalidConfig is returned when a config fails schema validation
	ErrInvalidConfig = errors.New("invalid parameter config")

	// ErrInvalidValue is returned when a value cannot be written by a parameter
	ErrInvalidValue = errors.New("invalid parameter value")

	// ErrNotApplied is returned when the dialog did not accept a value
	ErrNotApplied = errors.New("value not applied")
)
