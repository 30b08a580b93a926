package model

import "errors"

var (
	// ErrInvalidSpec is returned when a run spec is missing required fields
	ErrInvalidSpec = errors.New("invalid run spec")
)
