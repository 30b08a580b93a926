package site

import "errors"

var (
	// ErrLoginFailed is returned when the credentials did not produce a session
	ErrLoginFailed = errors.New("login failed")

	// ErrModalStuck is returned when the backtest dialog stays open after Run
	ErrModalStuck = errors.New("backtest dialog did not close")

	// ErrNoResults is returned when no result figure could be read
	ErrNoResults = errors.New("no results on page")

	// ErrUnparsable is returned for figures that are not numbers
	ErrUnparsable = errors.New("unparsable value")
)
