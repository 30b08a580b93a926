// Package parameter holds the backtest settings a run can vary and how
// each one is written into the backtest dialog.
package parameter

import (
	"context"

	"github.com/t77yq/backtest-automator/internal/driver"
)

// Parameter sets one backtest setting through a driver session
type Parameter interface {
	// Name is the identifier used in run specs
	Name() string
	DisplayName() string
	Description() string

	// Configure returns the schema of GenerateValues config
	Configure() Schema

	// GenerateValues expands a config into the ordered values to test
	GenerateValues(config map[string]any) ([]any, error)

	// SetValue writes value into the open dialog
	SetValue(ctx context.Context, sess driver.Session, value any) error

	// VerifyValue reports whether the dialog holds value
	VerifyValue(ctx context.Context, sess driver.Session, value any) (bool, error)

	// EnsureVisible enables whatever toggle hides the input. Parameters
	// without one return nil.
	EnsureVisible(ctx context.Context, sess driver.Session) error
}

// Configurable parameters take per-run options such as which legs to change
type Configurable interface {
	Configured(config map[string]any) (Parameter, error)
}
