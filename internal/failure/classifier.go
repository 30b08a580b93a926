// Package failure classifies failed execution attempts.
package failure

import (
	"context"
	"errors"

	"github.com/t77yq/backtest-automator/internal/driver"
	"github.com/t77yq/backtest-automator/internal/model"
	"github.com/t77yq/backtest-automator/internal/parameter"
	"github.com/t77yq/backtest-automator/internal/site"
)

// Step is the point of the task protocol where an attempt failed
type Step string

const (
	StepLogin      Step = "login"
	StepNavigate   Step = "navigate"
	StepOpenDialog Step = "open_dialog"
	StepSetParams  Step = "set_params"
	StepTrigger    Step = "trigger"
	StepExtract    Step = "extract"
)

// Outcome is what a worker observed when an attempt failed
type Outcome struct {
	Err  error
	Step Step
	URL  string

	// AuthSurface is set when the page was an authentication page
	AuthSurface bool
	// PlatformError holds the text of an error notification shown by the site
	PlatformError string
	// DialogOpen is set when the backtest dialog was still on screen
	DialogOpen bool
	// DialogStuck is set when the dialog failed to close after Run
	DialogStuck bool
}

// Classify maps an outcome to a failure kind. It never returns
// model.FailurePermanent; that label is applied once retries run out.
func Classify(o Outcome) model.FailureKind {
	switch {
	case errors.Is(o.Err, driver.ErrDisconnected), errors.Is(o.Err, driver.ErrSessionClosed):
		return model.FailureAutomationCrash
	case o.AuthSurface, errors.Is(o.Err, site.ErrLoginFailed):
		return model.FailureSessionExpired
	case o.PlatformError != "":
		return model.FailurePlatformError
	case o.DialogStuck, o.DialogOpen && (o.Step == StepTrigger || o.Step == StepExtract):
		return model.FailureModalStuck
	case errors.Is(o.Err, driver.ErrTimeout), errors.Is(o.Err, context.DeadlineExceeded):
		return model.FailureTiming
	case pageNotReady(o.Err):
		return model.FailureTiming
	}
	return model.FailureAutomationCrash
}

// pageNotReady reports errors of a live page that had not rendered what the
// protocol expected: a missing element, a field that did not take its value,
// or a results panel that was empty or half drawn
func pageNotReady(err error) bool {
	return errors.Is(err, driver.ErrNotFound) ||
		errors.Is(err, parameter.ErrNotApplied) ||
		errors.Is(err, site.ErrNoResults) ||
		errors.Is(err, site.ErrUnparsable)
}
