// Package report delivers task results and run progress to consumers.
package report

import (
	"context"
	"errors"

	"github.com/t77yq/backtest-automator/internal/model"
)

// Sink consumes results and progress snapshots
type Sink interface {
	TaskFinished(ctx context.Context, result model.TaskResult) error
	RunUpdated(ctx context.Context, stats model.RunStats) error
}

// Nop discards everything
type Nop struct{}

func (Nop) TaskFinished(context.Context, model.TaskResult) error { return nil }
func (Nop) RunUpdated(context.Context, model.RunStats) error     { return nil }

// Fanout forwards to every sink and joins their errors
type Fanout []Sink

func (f Fanout) TaskFinished(ctx context.Context, result model.TaskResult) error {
	var errs []error
	for _, s := range f {
		if err := s.TaskFinished(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) RunUpdated(ctx context.Context, stats model.RunStats) error {
	var errs []error
	for _, s := range f {
		if err := s.RunUpdated(ctx, stats); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
