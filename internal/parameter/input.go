package parameter

import (
	"context"
	"fmt"
	"time"

	"github.com/t77yq/backtest-automator/internal/driver"
)

const (
	inputTimeout  = 5 * time.Second
	toggleSettle  = 300 * time.Millisecond
	checkedAttr   = "aria-checked"
	checkedActive = "true"
)

// Input is a parameter written into a single text input
type Input struct {
	ID       string
	Display  string
	Help     string
	Locator  driver.Locator
	Toggle   *driver.Locator
	Schema   Schema
	Generate func(config map[string]any) ([]any, error)
	Timeout  time.Duration
}

func (p *Input) Name() string        { return p.ID }
func (p *Input) DisplayName() string { return p.Display }
func (p *Input) Description() string { return p.Help }
func (p *Input) Configure() Schema   { return p.Schema }

// GenerateValues resolves config against the schema and expands it
func (p *Input) GenerateValues(config map[string]any) ([]any, error) {
	resolved, err := p.Schema.Resolve(config)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.ID, err)
	}
	return p.Generate(resolved)
}

func (p *Input) SetValue(ctx context.Context, sess driver.Session, value any) error {
	text, err := FormatValue(value)
	if err != nil {
		return fmt.Errorf("%s: %w", p.ID, err)
	}
	return FillInput(ctx, sess, p.Locator, text, p.timeout())
}

func (p *Input) VerifyValue(ctx context.Context, sess driver.Session, value any) (bool, error) {
	text, err := FormatValue(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", p.ID, err)
	}
	actual, err := sess.InputValue(ctx, p.Locator)
	if err != nil {
		return false, err
	}
	return actual == text, nil
}

func (p *Input) EnsureVisible(ctx context.Context, sess driver.Session) error {
	if p.Toggle == nil {
		return nil
	}
	return EnableToggle(ctx, sess, *p.Toggle)
}

func (p *Input) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return inputTimeout
}

// FillInput waits for an input to show and replaces its value
func FillInput(ctx context.Context, sess driver.Session, loc driver.Locator, text string, timeout time.Duration) error {
	if err := sess.WaitFor(ctx, loc, driver.StateVisible, timeout); err != nil {
		return fmt.Errorf("input %s not shown: %w", loc, err)
	}
	if err := sess.Fill(ctx, loc, text); err != nil {
		return fmt.Errorf("failed to fill %s: %w", loc, err)
	}
	return nil
}

// EnableToggle switches a toggle on unless it already is
func EnableToggle(ctx context.Context, sess driver.Session, toggle driver.Locator) error {
	state, err := sess.Attribute(ctx, toggle, checkedAttr)
	if err != nil {
		return fmt.Errorf("failed to read toggle %s: %w", toggle, err)
	}
	if state == checkedActive {
		return nil
	}
	if err := sess.Click(ctx, toggle); err != nil {
		return fmt.Errorf("failed to enable toggle %s: %w", toggle, err)
	}

	timer := time.NewTimer(toggleSettle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
