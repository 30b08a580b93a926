package parameter

import (
	"context"
	"fmt"

	"github.com/t77yq/backtest-automator/internal/driver"
)

const (
	ApplyBoth     = "both"
	ApplyPutOnly  = "put_only"
	ApplyCallOnly = "call_only"
)

var (
	deltaInputs       = driver.L("div.inline-flex:has(button span:text-is('±')) input")
	stopLossInput     = driver.L("h3:has-text('Profit & Loss') ~ div label:has-text('Stop Loss') ~ div input")
	profitTargetInput = driver.L("h3:has-text('Profit & Loss') ~ div label:has-text('Profit Target') ~ div input")
	entryTimeInput    = driver.L("label:has-text('Entry Time') ~ div input[type='time']")
)

func intField(name, label string, def, lo, hi int) Field {
	return Field{Name: name, Label: label, Type: FieldInt, Default: def, Min: float64(lo), Max: float64(hi), Step: 1}
}

func unitField() Field {
	return Field{Name: "unit", Label: "Unit", Type: FieldChoice, Choices: []string{"%", "$"}, Default: "%"}
}

func intRange(config map[string]any) ([]any, error) {
	return RangeValues(floatConfig(config, "start"), floatConfig(config, "end"), floatConfig(config, "step"), true)
}

// NewStopLoss creates the stop loss parameter
func NewStopLoss() *Input {
	return &Input{
		ID:      "stop_loss",
		Display: "Stop Loss",
		Help:    "Stop loss percentage for limiting losses",
		Locator: stopLossInput,
		Schema: Schema{Fields: []Field{
			intField("start", "Start %", 50, 1, 1000),
			intField("end", "End %", 200, 1, 1000),
			intField("step", "Step", 25, 1, 100),
			unitField(),
		}},
		Generate: intRange,
	}
}

// NewProfitTarget creates the profit target parameter
func NewProfitTarget() *Input {
	return &Input{
		ID:      "profit_target",
		Display: "Profit Target",
		Help:    "Profit target percentage for closing winners",
		Locator: profitTargetInput,
		Schema: Schema{Fields: []Field{
			intField("start", "Start %", 10, 1, 500),
			intField("end", "End %", 100, 1, 500),
			intField("step", "Step", 10, 1, 100),
			unitField(),
		}},
		Generate: intRange,
	}
}

// NewEntryTime creates the entry time parameter
func NewEntryTime() *Input {
	return &Input{
		ID:      "entry_time",
		Display: "Entry Time",
		Help:    "Time of day the trade is entered",
		Locator: entryTimeInput,
		Schema: Schema{Fields: []Field{
			intField("start_hour", "Start Hour", 9, 0, 23),
			intField("start_minute", "Start Minute", 30, 0, 59),
			intField("end_hour", "End Hour", 15, 0, 23),
			intField("end_minute", "End Minute", 0, 0, 59),
			intField("interval_minutes", "Interval (minutes)", 30, 5, 120),
		}},
		Generate: func(config map[string]any) ([]any, error) {
			start := intConfig(config, "start_hour")*60 + intConfig(config, "start_minute")
			end := intConfig(config, "end_hour")*60 + intConfig(config, "end_minute")
			return ClockValues(start, end, intConfig(config, "interval_minutes"))
		},
	}
}

// Delta writes the delta of the put leg, the call leg, or both
type Delta struct {
	ApplyTo string
}

// NewDelta creates the delta parameter applied to both legs
func NewDelta() *Delta {
	return &Delta{ApplyTo: ApplyBoth}
}

func (d *Delta) Name() string        { return "delta" }
func (d *Delta) DisplayName() string { return "Delta" }
func (d *Delta) Description() string {
	return "Options delta value for put/call leg selection"
}

func (d *Delta) Configure() Schema {
	return Schema{Fields: []Field{
		intField("start", "Start Delta", 5, 1, 100),
		intField("end", "End Delta", 50, 1, 100),
		intField("step", "Step", 1, 1, 50),
		{
			Name:    "apply_to",
			Label:   "Apply To",
			Type:    FieldChoice,
			Choices: []string{ApplyBoth, ApplyPutOnly, ApplyCallOnly},
			Default: ApplyBoth,
		},
	}}
}

func (d *Delta) GenerateValues(config map[string]any) ([]any, error) {
	resolved, err := d.Configure().Resolve(config)
	if err != nil {
		return nil, fmt.Errorf("delta: %w", err)
	}
	return intRange(resolved)
}

// Configured returns a copy applying to the legs named by apply_to
func (d *Delta) Configured(config map[string]any) (Parameter, error) {
	applyTo, _ := config["apply_to"].(string)
	if applyTo == "" {
		applyTo = ApplyBoth
	}
	switch applyTo {
	case ApplyBoth, ApplyPutOnly, ApplyCallOnly:
	default:
		return nil, fmt.Errorf("%w: delta apply_to %q", ErrInvalidConfig, applyTo)
	}
	return &Delta{ApplyTo: applyTo}, nil
}

func (d *Delta) legs(count int) []driver.Locator {
	var legs []driver.Locator
	if (d.ApplyTo == ApplyBoth || d.ApplyTo == ApplyPutOnly) && count >= 1 {
		legs = append(legs, deltaInputs.Nth(0))
	}
	if (d.ApplyTo == ApplyBoth || d.ApplyTo == ApplyCallOnly) && count >= 2 {
		legs = append(legs, deltaInputs.Nth(1))
	}
	return legs
}

func (d *Delta) SetValue(ctx context.Context, sess driver.Session, value any) error {
	text, err := FormatValue(value)
	if err != nil {
		return fmt.Errorf("delta: %w", err)
	}
	count, err := sess.Count(ctx, deltaInputs)
	if err != nil {
		return fmt.Errorf("failed to count delta inputs: %w", err)
	}
	legs := d.legs(count)
	if len(legs) == 0 {
		return fmt.Errorf("delta inputs for %s: %w", d.ApplyTo, driver.ErrNotFound)
	}
	for _, leg := range legs {
		if err := FillInput(ctx, sess, leg, text, inputTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (d *Delta) VerifyValue(ctx context.Context, sess driver.Session, value any) (bool, error) {
	text, err := FormatValue(value)
	if err != nil {
		return false, fmt.Errorf("delta: %w", err)
	}
	count, err := sess.Count(ctx, deltaInputs)
	if err != nil {
		return false, err
	}
	for _, leg := range d.legs(count) {
		actual, err := sess.InputValue(ctx, leg)
		if err != nil {
			return false, err
		}
		if actual != text {
			return false, nil
		}
	}
	return true, nil
}

func (d *Delta) EnsureVisible(ctx context.Context, sess driver.Session) error {
	return nil
}
