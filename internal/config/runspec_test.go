package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/backtest-automator/internal/model"
	"github.com/t77yq/backtest-automator/internal/parameter"
)

var defaults = SpecDefaults{MaxWorkers: 2, MaxRetries: 2}

func TestParseRunSpecSweep(t *testing.T) {
	spec, err := ParseRunSpec([]byte(`
name: delta sweep
mode: sweep
target: https://optionomega.com/test/abc
sweep:
  name: delta
  values: [5, 10, 15, 20]
max_retries: 1
`), parameter.DefaultRegistry(), defaults)
	require.NoError(t, err)

	assert.Equal(t, model.ModeSweep, spec.Mode)
	assert.Equal(t, "delta", spec.Sweep.Name)
	assert.Equal(t, []any{5, 10, 15, 20}, spec.Sweep.Values)
	assert.Equal(t, 2, spec.MaxWorkers)
	assert.Equal(t, 1, spec.MaxRetries)
}

func TestParseRunSpecConfigExpansion(t *testing.T) {
	registry := parameter.DefaultRegistry().Clone()
	spec, err := ParseRunSpec([]byte(`
mode: grid
target: https://optionomega.com/test/abc
max_workers: 1
grid:
  - name: delta
    config: {start: 5, end: 15, step: 5, apply_to: put_only}
  - name: entry_time
    config: {start_hour: 9, start_minute: 30, end_hour: 10, end_minute: 30, interval_minutes: 30}
`), registry, defaults)
	require.NoError(t, err)

	require.Len(t, spec.Grid, 2)
	assert.Equal(t, []any{5, 10, 15}, spec.Grid[0].Values)
	assert.Equal(t, []any{"09:30", "10:00", "10:30"}, spec.Grid[1].Values)
	assert.Equal(t, 1, spec.MaxWorkers)

	delta, err := registry.Get("delta")
	require.NoError(t, err)
	assert.Equal(t, parameter.ApplyPutOnly, delta.(*parameter.Delta).ApplyTo)

	original, err := parameter.DefaultRegistry().Get("delta")
	require.NoError(t, err)
	assert.Equal(t, parameter.ApplyBoth, original.(*parameter.Delta).ApplyTo)
}

func TestParseRunSpecStaged(t *testing.T) {
	spec, err := ParseRunSpec([]byte(`
mode: staged
target: https://optionomega.com/test/abc
objective: {metric: cagr, maximize: true}
stages:
  - parameter: delta
    values: [10, 20]
  - name: stop_loss
    values: [25, 50]
`), parameter.DefaultRegistry(), defaults)
	require.NoError(t, err)

	require.Len(t, spec.Stages, 2)
	assert.Equal(t, "delta", spec.Stages[0].Parameter)
	assert.Equal(t, "stop_loss", spec.Stages[1].Parameter)
	assert.True(t, spec.Objective.Maximize)
}

func TestParseRunSpecErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "mode: sweep\ntarget: x\nsweeps: {}\n"},
		{"missing target", "mode: sweep\nsweep: {name: delta, values: [1]}\n"},
		{"unnamed parameter", "mode: sweep\ntarget: x\nsweep: {values: [1]}\n"},
		{"unknown parameter config", "mode: sweep\ntarget: x\nsweep: {name: vega, config: {start: 1}}\n"},
		{"bad apply_to", "mode: sweep\ntarget: x\nsweep: {name: delta, config: {apply_to: both_ways}}\n"},
		{"not yaml", "mode: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRunSpec([]byte(tt.yaml), parameter.DefaultRegistry(), defaults)
			assert.ErrorIs(t, err, model.ErrInvalidSpec)
		})
	}
}
