// Package combination turns a run spec into ordered parameter combinations.
package combination

import (
	"fmt"

	"github.com/t77yq/backtest-automator/internal/model"
)

// Generate materializes the combinations a run starts with.
// Staged runs only produce their first stage here; later stages depend on results.
func Generate(spec *model.RunSpec) ([]model.ParamSet, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	switch spec.Mode {
	case model.ModeSweep:
		return sweep(spec.Sweep.Name, spec.Sweep.Values, nil), nil
	case model.ModeGrid:
		return grid(spec.Grid), nil
	case model.ModeStaged:
		return GenerateStage(spec, 0, nil)
	}
	return nil, fmt.Errorf("%w: unknown mode %q", model.ErrInvalidSpec, spec.Mode)
}

// GenerateStage materializes stage index of a staged run. Every combination
// starts with the fixed winners of earlier stages.
func GenerateStage(spec *model.RunSpec, index int, fixed model.ParamSet) ([]model.ParamSet, error) {
	if spec.Mode != model.ModeStaged {
		return nil, fmt.Errorf("%w: run is not staged", model.ErrInvalidSpec)
	}
	if index < 0 || index >= len(spec.Stages) {
		return nil, fmt.Errorf("%w: stage %d out of range", model.ErrInvalidSpec, index+1)
	}
	st := spec.Stages[index]
	return sweep(st.Parameter, st.Values, fixed), nil
}

// Count predicts how many combinations Generate returns without building them
func Count(spec *model.RunSpec) int {
	switch spec.Mode {
	case model.ModeSweep:
		if spec.Sweep == nil {
			return 0
		}
		return len(spec.Sweep.Values)
	case model.ModeGrid:
		if len(spec.Grid) == 0 {
			return 0
		}
		n := 1
		for _, p := range spec.Grid {
			n *= len(p.Values)
		}
		return n
	case model.ModeStaged:
		if len(spec.Stages) == 0 {
			return 0
		}
		return len(spec.Stages[0].Values)
	}
	return 0
}

func sweep(name string, values []any, fixed model.ParamSet) []model.ParamSet {
	out := make([]model.ParamSet, 0, len(values))
	for _, v := range values {
		set := make(model.ParamSet, 0, len(fixed)+1)
		set = append(set, fixed...)
		out = append(out, set.With(name, v))
	}
	return out
}

// grid emits the Cartesian product with the first parameter varying slowest
func grid(params []model.ParameterValues) []model.ParamSet {
	for _, p := range params {
		if len(p.Values) == 0 {
			return []model.ParamSet{}
		}
	}

	out := []model.ParamSet{{}}
	for _, p := range params {
		next := make([]model.ParamSet, 0, len(out)*len(p.Values))
		for _, prefix := range out {
			for _, v := range p.Values {
				set := make(model.ParamSet, len(prefix), len(prefix)+1)
				copy(set, prefix)
				next = append(next, append(set, model.Assignment{Name: p.Name, Value: v}))
			}
		}
		out = next
	}
	return out
}
