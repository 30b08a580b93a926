package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/t77yq/backtest-automator/internal/model"
	"github.com/t77yq/backtest-automator/internal/parameter"
)

// specFile is the YAML form of a run spec. Parameters may list values
// directly or give a config the parameter expands into values.
type specFile struct {
	ID         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	Mode       model.Mode      `yaml:"mode"`
	Target     string          `yaml:"target"`
	Sweep      *paramFile      `yaml:"sweep"`
	Grid       []paramFile     `yaml:"grid"`
	Stages     []paramFile     `yaml:"stages"`
	Objective  model.Objective `yaml:"objective"`
	MaxWorkers *int            `yaml:"max_workers"`
	MaxRetries *int            `yaml:"max_retries"`
}

type paramFile struct {
	Name string `yaml:"name"`
	// Parameter is accepted as an alias of Name in stages
	Parameter string         `yaml:"parameter"`
	Values    []any          `yaml:"values"`
	Config    map[string]any `yaml:"config"`
}

// SpecDefaults fill fields a spec file leaves out
type SpecDefaults struct {
	MaxWorkers int
	MaxRetries int
}

// LoadRunSpec reads and resolves a run spec file
func LoadRunSpec(path string, registry *parameter.Registry, defaults SpecDefaults) (model.RunSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.RunSpec{}, fmt.Errorf("failed to read run spec: %w", err)
	}
	spec, err := ParseRunSpec(data, registry, defaults)
	if err != nil {
		return model.RunSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// ParseRunSpec decodes a run spec and expands every parameter config into
// values. Configurable parameters are reconfigured in registry, so callers
// pass a registry private to the run.
func ParseRunSpec(data []byte, registry *parameter.Registry, defaults SpecDefaults) (model.RunSpec, error) {
	var file specFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return model.RunSpec{}, fmt.Errorf("%w: %v", model.ErrInvalidSpec, err)
	}

	spec := model.RunSpec{
		ID:         file.ID,
		Name:       file.Name,
		Mode:       file.Mode,
		Target:     file.Target,
		Objective:  file.Objective,
		MaxWorkers: defaults.MaxWorkers,
		MaxRetries: defaults.MaxRetries,
	}
	if file.MaxWorkers != nil {
		spec.MaxWorkers = *file.MaxWorkers
	}
	if file.MaxRetries != nil {
		spec.MaxRetries = *file.MaxRetries
	}

	if file.Sweep != nil {
		pv, err := resolve(*file.Sweep, registry)
		if err != nil {
			return model.RunSpec{}, err
		}
		spec.Sweep = &pv
	}
	for _, p := range file.Grid {
		pv, err := resolve(p, registry)
		if err != nil {
			return model.RunSpec{}, err
		}
		spec.Grid = append(spec.Grid, pv)
	}
	for _, p := range file.Stages {
		pv, err := resolve(p, registry)
		if err != nil {
			return model.RunSpec{}, err
		}
		spec.Stages = append(spec.Stages, model.Stage{Parameter: pv.Name, Values: pv.Values})
	}

	if err := spec.Validate(); err != nil {
		return model.RunSpec{}, err
	}
	return spec, nil
}

func resolve(p paramFile, registry *parameter.Registry) (model.ParameterValues, error) {
	name := p.Name
	if name == "" {
		name = p.Parameter
	}
	if name == "" {
		return model.ParameterValues{}, fmt.Errorf("%w: parameter without a name", model.ErrInvalidSpec)
	}
	pv := model.ParameterValues{Name: name, Values: p.Values}
	if p.Config == nil {
		return pv, nil
	}

	if err := registry.Configure(name, p.Config); err != nil {
		return model.ParameterValues{}, fmt.Errorf("%w: %s: %w", model.ErrInvalidSpec, name, err)
	}
	if len(p.Values) > 0 {
		return pv, nil
	}
	param, err := registry.Get(name)
	if err != nil {
		return model.ParameterValues{}, fmt.Errorf("%w: %w", model.ErrInvalidSpec, err)
	}
	values, err := param.GenerateValues(p.Config)
	if err != nil {
		return model.ParameterValues{}, fmt.Errorf("%w: %s: %w", model.ErrInvalidSpec, name, err)
	}
	pv.Values = values
	return pv, nil
}
