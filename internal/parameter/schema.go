package parameter

import (
	"errors"
	"fmt"
	"regexp"
)

// FieldType is the kind of input a config field takes
type FieldType string

const (
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldChoice FieldType = "choice"
	FieldTime   FieldType = "time"
	FieldBool   FieldType = "bool"
)

var clockPattern = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)

// Field describes one config field
type Field struct {
	Name        string    `json:"name"`
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`
	Type        FieldType `json:"type"`
	Optional    bool      `json:"optional,omitempty"`
	Default     any       `json:"default"`
	Min         float64   `json:"min,omitempty"`
	Max         float64   `json:"max,omitempty"`
	Step        float64   `json:"step,omitempty"`
	Choices     []string  `json:"choices,omitempty"`
}

// Validate checks a single value against the field
func (f Field) Validate(v any) error {
	switch f.Type {
	case FieldInt, FieldFloat:
		n, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("%s must be a number", f.Label)
		}
		if f.Type == FieldInt && n != float64(int64(n)) {
			return fmt.Errorf("%s must be a whole number", f.Label)
		}
		if n < f.Min || n > f.Max {
			return fmt.Errorf("%s must be between %v and %v", f.Label, f.Min, f.Max)
		}
	case FieldChoice:
		s, _ := v.(string)
		for _, c := range f.Choices {
			if s == c {
				return nil
			}
		}
		return fmt.Errorf("%s must be one of %v", f.Label, f.Choices)
	case FieldTime:
		s, ok := v.(string)
		if !ok || !clockPattern.MatchString(s) {
			return fmt.Errorf("%s must be HH:MM", f.Label)
		}
	case FieldBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s must be true or false", f.Label)
		}
	}
	return nil
}

// Schema is the config schema of a parameter
type Schema struct {
	Fields []Field `json:"fields"`
}

// Defaults returns the default value of every field
func (s Schema) Defaults() map[string]any {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		out[f.Name] = f.Default
	}
	return out
}

// Resolve fills missing fields with defaults and validates the result
func (s Schema) Resolve(config map[string]any) (map[string]any, error) {
	out := s.Defaults()
	for k, v := range config {
		out[k] = v
	}
	if err := s.Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks every field present in values. Missing required fields fail.
func (s Schema) Validate(values map[string]any) error {
	var errs []error
	for _, f := range s.Fields {
		v, ok := values[f.Name]
		if !ok || v == nil {
			if !f.Optional {
				errs = append(errs, fmt.Errorf("%s is required", f.Label))
			}
			continue
		}
		if err := f.Validate(v); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
