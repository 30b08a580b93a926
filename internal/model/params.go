package model

import (
	"fmt"
	"strings"
)

// Assignment binds a value to a named parameter
type Assignment struct {
	Name  string `json:"name" yaml:"name"`
	Value any    `json:"value" yaml:"value"`
}

// ParamSet is an ordered parameter to value mapping.
// Order follows the declaration order of the run.
type ParamSet []Assignment

// Get returns the value assigned to name
func (p ParamSet) Get(name string) (any, bool) {
	for _, a := range p {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// Names returns the parameter names in order
func (p ParamSet) Names() []string {
	names := make([]string, len(p))
	for i, a := range p {
		names[i] = a.Name
	}
	return names
}

// Map returns the assignments as an unordered map
func (p ParamSet) Map() map[string]any {
	m := make(map[string]any, len(p))
	for _, a := range p {
		m[a.Name] = a.Value
	}
	return m
}

// With returns a copy with name set to value, replacing an existing assignment in place
func (p ParamSet) With(name string, value any) ParamSet {
	out := p.Clone()
	for i := range out {
		if out[i].Name == name {
			out[i].Value = value
			return out
		}
	}
	return append(out, Assignment{Name: name, Value: value})
}

// Clone returns a shallow copy
func (p ParamSet) Clone() ParamSet {
	if p == nil {
		return nil
	}
	out := make(ParamSet, len(p))
	copy(out, p)
	return out
}

func (p ParamSet) String() string {
	parts := make([]string, len(p))
	for i, a := range p {
		parts[i] = fmt.Sprintf("%s=%v", a.Name, a.Value)
	}
	return strings.Join(parts, ",")
}
