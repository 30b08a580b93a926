package model

import (
	"fmt"
	"time"
)

// Mode selects how a run turns parameters into combinations
type Mode string

const (
	ModeSweep  Mode = "sweep"
	ModeGrid   Mode = "grid"
	ModeStaged Mode = "staged"
)

// ParameterValues holds the candidate values of one parameter
type ParameterValues struct {
	Name   string `json:"name" yaml:"name"`
	Values []any  `json:"values" yaml:"values"`
}

// Stage is one round of a staged run
type Stage struct {
	Parameter string `json:"parameter" yaml:"parameter"`
	Values    []any  `json:"values" yaml:"values"`
}

// Objective picks the winning task of a stage
type Objective struct {
	Metric   string `json:"metric" yaml:"metric"`
	Maximize bool   `json:"maximize" yaml:"maximize"`
}

// Better reports whether a beats b under the objective
func (o Objective) Better(a, b float64) bool {
	if o.Maximize {
		return a > b
	}
	return a < b
}

// RunSpec describes one run. It is not mutated after Start.
type RunSpec struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Mode       Mode              `json:"mode" yaml:"mode"`
	Target     string            `json:"target" yaml:"target"`
	Sweep      *ParameterValues  `json:"sweep,omitempty" yaml:"sweep,omitempty"`
	Grid       []ParameterValues `json:"grid,omitempty" yaml:"grid,omitempty"`
	Stages     []Stage           `json:"stages,omitempty" yaml:"stages,omitempty"`
	Objective  Objective         `json:"objective" yaml:"objective"`
	MaxWorkers int               `json:"max_workers" yaml:"max_workers"`
	MaxRetries int               `json:"max_retries" yaml:"max_retries"`
}

// Validate checks that the fields required by the mode are present
func (s *RunSpec) Validate() error {
	if s.Target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidSpec)
	}
	if s.MaxWorkers < 1 {
		return fmt.Errorf("%w: max_workers must be at least 1", ErrInvalidSpec)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidSpec)
	}

	switch s.Mode {
	case ModeSweep:
		if s.Sweep == nil || s.Sweep.Name == "" {
			return fmt.Errorf("%w: sweep mode requires a parameter", ErrInvalidSpec)
		}
	case ModeGrid:
		if len(s.Grid) == 0 {
			return fmt.Errorf("%w: grid mode requires at least one parameter", ErrInvalidSpec)
		}
		seen := make(map[string]bool, len(s.Grid))
		for _, p := range s.Grid {
			if p.Name == "" {
				return fmt.Errorf("%w: grid parameter without a name", ErrInvalidSpec)
			}
			if seen[p.Name] {
				return fmt.Errorf("%w: duplicate grid parameter %q", ErrInvalidSpec, p.Name)
			}
			seen[p.Name] = true
		}
	case ModeStaged:
		if len(s.Stages) == 0 {
			return fmt.Errorf("%w: staged mode requires at least one stage", ErrInvalidSpec)
		}
		for i, st := range s.Stages {
			if st.Parameter == "" {
				return fmt.Errorf("%w: stage %d has no parameter", ErrInvalidSpec, i+1)
			}
		}
		if len(s.Stages) > 1 && s.Objective.Metric == "" {
			return fmt.Errorf("%w: staged mode requires an objective metric", ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidSpec, s.Mode)
	}
	return nil
}

// Parameters returns every parameter name the run touches, in declaration order
func (s *RunSpec) Parameters() []string {
	switch s.Mode {
	case ModeSweep:
		if s.Sweep != nil {
			return []string{s.Sweep.Name}
		}
	case ModeGrid:
		names := make([]string, len(s.Grid))
		for i, p := range s.Grid {
			names[i] = p.Name
		}
		return names
	case ModeStaged:
		names := make([]string, len(s.Stages))
		for i, st := range s.Stages {
			names[i] = st.Parameter
		}
		return names
	}
	return nil
}

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
)

// RunStats is an aggregate snapshot of a run
type RunStats struct {
	RunID         string     `json:"run_id"`
	Status        RunStatus  `json:"status"`
	Total         int        `json:"total"`
	Completed     int        `json:"completed"`
	Failed        int        `json:"failed"`
	Pending       int        `json:"pending"`
	Running       int        `json:"running"`
	ActiveWorkers int        `json:"active_workers"`
	Stage         int        `json:"stage"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// WorkerState represents the state of one automation session
type WorkerState string

const (
	WorkerStateIdle    WorkerState = "idle"
	WorkerStateRunning WorkerState = "running"
	WorkerStateError   WorkerState = "error"
	WorkerStateStopped WorkerState = "stopped"
)
