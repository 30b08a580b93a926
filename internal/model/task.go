package model

import (
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// Finalized reports whether the status is terminal for a task
func (s TaskStatus) Finalized() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// FailureKind labels a failed execution attempt
type FailureKind string

const (
	FailureNone            FailureKind = ""
	FailureTiming          FailureKind = "timing"
	FailureModalStuck      FailureKind = "modal-stuck"
	FailureSessionExpired  FailureKind = "session-expired"
	FailureAutomationCrash FailureKind = "automation-crash"
	FailurePlatformError   FailureKind = "platform-error"
	FailurePermanent       FailureKind = "permanent"
)

// FailureKinds lists every kind in a stable order
var FailureKinds = []FailureKind{
	FailureTiming,
	FailureModalStuck,
	FailureSessionExpired,
	FailureAutomationCrash,
	FailurePlatformError,
	FailurePermanent,
}

// Retryable reports whether another attempt may fix the failure.
// Permanent is the label applied once retries are used up.
func (k FailureKind) Retryable() bool {
	return k != FailurePermanent && k != FailureNone
}

// Task represents one parameter combination to execute against the target
type Task struct {
	ID       string     `json:"id"`
	RunID    string     `json:"run_id"`
	Stage    int        `json:"stage"`
	Params   ParamSet   `json:"params"`
	Status   TaskStatus `json:"status"`
	Attempts int        `json:"attempts"`

	// Timing fields
	CreatedAt   time.Time  `json:"created_at"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`

	// Populated once the task is finalized
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Clone returns a copy of the task safe to hand to other goroutines
func (t *Task) Clone() *Task {
	c := *t
	c.Params = t.Params.Clone()
	if t.LastAttempt != nil {
		at := *t.LastAttempt
		c.LastAttempt = &at
	}
	return &c
}

// TaskResult is produced once per execution attempt
type TaskResult struct {
	TaskID      string             `json:"task_id"`
	RunID       string             `json:"run_id"`
	WorkerID    string             `json:"worker_id"`
	Stage       int                `json:"stage"`
	Attempt     int                `json:"attempt"`
	Success     bool               `json:"success"`
	Params      ParamSet           `json:"params"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Extras      map[string]string  `json:"extras,omitempty"`
	Error       string             `json:"error,omitempty"`
	FailureKind FailureKind        `json:"failure_kind,omitempty"`
	Artifacts   map[string]string  `json:"artifacts,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`

	// Final is set when this attempt finalized the task
	Final  bool       `json:"final"`
	Status TaskStatus `json:"status"`
}

// Duration returns how long the attempt took
func (r *TaskResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Metric returns the named metric and whether it was extracted
func (r *TaskResult) Metric(name string) (float64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}
