package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	// AlertTypeTaskFailure fires when a task is finalized as failed
	AlertTypeTaskFailure AlertType = "task_failure"
	// AlertTypeFailureRate fires when the share of failed tasks in a run crosses a threshold
	AlertTypeFailureRate AlertType = "failure_rate"
	// AlertTypePlatformError fires when the target site itself keeps reporting errors
	AlertTypePlatformError AlertType = "platform_error"
)

// AlertRule defines a rule for generating alerts
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      AlertType     `json:"type"`
	Threshold float64       `json:"threshold,omitempty"`
	Severity  AlertSeverity `json:"severity"`
	Silenced  bool          `json:"silenced"`
	CreatedAt time.Time     `json:"created_at"`
}

// Alert represents an alert event
type Alert struct {
	ID        string         `json:"id"`
	RuleID    string         `json:"rule_id"`
	RunID     string         `json:"run_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Type      AlertType      `json:"type"`
	Severity  AlertSeverity  `json:"severity"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
