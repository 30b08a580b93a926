package model

import (
	"time"
)

// RunSchedule starts a run from a spec file on a cron expression
type RunSchedule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Expression  string     `json:"expression"`
	SpecPath    string     `json:"spec_path"`
	LastRunID   string     `json:"last_run_id,omitempty"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
