package models

import "time"

type RunStatus string

const (
	RunningRunStatus            RunStatus = "RUNNING"
	SucceededRunStatus          RunStatus = "SUCCEEDED"
	PartiallySucceededRunStatus RunStatus = "PARTIALLY_SUCCEEDED"
	FailedRunStatus             RunStatus = "FAILED"
)

type FindingSource string

const (
	TaskFindingSource      FindingSource = "task"
	ViolationFindingSource FindingSource = "violation"
	ThreatFindingSource    FindingSource = "threat"
)

// Finding is one ranked entry of a report.
type Finding struct {
	Severity Severity      `json:"severity"`
	Source   FindingSource `json:"source"`
	Kind     string        `json:"kind"`              // Task status, violation type or threat type
	TaskID   string        `json:"task_id,omitempty"` // Owning task, if any
	Message  string        `json:"message"`
}

// Report is the synthesized outcome of one workflow run.
type Report struct {
	RunID           string                `json:"run_id"`
	WorkflowID      string                `json:"workflow_id"`
	CallerID        string                `json:"caller_id"`
	Status          RunStatus             `json:"status"`
	Findings        []Finding             `json:"findings"`
	Recommendations []string              `json:"recommendations"`
	TaskCounts      map[TaskStatus]int    `json:"task_counts"`
	Tasks           map[string]TaskResult `json:"tasks"`
	Violations      []SecurityViolation   `json:"violations,omitempty"`
	Threats         []ThreatEvent         `json:"threats,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	FinishedAt      time.Time             `json:"finished_at"`
}

// Run is the persisted audit record of one execution.
type Run struct {
	ID         string              `json:"id" db:"id"`
	WorkflowID string              `json:"workflow_id" db:"workflow_id"`
	CallerID   string              `json:"caller_id" db:"caller_id"`
	Status     RunStatus           `json:"status" db:"status"`
	StartedAt  time.Time           `json:"started_at" db:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty" db:"finished_at"`
	Tasks      []TaskResult        `json:"tasks,omitempty"`      // Populated on read
	Violations []SecurityViolation `json:"violations,omitempty"` // Populated on read
	Threats    []ThreatEvent       `json:"threats,omitempty"`    // Populated on read
}
