package models

import "time"

type TaskStatus string

const (
	SucceededTaskStatus TaskStatus = "SUCCEEDED"
	FailedTaskStatus    TaskStatus = "FAILED"
	BlockedTaskStatus   TaskStatus = "BLOCKED"
	SkippedTaskStatus   TaskStatus = "SKIPPED"
)

// IsTerminal reports whether the status is one a TaskResult can carry.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case SucceededTaskStatus, FailedTaskStatus, BlockedTaskStatus, SkippedTaskStatus:
		return true
	}
	return false
}

// FailureReason classifies why a task did not succeed.
type FailureReason string

const (
	SetupFailure      FailureReason = "setup"
	ExecutionFailure  FailureReason = "execution"
	SecurityFailure   FailureReason = "security"
	TimeoutFailure    FailureReason = "timeout"
	CancelledFailure  FailureReason = "cancelled"
	DependencyFailure FailureReason = "dependency"
)

// TaskResult is the outcome of a single task within one run.
type TaskResult struct {
	TaskID         string        `json:"task_id" db:"task_id"`                   // Task being reported
	Status         TaskStatus    `json:"status" db:"status"`                     // SUCCEEDED, FAILED, BLOCKED or SKIPPED
	Output         any           `json:"output,omitempty" db:"-"`                // Merged into shared context under TaskID on success
	Error          string        `json:"error,omitempty" db:"error_msg"`         // Present iff Failed
	Reason         FailureReason `json:"reason,omitempty" db:"reason"`           // Why the task failed, was blocked or skipped
	Attempts       int           `json:"attempts,omitempty" db:"attempts"`       // Dispatch attempts made
	Degraded       bool          `json:"degraded,omitempty" db:"degraded"`       // Ran without one of its optional dependencies
	Warnings       []string      `json:"warnings,omitempty" db:"-"`              // Non-fatal notes (blocked reason, degraded context, anomalies)
	SecurityErrors []string      `json:"security_errors,omitempty" db:"-"`       // Per-query rejections
	StartedAt      *time.Time    `json:"started_at,omitempty" db:"started_at"`   // Nil if the task never ran
	FinishedAt     *time.Time    `json:"finished_at,omitempty" db:"finished_at"` // Nil if the task never ran
}

// Duration returns how long the task ran, or zero if it never started.
func (r TaskResult) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// DegradedEntry replaces the output of an optional dependency that did not succeed.
type DegradedEntry struct {
	Absent bool       `json:"absent"`
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}
