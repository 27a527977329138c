package storage

import (
	"time"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the storage operations for finished and in-flight runs.
// Stores are audit records only; they are never used to resume a run.
type Store interface {
	// Transaction operations
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Run operations
	SaveRun(r models.Run) error
	UpdateRunStatus(id string, status models.RunStatus, finishedAt *time.Time) error
	// GetRun returns the run with its task results, violations and threats.
	GetRun(id string) (models.Run, error)
	// ListRuns returns run headers, most recently started first.
	ListRuns() ([]models.Run, error)

	// Run record operations
	SaveTaskResult(runID string, r models.TaskResult) error
	SaveViolation(runID string, v models.SecurityViolation) error
	SaveThreatEvent(runID string, e models.ThreatEvent) error
}
