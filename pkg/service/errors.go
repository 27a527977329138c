package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrUnknownCapability is returned when the catalog has no dispatcher for a capability.
var ErrUnknownCapability = errors.New("unknown capability")

// CyclicDependencyError names the tasks taking part in a dependency cycle.
type CyclicDependencyError struct {
	TaskIDs []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency between tasks: %s", strings.Join(e.TaskIDs, ", "))
}

// UnknownDependencyError is returned when a task depends on a task id that is
// not part of the workflow.
type UnknownDependencyError struct {
	TaskID     string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task '%s' depends on unknown task '%s'", e.TaskID, e.Dependency)
}

// InvalidDefinitionError covers the remaining structural definition problems.
type InvalidDefinitionError struct {
	TaskID string
	Reason string
}

func (e *InvalidDefinitionError) Error() string {
	if e.TaskID == "" {
		return "invalid workflow definition: " + e.Reason
	}
	return fmt.Sprintf("invalid definition for task '%s': %s", e.TaskID, e.Reason)
}

// IsDefinitionError reports whether err was caused by a malformed workflow definition.
func IsDefinitionError(err error) bool {
	var (
		cyclic  *CyclicDependencyError
		unknown *UnknownDependencyError
		invalid *InvalidDefinitionError
	)
	return errors.As(err, &cyclic) || errors.As(err, &unknown) || errors.As(err, &invalid)
}

// SecurityError is a single query attempt refused by the validator or the monitor.
type SecurityError struct {
	TaskID     string
	Capability string
	Query      string
	Reason     string
	Violations []models.SecurityViolation
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("query rejected for task '%s': %s", e.TaskID, e.Reason)
}

// TimeoutError is returned when a task exceeds its own timeout.
type TimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task '%s' timed out after %s", e.TaskID, e.Timeout)
}
