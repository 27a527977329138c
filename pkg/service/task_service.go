package service

import (
	"fmt"
	"time"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/ignatij/triageflow/pkg/storage"
)

// Readiness is what happens to a task once all of its dependencies are terminal.
type Readiness int

const (
	RunTask Readiness = iota
	RunDegraded
	BlockTask
	SkipTask
)

// ReadinessDecision explains a Readiness verdict.
type ReadinessDecision struct {
	Readiness Readiness
	Reason    string
	// Degraded holds a context entry for every optional dependency that did not succeed.
	Degraded map[string]models.DegradedEntry
}

type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{
		store:  store,
		logger: logger,
	}
}

// Readiness decides whether task may run given the results of earlier phases.
func (ts *TaskService) Readiness(task models.TaskDefinition, results map[string]models.TaskResult) ReadinessDecision {
	decision := ReadinessDecision{Readiness: RunTask}
	for _, dep := range task.Dependencies {
		res, ok := results[dep]
		status := res.Status
		if !ok {
			status = models.BlockedTaskStatus
		}
		if status == models.SucceededTaskStatus {
			continue
		}
		if !task.IsOptionalDependency(dep) {
			ts.logger.Infof("Cannot run task %s as dependency %s is in status %s", task.ID, dep, status)
			return ReadinessDecision{
				Readiness: BlockTask,
				Reason:    fmt.Sprintf("dependency '%s' did not succeed (%s)", dep, status),
			}
		}
		if decision.Degraded == nil {
			decision.Degraded = make(map[string]models.DegradedEntry)
		}
		decision.Degraded[dep] = models.DegradedEntry{
			Absent: true,
			TaskID: dep,
			Status: status,
			Reason: degradedReason(res),
		}
	}
	if len(decision.Degraded) == 0 {
		return decision
	}
	if task.SkipIfDegraded {
		decision.Readiness = SkipTask
		decision.Reason = "optional dependencies did not succeed and the task skips when degraded"
		return decision
	}
	decision.Readiness = RunDegraded
	decision.Reason = "running with degraded context: optional dependencies did not succeed"
	return decision
}

func degradedReason(res models.TaskResult) string {
	if res.Error != "" {
		return res.Error
	}
	if len(res.Warnings) > 0 {
		return res.Warnings[0]
	}
	return ""
}

// StartRun persists the header of a new run.
func (ts *TaskService) StartRun(run models.Run) error {
	return ts.inTx("StartRun", func(tx storage.Store) error {
		if err := tx.SaveRun(run); err != nil {
			ts.logger.Errorf("Failed to save run %s: %v", run.ID, err)
			return fmt.Errorf("failed to save run %s: %v", run.ID, err)
		}
		return nil
	})
}

// SaveTaskResults persists the results of a run in the given order.
func (ts *TaskService) SaveTaskResults(runID string, order []string, results map[string]models.TaskResult) error {
	return ts.inTx("SaveTaskResults", func(tx storage.Store) error {
		for _, id := range order {
			res, ok := results[id]
			if !ok {
				continue
			}
			if err := tx.SaveTaskResult(runID, res); err != nil {
				ts.logger.Errorf("Failed to save result of task %s: %v", id, err)
				return fmt.Errorf("failed to save result of task %s: %v", id, err)
			}
		}
		return nil
	})
}

// FinishRun persists the security records of a run and its final status.
func (ts *TaskService) FinishRun(report *models.Report) error {
	return ts.inTx("FinishRun", func(tx storage.Store) error {
		for _, v := range report.Violations {
			if err := tx.SaveViolation(report.RunID, v); err != nil {
				ts.logger.Errorf("Failed to save violation for run %s: %v", report.RunID, err)
				return fmt.Errorf("failed to save violation: %v", err)
			}
		}
		for _, e := range report.Threats {
			if err := tx.SaveThreatEvent(report.RunID, e); err != nil {
				ts.logger.Errorf("Failed to save threat event %s: %v", e.ID, err)
				return fmt.Errorf("failed to save threat event %s: %v", e.ID, err)
			}
		}
		finishedAt := report.FinishedAt
		if finishedAt.IsZero() {
			finishedAt = time.Now()
		}
		if err := tx.UpdateRunStatus(report.RunID, report.Status, &finishedAt); err != nil {
			ts.logger.Errorf("Failed to update run %s status to %s: %v", report.RunID, report.Status, err)
			return fmt.Errorf("failed to update run %s status: %v", report.RunID, err)
		}
		return nil
	})
}

func (ts *TaskService) inTx(op string, fn func(tx storage.Store) error) (err error) {
	txStore, err := ts.store.Begin()
	if err != nil {
		ts.logger.Errorf("Failed to begin transaction for %s: %v", op, err)
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ts.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()
	return fn(txStore)
}
