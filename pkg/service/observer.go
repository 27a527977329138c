package service

import "github.com/ignatij/triageflow/pkg/models"

// Logger defines the logging interface used by the services
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer is notified as a run progresses. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	TaskFinished(workflowID string, result models.TaskResult)
	ViolationRecorded(v models.SecurityViolation)
	ThreatRecorded(e models.ThreatEvent)
	RunFinished(report *models.Report)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) TaskFinished(string, models.TaskResult) {}
func (NopObserver) ViolationRecorded(models.SecurityViolation) {}
func (NopObserver) ThreatRecorded(models.ThreatEvent) {}
func (NopObserver) RunFinished(*models.Report) {}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{}) {}
func (nopLogger) Errorf(string, ...interface{}) {}
