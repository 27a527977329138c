package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/ignatij/triageflow/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ service.Observer = (*Collector)(nil)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)

	c.TaskFinished("triage", models.TaskResult{TaskID: "lic", Status: models.SucceededTaskStatus, Attempts: 1, StartedAt: &start, FinishedAt: &end})
	c.TaskFinished("triage", models.TaskResult{TaskID: "idx", Status: models.FailedTaskStatus, Reason: models.SecurityFailure, Attempts: 1, StartedAt: &start, FinishedAt: &end})
	c.TaskFinished("triage", models.TaskResult{TaskID: "report", Status: models.BlockedTaskStatus, Reason: models.DependencyFailure})
	c.ViolationRecorded(models.SecurityViolation{Type: models.SubsearchViolation, Severity: models.CriticalSeverity})
	c.ThreatRecorded(models.ThreatEvent{Type: models.InjectionAttemptThreat, Severity: models.CriticalSeverity})
	c.RunFinished(&models.Report{WorkflowID: "triage", Status: models.PartiallySucceededRunStatus, StartedAt: start, FinishedAt: end})
	c.RunFinished(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("triage", "SUCCEEDED", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("triage", "FAILED", "security")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("triage", "BLOCKED", "dependency")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.violations.WithLabelValues("SUBSEARCH", "CRITICAL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.threats.WithLabelValues("INJECTION_ATTEMPT", "CRITICAL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("triage", "PARTIALLY_SUCCEEDED")))

	// only the two tasks that started are timed
	assert.Equal(t, 2, testutil.CollectAndCount(c.taskDuration))
	err = testutil.CollectAndCompare(c.attempts, strings.NewReader(`
# HELP triageflow_task_attempts Attempts made by tasks that started.
# TYPE triageflow_task_attempts histogram
triageflow_task_attempts_bucket{le="1"} 2
triageflow_task_attempts_bucket{le="2"} 2
triageflow_task_attempts_bucket{le="3"} 2
triageflow_task_attempts_bucket{le="5"} 2
triageflow_task_attempts_bucket{le="8"} 2
triageflow_task_attempts_bucket{le="+Inf"} 2
triageflow_task_attempts_sum 2
triageflow_task_attempts_count 2
`))
	assert.NoError(t, err)
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}
