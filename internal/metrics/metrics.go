package metrics

import (
	"github.com/ignatij/triageflow/pkg/models"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "triageflow"

// Collector exports run progress as Prometheus metrics. It implements
// service.Observer.
type Collector struct {
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	attempts     prometheus.Histogram
	violations   *prometheus.CounterVec
	threats      *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished tasks by workflow, status and reason.",
		}, []string{"workflow_id", "status", "reason"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of tasks that started.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"workflow_id", "status"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_attempts",
			Help:      "Attempts made by tasks that started.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_violations_total",
			Help:      "Query validation violations by type and severity.",
		}, []string{"type", "severity"}),
		threats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threat_events_total",
			Help:      "Runtime monitor threat events by type and severity.",
		}, []string{"type", "severity"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished workflow runs by workflow and status.",
		}, []string{"workflow_id", "status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of workflow runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	for _, col := range []prometheus.Collector{c.tasks, c.taskDuration, c.attempts, c.violations, c.threats, c.runs, c.runDuration} {
		if err := reg.Register(col); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return c, nil
}

func (c *Collector) TaskFinished(workflowID string, result models.TaskResult) {
	c.tasks.WithLabelValues(workflowID, string(result.Status), string(result.Reason)).Inc()
	if result.StartedAt == nil {
		return
	}
	c.taskDuration.WithLabelValues(workflowID, string(result.Status)).Observe(result.Duration().Seconds())
	c.attempts.Observe(float64(result.Attempts))
}

func (c *Collector) ViolationRecorded(v models.SecurityViolation) {
	c.violations.WithLabelValues(string(v.Type), string(v.Severity)).Inc()
}

func (c *Collector) ThreatRecorded(e models.ThreatEvent) {
	c.threats.WithLabelValues(string(e.Type), string(e.Severity)).Inc()
}

func (c *Collector) RunFinished(report *models.Report) {
	if report == nil {
		return
	}
	c.runs.WithLabelValues(report.WorkflowID, string(report.Status)).Inc()
	c.runDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
}
