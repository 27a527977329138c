package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/ignatij/triageflow/pkg/security"
	"github.com/ignatij/triageflow/pkg/service"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger interface for testing
type testLogger struct{}

func (testLogger) Debugf(format string, args ...interface{}) {}
func (testLogger) Infof(format string, args ...interface{}) {}
func (testLogger) Warnf(format string, args ...interface{}) {}
func (testLogger) Errorf(format string, args ...interface{}) {}

// recordingDispatcher answers every query and remembers what it was asked.
type recordingDispatcher struct {
	mu      sync.Mutex
	queries []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, capability, query string, _ map[string]any) (any, error) {
	d.mu.Lock()
	d.queries = append(d.queries, query)
	d.mu.Unlock()
	return map[string]any{"capability": capability, "rows": 1}, nil
}

func (d *recordingDispatcher) Queries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.queries...)
}

func newCatalog(t *testing.T, d service.Dispatcher) *service.Catalog {
	t.Helper()
	catalog := service.NewCatalog()
	require.NoError(t, catalog.Register("search", d))
	require.NoError(t, catalog.Register("metadata", d))
	return catalog
}

func newExecutor(t *testing.T, d service.Dispatcher, monitorCfg security.MonitorConfig, opts ...service.ExecutorOption) *service.Executor {
	t.Helper()
	validator := security.MustNewValidator(security.DefaultValidatorConfig())
	monitor := security.NewMonitor(monitorCfg, security.NewMemoryBaselineStore(), security.WithResourcePolicy(validator))
	return service.NewExecutor(newCatalog(t, d), validator, monitor, testLogger{}, opts...)
}

func task(id string, deps ...string) models.TaskDefinition {
	return models.TaskDefinition{ID: id, Name: id, Dependencies: deps}
}

func workflow(tasks ...models.TaskDefinition) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{ID: "wf", Name: "test workflow", Tasks: tasks}
}

func execute(t *testing.T, ex *service.Executor, wf *models.WorkflowDefinition, input map[string]any) *service.ExecutionOutput {
	t.Helper()
	out, err := ex.Execute(context.Background(), service.ExecutionInput{Workflow: wf, Context: input, CallerID: "agent-1", RunID: "run-1"})
	require.NoError(t, err)
	return out
}
