package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	internal_storage "github.com/ignatij/triageflow/internal/storage"
	"github.com/ignatij/triageflow/internal/testutil"
	"github.com/ignatij/triageflow/pkg/models"
	"github.com/ignatij/triageflow/pkg/security"
	"github.com/ignatij/triageflow/pkg/service"
	"github.com/ignatij/triageflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reportObserver struct {
	service.NopObserver
	mu      sync.Mutex
	reports []*models.Report
	tasks   int
}

func (o *reportObserver) TaskFinished(string, models.TaskResult) {
	o.mu.Lock()
	o.tasks++
	o.mu.Unlock()
}

func (o *reportObserver) RunFinished(r *models.Report) {
	o.mu.Lock()
	o.reports = append(o.reports, r)
	o.mu.Unlock()
}

func diagnosticWorkflow() models.WorkflowDefinition {
	return models.WorkflowDefinition{
		ID:             "index-health",
		Name:           "Index health",
		DefaultContext: map[string]any{"index": "main", "earliest": "-1h"},
		Tasks: []models.TaskDefinition{
			{
				ID:                   "lic",
				Name:                 "Check license state",
				RequiredCapabilities: []string{"search"},
				Queries:              []models.QuerySpec{{Capability: "search", Query: "index={{.index}} earliest={{.earliest}} | stats count"}},
			},
			{
				ID:                   "idx",
				Name:                 "Verify index access",
				RequiredCapabilities: []string{"metadata"},
				Queries:              []models.QuerySpec{{Capability: "metadata", Query: "| metadata type=sourcetypes index={{.index}}"}},
			},
			{
				ID:           "report",
				Name:         "Summarize",
				Dependencies: []string{"lic", "idx"},
			},
		},
	}
}

func runWorkflowServiceTests(t *testing.T, newStore func(t *testing.T) storage.Store) {
	newService := func(t *testing.T, d service.Dispatcher, opts ...service.ExecutorOption) *service.WorkflowService {
		validator := security.MustNewValidator(security.DefaultValidatorConfig())
		monitor := security.NewMonitor(security.DefaultMonitorConfig(), nil, security.WithResourcePolicy(validator))
		return service.NewWorkflowService(newStore(t), testLogger{}, validator, monitor, newCatalog(t, d), opts...)
	}

	t.Run("RunAndPersist", func(t *testing.T) {
		d := &recordingDispatcher{}
		observer := &reportObserver{}
		svc := newService(t, d, service.WithObserver(observer))

		var reportCtx map[string]any
		require.NoError(t, svc.RegisterTask("report", func(ctx context.Context, env *service.TaskEnv) (any, error) {
			reportCtx = env.Context
			return "all good", nil
		}))

		report, err := svc.RunDefinition(context.Background(), diagnosticWorkflow(), map[string]any{"index": "web"}, "agent-7")
		require.NoError(t, err)

		assert.Equal(t, models.SucceededRunStatus, report.Status)
		assert.Equal(t, "index-health", report.WorkflowID)
		assert.Equal(t, "agent-7", report.CallerID)
		assert.NotEmpty(t, report.RunID)
		assert.Equal(t, 3, report.TaskCounts[models.SucceededTaskStatus])
		assert.ElementsMatch(t, []string{
			"index=web earliest=-1h | stats count",
			"| metadata type=sourcetypes index=web",
		}, d.Queries())
		assert.Contains(t, reportCtx, "lic")
		assert.Contains(t, reportCtx, "idx")
		assert.Equal(t, "web", reportCtx["index"])

		require.Len(t, observer.reports, 1)
		assert.Equal(t, 3, observer.tasks)

		run, err := svc.GetRun(report.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.SucceededRunStatus, run.Status)
		assert.Equal(t, "agent-7", run.CallerID)
		assert.NotNil(t, run.FinishedAt)
		assert.Len(t, run.Tasks, 3)

		runs, err := svc.ListRuns()
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, report.RunID, runs[0].ID)
	})

	t.Run("SecurityRecordsArePersisted", func(t *testing.T) {
		svc := newService(t, &recordingDispatcher{})
		def := models.WorkflowDefinition{
			ID: "sneaky",
			Tasks: []models.TaskDefinition{{
				ID:                   "peek",
				RequiredCapabilities: []string{"search"},
				Queries:              []models.QuerySpec{{Capability: "search", Query: "index=main [ search index=_audit ] | stats count"}},
			}},
		}
		report, err := svc.RunDefinition(context.Background(), def, nil, "")
		require.NoError(t, err)

		assert.Equal(t, models.FailedRunStatus, report.Status)
		assert.Equal(t, service.AnonymousCaller, report.CallerID)
		require.NotEmpty(t, report.Findings)
		assert.Equal(t, models.CriticalSeverity, report.Findings[0].Severity)

		run, err := svc.GetRun(report.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, run.Status)
		require.Len(t, run.Violations, 1)
		assert.Equal(t, models.SubsearchViolation, run.Violations[0].Type)
		require.Len(t, run.Threats, 1)
		assert.Equal(t, models.InjectionAttemptThreat, run.Threats[0].Type)
	})

	t.Run("DefinitionErrorsAbortBeforeExecution", func(t *testing.T) {
		d := &recordingDispatcher{}
		svc := newService(t, d)
		def := diagnosticWorkflow()
		def.Tasks[0].Dependencies = []string{"report"}

		report, err := svc.RunDefinition(context.Background(), def, nil, "agent-7")
		assert.Nil(t, report)
		assert.True(t, service.IsDefinitionError(err))
		assert.Contains(t, err.Error(), "load workflow 'index-health'")
		assert.Empty(t, d.Queries())

		runs, err := svc.ListRuns()
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("Deadline", func(t *testing.T) {
		svc := newService(t, &recordingDispatcher{})
		require.NoError(t, svc.RegisterTask("report", func(ctx context.Context, env *service.TaskEnv) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
		wf, err := svc.LoadWorkflow(diagnosticWorkflow())
		require.NoError(t, err)

		report, err := svc.RunWorkflow(context.Background(), wf, nil, "agent-7", service.WithDeadline(100*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, models.PartiallySucceededRunStatus, report.Status)
		assert.Equal(t, models.CancelledFailure, report.Tasks["report"].Reason)
		assert.Contains(t, report.Recommendations, "Extend the workflow deadline; unfinished tasks were cancelled.")
	})

	t.Run("GetUnknownRun", func(t *testing.T) {
		svc := newService(t, &recordingDispatcher{})
		_, err := svc.GetRun("00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestWorkflowService_InMemory(t *testing.T) {
	runWorkflowServiceTests(t, func(t *testing.T) storage.Store {
		return storage.NewMemoryStore()
	})
}

func TestWorkflowService_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	runWorkflowServiceTests(t, func(t *testing.T) storage.Store {
		store, err := internal_storage.InitStore(testDB.ConnStr)
		require.NoError(t, err)
		t.Cleanup(func() {
			_, err := testDB.DB.Exec("TRUNCATE TABLE runs CASCADE")
			assert.NoError(t, err)
			store.Close()
		})
		return store
	})
}

func TestWorkflowService_ValidateQuery(t *testing.T) {
	svc := service.NewWorkflowService(nil, testLogger{}, nil, nil, nil)

	ok, violations := svc.ValidateQuery("index=main | stats count", security.StrictMode)
	assert.True(t, ok)
	assert.Empty(t, violations)

	ok, violations = svc.ValidateQuery("index=main [ search index=_audit ] | stats count", security.StrictMode)
	assert.False(t, ok)
	require.Len(t, violations, 1)
	assert.Equal(t, models.SubsearchViolation, violations[0].Type)
	assert.Equal(t, models.CriticalSeverity, violations[0].Severity)
}
