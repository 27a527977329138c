package service

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/triageflow/pkg/models"
	"github.com/ignatij/triageflow/pkg/security"
	"github.com/ignatij/triageflow/pkg/storage"
	"github.com/pkg/errors"
)

// AnonymousCaller is used for runs submitted without a caller id.
const AnonymousCaller = "anonymous"

// Workflow is a definition that passed validation, together with its phases.
// It is immutable and may be run any number of times.
type Workflow struct {
	Definition models.WorkflowDefinition
	Phases     []models.ExecutionPhase
}

// WorkflowService is the entry point for running workflows and validating queries.
type WorkflowService struct {
	store       storage.Store
	logger      Logger
	validator   *security.Validator
	executor    *Executor
	taskService *TaskService
	now         func() time.Time
}

func NewWorkflowService(
	store storage.Store,
	logger Logger,
	validator *security.Validator,
	monitor *security.Monitor,
	catalog *Catalog,
	opts ...ExecutorOption) *WorkflowService {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if logger == nil {
		logger = nopLogger{}
	}
	if validator == nil {
		validator = security.MustNewValidator(security.DefaultValidatorConfig())
	}
	return &WorkflowService{
		store:       store,
		logger:      logger,
		validator:   validator,
		executor:    NewExecutor(catalog, validator, monitor, logger, opts...),
		taskService: NewTaskService(store, logger),
		now:         time.Now,
	}
}

// LoadWorkflow validates def once and resolves its phases. The returned
// workflow holds its own copy of the definition.
func (s *WorkflowService) LoadWorkflow(def models.WorkflowDefinition) (*Workflow, error) {
	def.Tasks = slices.Clone(def.Tasks)
	def.DefaultContext = maps.Clone(def.DefaultContext)
	phases, err := ResolvePhases(&def)
	if err != nil {
		s.logger.Errorf("Workflow %s rejected: %v", def.ID, err)
		return nil, errors.WithMessagef(err, "load workflow '%s'", def.ID)
	}
	s.logger.Infof("Loaded workflow %s with %d tasks in %d phases", def.ID, len(def.Tasks), len(phases))
	return &Workflow{Definition: def, Phases: phases}, nil
}

// RegisterTask binds a task id to its implementation.
func (s *WorkflowService) RegisterTask(taskID string, fn TaskFunc) error {
	return s.executor.RegisterTask(taskID, fn)
}

type runOptions struct {
	deadline time.Duration
}

type RunOption func(*runOptions)

// WithDeadline cancels every unfinished task once d has elapsed.
func WithDeadline(d time.Duration) RunOption {
	return func(o *runOptions) {
		o.deadline = d
	}
}

// RunWorkflow executes wf on behalf of callerID and returns its report. A
// report is returned for every run, including runs where no task succeeded.
// Storage failures are logged and never fail the run.
func (s *WorkflowService) RunWorkflow(ctx context.Context, wf *Workflow, input map[string]any, callerID string, opts ...RunOption) (*models.Report, error) {
	if wf == nil {
		return nil, &InvalidDefinitionError{Reason: "workflow must not be nil"}
	}
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.deadline)
		defer cancel()
	}
	if callerID == "" {
		callerID = AnonymousCaller
	}

	runCtx := maps.Clone(wf.Definition.DefaultContext)
	if runCtx == nil {
		runCtx = make(map[string]any, len(input))
	}
	maps.Copy(runCtx, input)

	run := models.Run{
		ID:         uuid.NewString(),
		WorkflowID: wf.Definition.ID,
		CallerID:   callerID,
		Status:     models.RunningRunStatus,
		StartedAt:  s.now(),
	}
	s.logger.Infof("Starting run %s of workflow %s for caller %s", run.ID, run.WorkflowID, callerID)
	if err := s.taskService.StartRun(run); err != nil {
		s.logger.Errorf("Failed to persist run %s: %v", run.ID, err)
	}

	out, err := s.executor.Execute(ctx, ExecutionInput{
		Workflow: &wf.Definition,
		Phases:   wf.Phases,
		Context:  runCtx,
		CallerID: callerID,
		RunID:    run.ID,
	})
	if err != nil {
		return nil, err
	}

	order := wf.Definition.TaskIDs()
	if err := s.taskService.SaveTaskResults(run.ID, order, out.Results); err != nil {
		s.logger.Errorf("Failed to persist task results of run %s: %v", run.ID, err)
	}

	report := Summarize(SummaryInput{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		CallerID:   callerID,
		TaskOrder:  order,
		Results:    out.Results,
		Violations: out.Violations,
		Threats:    out.Threats,
		StartedAt:  run.StartedAt,
		FinishedAt: s.now(),
	})
	if err := s.taskService.FinishRun(report); err != nil {
		s.logger.Errorf("Failed to persist outcome of run %s: %v", run.ID, err)
	}
	s.executor.Observer().RunFinished(report)
	s.logger.Infof("Run %s finished with status %s (%d findings)", run.ID, report.Status, len(report.Findings))
	return report, nil
}

// RunDefinition loads def and runs it.
func (s *WorkflowService) RunDefinition(ctx context.Context, def models.WorkflowDefinition, input map[string]any, callerID string, opts ...RunOption) (*models.Report, error) {
	wf, err := s.LoadWorkflow(def)
	if err != nil {
		return nil, err
	}
	return s.RunWorkflow(ctx, wf, input, callerID, opts...)
}

// ValidateQuery checks a query without running it. It never records anything
// against the caller's baseline.
func (s *WorkflowService) ValidateQuery(query string, mode security.Mode) (bool, []models.SecurityViolation) {
	return s.validator.Validate(query, mode)
}

// ListRuns returns the stored runs, newest first.
func (s *WorkflowService) ListRuns() ([]models.Run, error) {
	runs, err := s.store.ListRuns()
	if err != nil {
		s.logger.Errorf("Failed to list runs: %v", err)
		return nil, errors.Wrap(err, "list runs")
	}
	return runs, nil
}

// GetRun returns a stored run with its task results and security records.
func (s *WorkflowService) GetRun(id string) (models.Run, error) {
	run, err := s.store.GetRun(id)
	if err != nil {
		return models.Run{}, errors.WithMessagef(err, "get run %s", id)
	}
	return run, nil
}

// Capabilities lists the capabilities tasks may declare.
func (s *WorkflowService) Capabilities() []string {
	return s.executor.catalog.Capabilities()
}
