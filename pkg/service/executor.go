package service

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/ignatij/triageflow/pkg/security"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// default task timeout is 1m
	DefaultTaskTimeout = 60 * time.Second
	DefaultRetryDelay  = 100 * time.Millisecond
)

// ExecutionInput is one run of a workflow.
type ExecutionInput struct {
	Workflow *models.WorkflowDefinition
	// Phases may be nil, in which case they are resolved from Workflow.
	Phases   []models.ExecutionPhase
	Context  map[string]any
	CallerID string
	RunID    string
}

// ExecutionOutput holds everything a run produced.
type ExecutionOutput struct {
	Results    map[string]models.TaskResult
	Violations []models.SecurityViolation
	Threats    []models.ThreatEvent
	// Context is the shared context after the last phase.
	Context map[string]any
}

// Executor runs workflow phases, launching every ready task of a phase
// concurrently and waiting for the phase to finish before starting the next.
type Executor struct {
	catalog     *Catalog
	gate        *queryGate
	taskService *TaskService
	logger      Logger
	observer    Observer

	maxInFlight int
	taskTimeout time.Duration
	retryDelay  time.Duration
	now         func() time.Time

	mu    sync.RWMutex
	tasks map[string]TaskFunc
}

type ExecutorOption func(*Executor)

// WithMaxInFlight bounds how many tasks of a phase run at once. Zero means no bound.
func WithMaxInFlight(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxInFlight = n
		}
	}
}

// WithDefaultTaskTimeout sets the timeout for tasks that do not declare one.
func WithDefaultTaskTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.taskTimeout = d
		}
	}
}

// WithRetryDelay sets the pause between attempts of a failing task.
func WithRetryDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d >= 0 {
			e.retryDelay = d
		}
	}
}

// WithObserver registers a hook notified of results, violations and threats.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

func NewExecutor(catalog *Catalog, validator *security.Validator, monitor *security.Monitor, logger Logger, opts ...ExecutorOption) *Executor {
	if catalog == nil {
		catalog = NewCatalog()
	}
	if validator == nil {
		validator = security.MustNewValidator(security.DefaultValidatorConfig())
	}
	if monitor == nil {
		monitor = security.NewMonitor(security.DefaultMonitorConfig(), nil, security.WithResourcePolicy(validator))
	}
	if logger == nil {
		logger = nopLogger{}
	}
	e := &Executor{
		catalog:     catalog,
		taskService: NewTaskService(nil, logger),
		logger:      logger,
		observer:    NopObserver{},
		taskTimeout: DefaultTaskTimeout,
		retryDelay:  DefaultRetryDelay,
		now:         time.Now,
		tasks:       make(map[string]TaskFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.gate = &queryGate{validator: validator, monitor: monitor, observer: e.observer, logger: logger}
	return e
}

// RegisterTask binds a task id to its implementation. Tasks without one run
// their declared queries through RunQueries. Registering again replaces the
// previous function.
func (e *Executor) RegisterTask(taskID string, fn TaskFunc) error {
	if taskID == "" {
		return errors.New("task id must not be empty")
	}
	if fn == nil {
		return errors.Errorf("task function for '%s' must not be nil", taskID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks[taskID] = fn
	return nil
}

func (e *Executor) taskFunc(taskID string) TaskFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if fn, ok := e.tasks[taskID]; ok {
		return fn
	}
	return RunQueries
}

// Observer returns the hook results are reported to.
func (e *Executor) Observer() Observer {
	return e.observer
}

// Execute runs every phase in order. Only definition errors are returned; task
// failures, timeouts, cancellation and security rejections end up in the output.
func (e *Executor) Execute(ctx context.Context, in ExecutionInput) (*ExecutionOutput, error) {
	if in.Workflow == nil {
		return nil, &InvalidDefinitionError{Reason: "workflow must not be nil"}
	}
	phases := in.Phases
	if phases == nil {
		var err error
		if phases, err = ResolvePhases(in.Workflow); err != nil {
			return nil, err
		}
	}

	out := &ExecutionOutput{
		Results: make(map[string]models.TaskResult, len(in.Workflow.Tasks)),
		Context: maps.Clone(in.Context),
	}
	if out.Context == nil {
		out.Context = make(map[string]any)
	}

	for _, phase := range phases {
		e.logger.Infof("Starting phase %d of workflow %s with tasks %v", phase.Index, in.Workflow.ID, phase.TaskIDs)
		results, recs := e.runPhase(ctx, in, phase, out)
		for i, id := range phase.TaskIDs {
			res := results[i]
			out.Results[id] = res
			if recs[i] != nil {
				r := recs[i].snapshot()
				out.Violations = append(out.Violations, r.violations...)
				out.Threats = append(out.Threats, r.threats...)
			}
			e.observer.TaskFinished(in.Workflow.ID, res)
		}
		// merged only after the barrier so siblings never see each other's output
		for i, id := range phase.TaskIDs {
			if results[i].Status == models.SucceededTaskStatus {
				out.Context[id] = results[i].Output
			}
		}
	}
	return out, nil
}

func (e *Executor) runPhase(ctx context.Context, in ExecutionInput, phase models.ExecutionPhase, out *ExecutionOutput) ([]models.TaskResult, []*taskRecorder) {
	results := make([]models.TaskResult, len(phase.TaskIDs))
	recs := make([]*taskRecorder, len(phase.TaskIDs))
	snapshot := maps.Clone(out.Context)

	g := new(errgroup.Group)
	if e.maxInFlight > 0 {
		g.SetLimit(e.maxInFlight)
	}
	for i, id := range phase.TaskIDs {
		task, ok := in.Workflow.Task(id)
		if !ok {
			results[i] = models.TaskResult{TaskID: id, Status: models.FailedTaskStatus, Reason: models.SetupFailure,
				Error: fmt.Sprintf("task '%s' is not part of workflow '%s'", id, in.Workflow.ID)}
			continue
		}
		if err := ctx.Err(); err != nil {
			results[i] = cancelledResult(id, err)
			continue
		}
		decision := e.taskService.Readiness(task, out.Results)
		switch decision.Readiness {
		case BlockTask:
			e.logger.Infof("Task %s blocked: %s", id, decision.Reason)
			results[i] = models.TaskResult{TaskID: id, Status: models.BlockedTaskStatus, Reason: models.DependencyFailure, Warnings: []string{decision.Reason}}
			continue
		case SkipTask:
			e.logger.Infof("Task %s skipped: %s", id, decision.Reason)
			results[i] = models.TaskResult{TaskID: id, Status: models.SkippedTaskStatus, Reason: models.DependencyFailure, Degraded: true, Warnings: []string{decision.Reason}}
			continue
		}

		taskCtx := maps.Clone(snapshot)
		for dep, entry := range decision.Degraded {
			taskCtx[dep] = entry
		}
		rec := &taskRecorder{}
		if decision.Readiness == RunDegraded {
			rec.warn(decision.Reason)
		}
		recs[i] = rec
		env := &TaskEnv{Task: task, RunID: in.RunID, CallerID: in.CallerID, Context: taskCtx, gate: e.gate, rec: rec}
		degraded := decision.Readiness == RunDegraded
		g.Go(func() error {
			res := e.runTask(ctx, env)
			res.Degraded = res.Degraded || degraded
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, recs
}

type attemptResult struct {
	res any
	err error
}

// runTask resolves the task's capabilities, checks its context requirements and
// runs it with retries under its own timeout.
func (e *Executor) runTask(ctx context.Context, env *TaskEnv) models.TaskResult {
	task := env.Task
	result := models.TaskResult{TaskID: task.ID}

	if err := ctx.Err(); err != nil {
		return cancelledResult(task.ID, err)
	}
	if err := e.setup(env); err != nil {
		e.logger.Errorf("Setup of task %s failed: %v", task.ID, err)
		result.Status = models.FailedTaskStatus
		result.Reason = models.SetupFailure
		result.Error = err.Error()
		result.Warnings = env.rec.snapshot().warnings
		return result
	}

	fn := e.taskFunc(task.ID)
	timeout := task.Timeout
	if timeout <= 0 {
		// timeout is not defined on task, going with the executor default
		timeout = e.taskTimeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := e.now()
	result.StartedAt = &started

	var (
		output  any
		taskErr error
	)
	for attempt := 0; attempt <= task.Retries; attempt++ {
		e.logger.Infof("Starting task %s attempt %d", task.ID, attempt+1)
		result.Attempts = attempt + 1

		resultCh := make(chan attemptResult, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					resultCh <- attemptResult{err: errors.Errorf("task panicked: %v", r)}
				}
			}()
			res, err := fn(timeoutCtx, env)
			resultCh <- attemptResult{res, err}
		}()

		select {
		case r := <-resultCh:
			output, taskErr = r.res, r.err
		case <-timeoutCtx.Done():
			output, taskErr = nil, timeoutCtx.Err()
		}

		if taskErr == nil || !e.retryable(timeoutCtx, env, taskErr) || attempt == task.Retries {
			break
		}
		e.logger.Infof("Retrying task %s (attempt %d/%d): %v", task.ID, attempt+1, task.Retries, taskErr)
		select {
		case <-time.After(e.retryDelay):
		case <-timeoutCtx.Done():
		}
	}

	finished := e.now()
	result.FinishedAt = &finished
	rec := env.rec.snapshot()
	result.Warnings = rec.warnings
	result.SecurityErrors = rec.securityErrors
	result.Output = output

	switch {
	case taskErr != nil && ctx.Err() != nil:
		e.logger.Infof("Task %s cancelled: %v", task.ID, ctx.Err())
		result.Status = models.FailedTaskStatus
		result.Reason = models.CancelledFailure
		result.Error = fmt.Sprintf("task '%s' cancelled: %v", task.ID, ctx.Err())
	case taskErr != nil && timeoutCtx.Err() != nil:
		e.logger.Infof("Task %s timeout reached after %s", task.ID, timeout)
		result.Status = models.FailedTaskStatus
		result.Reason = models.TimeoutFailure
		result.Error = (&TimeoutError{TaskID: task.ID, Timeout: timeout}).Error()
	case len(rec.securityErrors) > 0:
		e.logger.Infof("Task %s failed with %d rejected queries", task.ID, len(rec.securityErrors))
		result.Status = models.FailedTaskStatus
		result.Reason = models.SecurityFailure
		if taskErr != nil {
			result.Error = taskErr.Error()
		} else {
			result.Error = strings.Join(rec.securityErrors, "; ")
		}
	case taskErr != nil:
		e.logger.Infof("Task %s failed after %d attempts: %v", task.ID, result.Attempts, taskErr)
		result.Status = models.FailedTaskStatus
		result.Reason = models.ExecutionFailure
		result.Error = taskErr.Error()
	default:
		e.logger.Infof("Task %s completed successfully", task.ID)
		result.Status = models.SucceededTaskStatus
	}
	return result
}

// setup resolves capabilities and checks context requirements. A task that
// fails setup never reaches Running.
func (e *Executor) setup(env *TaskEnv) error {
	task := env.Task
	env.dispatchers = make(map[string]Dispatcher, len(task.RequiredCapabilities))
	for _, capability := range task.RequiredCapabilities {
		d, err := e.catalog.Resolve(capability)
		if err != nil {
			return errors.Wrapf(err, "resolve capabilities of task '%s'", task.ID)
		}
		env.dispatchers[capability] = d
	}
	for _, q := range task.Queries {
		if _, ok := env.dispatchers[q.Capability]; !ok {
			return errors.Errorf("query capability '%s' is not among the required capabilities of task '%s'", q.Capability, task.ID)
		}
	}
	var missing []string
	for _, key := range task.ContextRequirements {
		if _, ok := env.Context[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("task '%s' requires missing context keys: %s", task.ID, strings.Join(missing, ", "))
	}
	return nil
}

// retryable reports whether another attempt may help. Security rejections,
// timeouts and cancellation are final.
func (e *Executor) retryable(ctx context.Context, env *TaskEnv, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var secErr *SecurityError
	if errors.As(err, &secErr) {
		return false
	}
	return len(env.rec.snapshot().securityErrors) == 0
}

func cancelledResult(taskID string, err error) models.TaskResult {
	return models.TaskResult{
		TaskID: taskID,
		Status: models.FailedTaskStatus,
		Reason: models.CancelledFailure,
		Error:  fmt.Sprintf("task '%s' cancelled: %v", taskID, err),
	}
}
