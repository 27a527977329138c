package service

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"text/template"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/ignatij/triageflow/pkg/security"
	"github.com/pkg/errors"
)

// TaskFunc implements one task. It reads the context snapshot from env and
// issues queries through env.Search so every query passes the security gate.
type TaskFunc func(ctx context.Context, env *TaskEnv) (any, error)

// TaskEnv is what a running task can see and do.
type TaskEnv struct {
	Task     models.TaskDefinition
	RunID    string
	CallerID string
	// Context is the shared context as of phase start plus degraded entries.
	// Tasks must treat it as read-only.
	Context map[string]any

	dispatchers map[string]Dispatcher
	gate        *queryGate
	rec         *taskRecorder
}

// Search validates query, checks it against the runtime monitor and only then
// dispatches it through capability. A refused query returns a *SecurityError
// and is recorded against the task.
func (e *TaskEnv) Search(ctx context.Context, capability, query string) (any, error) {
	d, ok := e.dispatchers[capability]
	if !ok {
		return nil, errors.Errorf("capability '%s' is not declared by task '%s'", capability, e.Task.ID)
	}
	// an abandoned attempt must not count against the caller's window
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.gate.admit(e, capability, query); err != nil {
		return nil, err
	}
	res, err := d.Dispatch(ctx, capability, query, e.Context)
	if err != nil {
		return nil, errors.Wrapf(err, "dispatch %s", capability)
	}
	return res, nil
}

// Warn attaches a non-fatal note to the task's result.
func (e *TaskEnv) Warn(format string, args ...interface{}) {
	e.rec.warn(fmt.Sprintf(format, args...))
}

// queryGate runs every query through the validator and the monitor.
type queryGate struct {
	validator *security.Validator
	monitor   *security.Monitor
	observer  Observer
	logger    Logger
}

func (g *queryGate) admit(env *TaskEnv, capability, query string) error {
	req := security.Request{CallerID: env.CallerID, TaskID: env.Task.ID, Query: query}

	ok, violations := g.validator.ValidateFor(env.CallerID, query, security.StrictMode)
	for i := range violations {
		violations[i].TaskID = env.Task.ID
		violations[i].Query = query
		env.rec.violation(violations[i])
		g.observer.ViolationRecorded(violations[i])
	}
	if len(violations) > 0 {
		for _, t := range g.monitor.RecordViolations(req, violations) {
			env.rec.threat(t)
			g.observer.ThreatRecorded(t)
		}
	}
	if !ok {
		reason := violations[0].Message
		for _, v := range violations {
			if v.Blocking() {
				reason = v.Message
				break
			}
		}
		g.logger.Warnf("Query for task %s rejected by validator: %s", env.Task.ID, reason)
		return env.rec.reject(&SecurityError{TaskID: env.Task.ID, Capability: capability, Query: query, Reason: reason, Violations: violations})
	}
	for _, v := range violations {
		env.rec.warn(fmt.Sprintf("suspicious query: %s", v.Message))
	}

	req.Resources = g.validator.ExtractResources(query)
	decision := g.monitor.Check(req)
	for _, t := range decision.Events {
		env.rec.threat(t)
		g.observer.ThreatRecorded(t)
		if decision.Allowed {
			env.rec.warn(fmt.Sprintf("anomaly detected: %s", t.Type))
		}
	}
	if !decision.Allowed {
		g.logger.Warnf("Query for task %s refused by monitor: %s", env.Task.ID, decision.Reason())
		return env.rec.reject(&SecurityError{TaskID: env.Task.ID, Capability: capability, Query: query, Reason: decision.Reason()})
	}
	return nil
}

// taskRecorder collects what a task produced besides its output. Tasks may
// search from several goroutines.
type taskRecorder struct {
	mu             sync.Mutex
	violations     []models.SecurityViolation
	threats        []models.ThreatEvent
	warnings       []string
	securityErrors []string
}

func (r *taskRecorder) violation(v models.SecurityViolation) {
	r.mu.Lock()
	r.violations = append(r.violations, v)
	r.mu.Unlock()
}

func (r *taskRecorder) threat(e models.ThreatEvent) {
	r.mu.Lock()
	r.threats = append(r.threats, e)
	r.mu.Unlock()
}

func (r *taskRecorder) warn(msg string) {
	r.mu.Lock()
	if !slices.Contains(r.warnings, msg) {
		r.warnings = append(r.warnings, msg)
	}
	r.mu.Unlock()
}

func (r *taskRecorder) reject(err *SecurityError) error {
	r.mu.Lock()
	r.securityErrors = append(r.securityErrors, err.Error())
	r.mu.Unlock()
	return err
}

type recorded struct {
	violations     []models.SecurityViolation
	threats        []models.ThreatEvent
	warnings       []string
	securityErrors []string
}

func (r *taskRecorder) snapshot() recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorded{
		violations:     slices.Clone(r.violations),
		threats:        slices.Clone(r.threats),
		warnings:       slices.Clone(r.warnings),
		securityErrors: slices.Clone(r.securityErrors),
	}
}

// QueryOutput is one entry of the default runner's output.
type QueryOutput struct {
	Capability string `json:"capability"`
	Query      string `json:"query"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RunQueries is the TaskFunc used for tasks without a registered function. It
// renders each query template against the context and searches it. A failed
// query does not stop the remaining ones.
func RunQueries(ctx context.Context, env *TaskEnv) (any, error) {
	outputs := make([]QueryOutput, 0, len(env.Task.Queries))
	var failures []string
	for i, q := range env.Task.Queries {
		rendered, err := RenderQuery(q.Query, env.Context)
		if err != nil {
			failures = append(failures, fmt.Sprintf("query %d: %v", i+1, err))
			outputs = append(outputs, QueryOutput{Capability: q.Capability, Query: q.Query, Error: err.Error()})
			continue
		}
		res, err := env.Search(ctx, q.Capability, rendered)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			failures = append(failures, fmt.Sprintf("query %d: %v", i+1, err))
			outputs = append(outputs, QueryOutput{Capability: q.Capability, Query: rendered, Error: err.Error()})
			continue
		}
		outputs = append(outputs, QueryOutput{Capability: q.Capability, Query: rendered, Result: res})
	}
	out := map[string]any{"queries": outputs}
	if env.Task.Instructions != "" {
		out["instructions"] = env.Task.Instructions
	}
	if len(failures) > 0 {
		return out, errors.New(strings.Join(failures, "; "))
	}
	return out, nil
}

// RenderQuery expands a query template against data. Referencing a missing
// key is an error.
func RenderQuery(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("query").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", errors.Wrap(err, "parse query template")
	}
	var b bytes.Buffer
	if err := tmpl.Execute(&b, data); err != nil {
		return "", errors.Wrap(err, "render query template")
	}
	return strings.TrimSpace(b.String()), nil
}
