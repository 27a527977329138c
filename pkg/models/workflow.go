package models

import "time"

// QuerySpec is a query template a task issues through one of its capabilities.
// Query is rendered with text/template against the task's context snapshot.
type QuerySpec struct {
	Capability string `json:"capability" yaml:"capability" validate:"required"`
	Query      string `json:"query" yaml:"query" validate:"required"`
}

// TaskDefinition describes one investigative step of a workflow.
type TaskDefinition struct {
	ID                   string        `json:"task_id" yaml:"task_id" validate:"required"`                       // Unique within the workflow (e.g. "lic")
	Name                 string        `json:"name" yaml:"name"`                                                 // Descriptive name (e.g. "Check license state")
	Description          string        `json:"description,omitempty" yaml:"description"`                         // Free-text description
	Instructions         string        `json:"instructions,omitempty" yaml:"instructions"`                       // Directive consumed by the task's executor
	RequiredCapabilities []string      `json:"required_capabilities,omitempty" yaml:"required_capabilities"`     // Tool capabilities the task may invoke
	Dependencies         []string      `json:"dependencies,omitempty" yaml:"dependencies"`                       // Task IDs that must finish first
	OptionalDependencies []string      `json:"optional_dependencies,omitempty" yaml:"optional_dependencies"`     // Subset of Dependencies whose failure degrades instead of blocks
	SkipIfDegraded       bool          `json:"skip_if_degraded,omitempty" yaml:"skip_if_degraded"`               // Skip instead of running degraded
	ContextRequirements  []string      `json:"context_requirements,omitempty" yaml:"context_requirements"`       // Context keys expected before the task runs
	Queries              []QuerySpec   `json:"queries,omitempty" yaml:"queries" validate:"omitempty,dive"`       // Queries run by the default query runner
	Timeout              time.Duration `json:"timeout,omitempty" yaml:"timeout" validate:"gte=0"`                // 0 means the executor default
	Retries              int           `json:"retries,omitempty" yaml:"retries" validate:"gte=0,lte=10"`         // Dispatch retries; security rejections are never retried
}

// IsOptionalDependency reports whether dep was declared as a soft dependency.
func (t TaskDefinition) IsOptionalDependency(dep string) bool {
	for _, d := range t.OptionalDependencies {
		if d == dep {
			return true
		}
	}
	return false
}

// WorkflowDefinition is the immutable description of a diagnostic workflow.
type WorkflowDefinition struct {
	ID             string           `json:"workflow_id" yaml:"workflow_id" validate:"required"`
	Name           string           `json:"name" yaml:"name"`
	Description    string           `json:"description,omitempty" yaml:"description"`
	Tasks          []TaskDefinition `json:"tasks" yaml:"tasks" validate:"required,min=1,dive"` // Declaration order is the phase tie-break
	DefaultContext map[string]any   `json:"default_context,omitempty" yaml:"default_context"`  // Merged beneath caller context
}

// Task returns the definition with the given id.
func (w *WorkflowDefinition) Task(id string) (TaskDefinition, bool) {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskDefinition{}, false
}

// TaskIDs returns task ids in declaration order.
func (w *WorkflowDefinition) TaskIDs() []string {
	ids := make([]string, 0, len(w.Tasks))
	for _, t := range w.Tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

// ExecutionPhase is a set of tasks whose dependencies all live in earlier phases.
type ExecutionPhase struct {
	Index   int      `json:"index"`
	TaskIDs []string `json:"task_ids"`
}
