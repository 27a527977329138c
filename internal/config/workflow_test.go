package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const triageYAML = `
workflow_id: license-triage
name: License triage
default_context:
  earliest: -24h
tasks:
  - task_id: lic
    name: Check license state
    required_capabilities: [search]
    queries:
      - capability: search
        query: "index=main sourcetype=license_usage earliest={{ .earliest }} | stats sum(b) by pool"
  - task_id: idx
    name: Check indexer health
    required_capabilities: [search, metadata]
    timeout: 30s
    retries: 2
    queries:
      - capability: metadata
        query: "| metadata type=hosts index=main"
  - task_id: report
    dependencies: [lic, idx]
    optional_dependencies: [idx]
    context_requirements: [lic]
    instructions: Summarize license usage.
`

func TestParseWorkflow(t *testing.T) {
	def, err := ParseWorkflow([]byte(triageYAML))
	require.NoError(t, err)

	assert.Equal(t, "license-triage", def.ID)
	assert.Equal(t, []string{"lic", "idx", "report"}, def.TaskIDs())
	assert.Equal(t, "-24h", def.DefaultContext["earliest"])

	idx, ok := def.Task("idx")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, idx.Timeout)
	assert.Equal(t, 2, idx.Retries)
	assert.Equal(t, "metadata", idx.Queries[0].Capability)

	report, _ := def.Task("report")
	assert.True(t, report.IsOptionalDependency("idx"))
	assert.False(t, report.IsOptionalDependency("lic"))
	assert.Equal(t, "Summarize license usage.", report.Instructions)
}

func TestParseWorkflow_JSON(t *testing.T) {
	def, err := ParseWorkflow([]byte(`{"workflow_id": "wf", "tasks": [{"task_id": "a"}, {"task_id": "b", "dependencies": ["a"]}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, def.TaskIDs())
}

func TestParseWorkflow_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		contains string
	}{
		{"missing id", "tasks:\n  - task_id: a\n", "workflow_id is required"},
		{"no tasks key", "workflow_id: wf\n", "tasks is required"},
		{"empty tasks", "workflow_id: wf\ntasks: []\n", "tasks must have at least 1 entries"},
		{"missing task id", "workflow_id: wf\ntasks:\n  - name: a\n", "tasks[0].task_id is required"},
		{"query without capability", "workflow_id: wf\ntasks:\n  - task_id: a\n    queries:\n      - query: index=main\n", "tasks[0].queries[0].capability is required"},
		{"too many retries", "workflow_id: wf\ntasks:\n  - task_id: a\n    retries: 11\n", "tasks[0].retries must be <= 10 (got: 11)"},
		{"unknown field", "workflow_id: wf\ntasks:\n  - task_id: a\n    depends_on: [b]\n", "field depends_on not found"},
		{"bad duration", "workflow_id: wf\ntasks:\n  - task_id: a\n    timeout: soon\n", "decode workflow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWorkflow([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestLoadWorkflowFile(t *testing.T) {
	def, err := LoadWorkflowFile(writeFile(t, "triage.yaml", triageYAML))
	require.NoError(t, err)
	assert.Len(t, def.Tasks, 3)

	_, err = LoadWorkflowFile(writeFile(t, "broken.yaml", "workflow_id: wf\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
	assert.Contains(t, err.Error(), "tasks is required")
}

func TestParseRunRequest(t *testing.T) {
	req, err := ParseRunRequest([]byte(`{
  "workflow": {"workflow_id": "wf", "tasks": [{"task_id": "a", "timeout": "5s"}]},
  "context": {"host": "web01"}
}`))
	require.NoError(t, err)
	assert.Equal(t, "wf", req.Workflow.ID)
	assert.Equal(t, 5*time.Second, req.Workflow.Tasks[0].Timeout)
	assert.Equal(t, map[string]any{"host": "web01"}, req.Context)

	_, err = ParseRunRequest([]byte("context: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no workflow")

	_, err = ParseRunRequest([]byte("workflow:\n  workflow_id: wf\n  tasks:\n    - task_id: a\n      bogus: 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field bogus not found")

	_, err = ParseRunRequest([]byte("workflow: {workflow_id: wf, tasks: [{task_id: a}]}\nextra: 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode run request")
}
