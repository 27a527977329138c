package config

import (
	"bytes"
	"os"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseWorkflow decodes a workflow definition from YAML (or JSON, which is
// valid YAML) and checks its field constraints. Graph checks such as cycles
// are left to the resolver.
func ParseWorkflow(data []byte) (models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return models.WorkflowDefinition{}, errors.Wrap(err, "decode workflow")
	}
	if err := validateStruct(newValidate("yaml"), &def); err != nil {
		return models.WorkflowDefinition{}, errors.WithMessage(err, "invalid workflow")
	}
	return def, nil
}

// LoadWorkflowFile reads and parses the workflow definition at path.
func LoadWorkflowFile(path string) (models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "read workflow file %s", path)
	}
	def, err := ParseWorkflow(data)
	if err != nil {
		return models.WorkflowDefinition{}, errors.WithMessagef(err, "workflow file %s", path)
	}
	return def, nil
}

// RunRequest is a workflow submitted together with its caller context.
type RunRequest struct {
	Workflow models.WorkflowDefinition
	Context  map[string]any
}

// ParseRunRequest decodes a document of the form {workflow: ..., context: ...}
// in YAML or JSON. The workflow is checked like ParseWorkflow.
func ParseRunRequest(data []byte) (RunRequest, error) {
	var doc struct {
		Workflow yaml.Node      `yaml:"workflow"`
		Context  map[string]any `yaml:"context"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return RunRequest{}, errors.Wrap(err, "decode run request")
	}
	if doc.Workflow.Kind == 0 {
		return RunRequest{}, errors.New("run request has no workflow")
	}
	raw, err := yaml.Marshal(&doc.Workflow)
	if err != nil {
		return RunRequest{}, errors.Wrap(err, "re-encode workflow")
	}
	def, err := ParseWorkflow(raw)
	if err != nil {
		return RunRequest{}, err
	}
	return RunRequest{Workflow: def, Context: doc.Context}, nil
}
