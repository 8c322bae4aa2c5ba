package conductor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"gopkg.in/yaml.v3"
)

// TaskDef is a Conductor task definition.
type TaskDef struct {
	Name                   string `yaml:"name" json:"name"`
	Description            string `yaml:"description,omitempty" json:"description,omitempty"`
	RetryCount             int    `yaml:"retryCount" json:"retryCount"`
	RetryLogic             string `yaml:"retryLogic,omitempty" json:"retryLogic,omitempty"`
	RetryDelaySeconds      int    `yaml:"retryDelaySeconds" json:"retryDelaySeconds"`
	TimeoutSeconds         int    `yaml:"timeoutSeconds" json:"timeoutSeconds"`
	TimeoutPolicy          string `yaml:"timeoutPolicy,omitempty" json:"timeoutPolicy,omitempty"`
	ResponseTimeoutSeconds int    `yaml:"responseTimeoutSeconds" json:"responseTimeoutSeconds"`
	OwnerEmail             string `yaml:"ownerEmail,omitempty" json:"ownerEmail,omitempty"`
}

// WorkflowTask is one step of a workflow definition.
type WorkflowTask struct {
	Name              string         `yaml:"name" json:"name"`
	TaskReferenceName string         `yaml:"taskReferenceName" json:"taskReferenceName"`
	Type              string         `yaml:"type" json:"type"`
	InputParameters   map[string]any `yaml:"inputParameters,omitempty" json:"inputParameters,omitempty"`
}

// WorkflowDef is a Conductor workflow definition.
type WorkflowDef struct {
	Name             string         `yaml:"name" json:"name"`
	Description      string         `yaml:"description,omitempty" json:"description,omitempty"`
	Version          int            `yaml:"version" json:"version"`
	SchemaVersion    int            `yaml:"schemaVersion" json:"schemaVersion"`
	Tasks            []WorkflowTask `yaml:"tasks" json:"tasks"`
	OutputParameters map[string]any `yaml:"outputParameters,omitempty" json:"outputParameters,omitempty"`
	TimeoutSeconds   int            `yaml:"timeoutSeconds" json:"timeoutSeconds"`
	OwnerEmail       string         `yaml:"ownerEmail,omitempty" json:"ownerEmail,omitempty"`
}

// Definitions groups the task and workflow definitions declared at start.
type Definitions struct {
	Tasks     []TaskDef     `yaml:"tasks"`
	Workflows []WorkflowDef `yaml:"workflows"`
}

// TaskWorkflow returns the definitions of a task name: one task definition and a
// workflow running it once with the workflow arguments.
func TaskWorkflow(name string) (TaskDef, WorkflowDef) {
	ref := name + "_ref"
	task := TaskDef{
		Name:                   name,
		RetryCount:             tasks.DefaultRetries,
		RetryLogic:             "EXPONENTIAL_BACKOFF",
		RetryDelaySeconds:      1,
		TimeoutSeconds:         0,
		TimeoutPolicy:          "TIME_OUT_WF",
		ResponseTimeoutSeconds: 3600,
		OwnerEmail:             "taskorch@localhost",
	}
	wf := WorkflowDef{
		Name:          name,
		Version:       1,
		SchemaVersion: 2,
		Tasks: []WorkflowTask{{
			Name:              name,
			TaskReferenceName: ref,
			Type:              "SIMPLE",
			InputParameters:   map[string]any{inputArgs: "${workflow.input.args}"},
		}},
		OutputParameters: map[string]any{outputResult: "${" + ref + ".output.result}"},
		OwnerEmail:       "taskorch@localhost",
	}
	return task, wf
}

// ForNames builds the default definitions of every name.
func ForNames(names ...string) Definitions {
	var defs Definitions
	for _, n := range names {
		t, w := TaskWorkflow(n)
		defs.Tasks = append(defs.Tasks, t)
		defs.Workflows = append(defs.Workflows, w)
	}
	return defs
}

// Merge adds the definitions of other whose names are not declared yet.
func (d Definitions) Merge(other Definitions) Definitions {
	out := Definitions{
		Tasks:     slices.Clone(d.Tasks),
		Workflows: slices.Clone(d.Workflows),
	}
	for _, t := range other.Tasks {
		if !slices.ContainsFunc(out.Tasks, func(x TaskDef) bool { return x.Name == t.Name }) {
			out.Tasks = append(out.Tasks, t)
		}
	}
	for _, w := range other.Workflows {
		if !slices.ContainsFunc(out.Workflows, func(x WorkflowDef) bool { return x.Name == w.Name }) {
			out.Workflows = append(out.Workflows, w)
		}
	}
	return out
}

// LoadDefinitions reads every *.yaml and *.yml file of dir.
func LoadDefinitions(dir string) (Definitions, error) {
	var defs Definitions
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return defs, err
		}
		files = append(files, matches...)
	}
	slices.Sort(files)
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return defs, err
		}
		var d Definitions
		if err := yaml.Unmarshal(data, &d); err != nil {
			return defs, fmt.Errorf("parse %s: %w", f, err)
		}
		defs.Tasks = append(defs.Tasks, d.Tasks...)
		defs.Workflows = append(defs.Workflows, d.Workflows...)
	}
	return defs, nil
}

// Register declares the definitions on the engine.
func (c *Client) Register(ctx context.Context, defs Definitions) error {
	if err := c.RegisterTaskDefs(ctx, defs.Tasks); err != nil {
		return fmt.Errorf("register task definitions: %w", err)
	}
	if err := c.UpsertWorkflowDefs(ctx, defs.Workflows); err != nil {
		return fmt.Errorf("register workflow definitions: %w", err)
	}
	return nil
}
