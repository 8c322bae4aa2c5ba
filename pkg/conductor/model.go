package conductor

import (
	"encoding/json"

	"github.com/guido-cesarano/taskorch/pkg/tasks"
)

// Workflow statuses.
const (
	WorkflowRunning    = "RUNNING"
	WorkflowCompleted  = "COMPLETED"
	WorkflowFailed     = "FAILED"
	WorkflowTimedOut   = "TIMED_OUT"
	WorkflowTerminated = "TERMINATED"
	WorkflowPaused     = "PAUSED"
)

// Task statuses.
const (
	TaskScheduled             = "SCHEDULED"
	TaskInProgress            = "IN_PROGRESS"
	TaskCompleted             = "COMPLETED"
	TaskFailed                = "FAILED"
	TaskFailedWithTerminalErr = "FAILED_WITH_TERMINAL_ERROR"
	TaskCanceled              = "CANCELED"
	TaskCompletedWithErrors   = "COMPLETED_WITH_ERRORS"
	TaskTimedOut              = "TIMED_OUT"
	TaskSkipped               = "SKIPPED"
)

// Input and output keys shared by the workflow definitions and the supplier.
const (
	inputArgs      = "args"
	inputGroup     = "group"
	outputResult   = "result"
	outputError    = "error"
	outputProgress = "progress"
)

// StartWorkflowRequest is the body of a workflow start.
type StartWorkflowRequest struct {
	Name          string            `json:"name"`
	Version       int               `json:"version,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Input         map[string]any    `json:"input"`
	TaskToDomain  map[string]string `json:"taskToDomain,omitempty"`
}

// Workflow is a workflow execution with its tasks.
type Workflow struct {
	WorkflowID            string          `json:"workflowId"`
	WorkflowName          string          `json:"workflowName"`
	CorrelationID         string          `json:"correlationId"`
	Status                string          `json:"status"`
	CreateTime            int64           `json:"createTime"`
	EndTime               int64           `json:"endTime"`
	Input                 json.RawMessage `json:"input"`
	Output                json.RawMessage `json:"output"`
	ReasonForIncompletion string          `json:"reasonForIncompletion"`
	Tasks                 []PolledTask    `json:"tasks"`
}

// SearchResult is one page of workflow summaries.
type SearchResult struct {
	TotalHits int64             `json:"totalHits"`
	Results   []WorkflowSummary `json:"results"`
}

type WorkflowSummary struct {
	WorkflowID    string `json:"workflowId"`
	WorkflowType  string `json:"workflowType"`
	CorrelationID string `json:"correlationId"`
	Status        string `json:"status"`
}

// PolledTask is a task instance of a workflow.
type PolledTask struct {
	TaskID             string          `json:"taskId"`
	TaskType           string          `json:"taskType"`
	Status             string          `json:"status"`
	WorkflowInstanceID string          `json:"workflowInstanceId"`
	InputData          json.RawMessage `json:"inputData"`
	OutputData         json.RawMessage `json:"outputData"`
	PollCount          int             `json:"pollCount"`
	ScheduledTime      int64           `json:"scheduledTime"`
	RetryCount         int             `json:"retryCount"`
}

// TaskResult updates a polled task.
type TaskResult struct {
	WorkflowInstanceID    string         `json:"workflowInstanceId"`
	TaskID                string         `json:"taskId"`
	WorkerID              string         `json:"workerId,omitempty"`
	Status                string         `json:"status"`
	OutputData            map[string]any `json:"outputData,omitempty"`
	ReasonForIncompletion string         `json:"reasonForIncompletion,omitempty"`
	CallbackAfterSeconds  int64          `json:"callbackAfterSeconds"`
}

// workflowInput is the decoded input of a task workflow.
type workflowInput struct {
	Args  tasks.Arguments `json:"args"`
	Group string          `json:"group"`
}

type taskInput struct {
	Args tasks.Arguments `json:"args"`
}

type taskOutput struct {
	Progress float64          `json:"progress"`
	Result   *tasks.Result    `json:"result"`
	Error    *tasks.TaskError `json:"error"`
}

type workflowOutput struct {
	Result *tasks.Result `json:"result"`
}
