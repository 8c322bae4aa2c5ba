package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/metrics"
	"github.com/guido-cesarano/taskorch/pkg/routing"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/rs/zerolog"
)

const (
	terminationReason = "terminated_by_user"
	searchPageSize    = 100
)

// Manager implements tasks.TaskManager on a Conductor server. The id it returns
// from StartTask is the workflow id; the submitted task id becomes the
// correlation id and guards against duplicate submissions.
type Manager struct {
	client   *Client
	strategy routing.Strategy
	log      zerolog.Logger
}

var _ tasks.TaskManager = (*Manager)(nil)

func NewManager(client *Client, strategy routing.Strategy) *Manager {
	return &Manager{
		client:   client,
		strategy: strategy,
		log:      logger.For("conductor"),
	}
}

// TaskToDomain routes every task of a workflow to the domain of its routing key.
func TaskToDomain(strategy routing.Strategy, name string, group tasks.Group) map[string]string {
	key := strategy.Key(name, group)
	if key == "" {
		return nil
	}
	return map[string]string{"*": key}
}

func (m *Manager) StartTask(ctx context.Context, task *tasks.Task, group tasks.Group) (string, error) {
	existing, err := m.client.CorrelatedWorkflows(ctx, task.Name, task.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("start %s: %w", task.ID, err)
	}
	if len(existing) > 0 {
		return "", fmt.Errorf("start %s: %w", task.ID, tasks.ErrTaskAlreadyExists)
	}

	id, err := m.client.StartWorkflow(ctx, StartWorkflowRequest{
		Name:          task.Name,
		CorrelationID: task.ID,
		Input:         map[string]any{inputArgs: task.Args, inputGroup: string(group)},
		TaskToDomain:  TaskToDomain(m.strategy, task.Name, group),
	})
	if err != nil {
		return "", fmt.Errorf("start %s: %w", task.ID, err)
	}
	metrics.TasksStarted.WithLabelValues(routing.QueueName(task.Name, m.strategy.Key(task.Name, group))).Inc()
	m.log.Info().Str("task_id", id).Str("correlation_id", task.ID).Str("task_name", task.Name).Msg("Workflow started")
	return id, nil
}

func (m *Manager) workflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := m.client.GetWorkflow(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, tasks.ErrUnknownTask)
	}
	return wf, err
}

func (m *Manager) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	wf, err := m.workflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return ParseWorkflow(wf)
}

// GetTasks narrows the search by state on the engine and applies the remaining
// filters locally. Tasks are sorted by creation time.
func (m *Manager) GetTasks(ctx context.Context, filters tasks.Filters) iter.Seq2[*tasks.Task, error] {
	return func(yield func(*tasks.Task, error) bool) {
		matcher, err := filters.Matcher()
		if err != nil {
			yield(nil, err)
			return
		}
		var list []*tasks.Task
		for id, err := range m.search(ctx, filters) {
			if err != nil {
				yield(nil, err)
				return
			}
			t, err := m.GetTask(ctx, id)
			if errors.Is(err, tasks.ErrUnknownTask) {
				continue
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if matcher.Match(t) {
				list = append(list, t)
			}
		}
		slices.SortStableFunc(list, func(a, b *tasks.Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
		for _, t := range list {
			if !yield(t, nil) {
				return
			}
		}
	}
}

// search yields the ids of the workflows whose status may match filters.
func (m *Manager) search(ctx context.Context, filters tasks.Filters) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		query, possible := searchQuery(filters)
		if !possible {
			return
		}
		for start := 0; ; start += searchPageSize {
			page, err := m.client.SearchWorkflows(ctx, query, start, searchPageSize)
			if err != nil {
				yield("", err)
				return
			}
			for _, s := range page.Results {
				if !yield(s.WorkflowID, nil) {
					return
				}
			}
			if len(page.Results) < searchPageSize || int64(start+len(page.Results)) >= page.TotalHits {
				return
			}
		}
	}
}

// searchQuery restricts a search to the workflow statuses the state filter
// covers. The second result is false when no status can match.
func searchQuery(filters tasks.Filters) (string, bool) {
	if filters.States == nil {
		return "", true
	}
	var statuses []string
	for _, s := range tasks.AllStates {
		if !filters.MatchesState(s) {
			continue
		}
		for _, st := range statusesOf(s) {
			if !slices.Contains(statuses, st) {
				statuses = append(statuses, st)
			}
		}
	}
	if len(statuses) == 0 {
		return "", false
	}
	return "status IN (" + strings.Join(statuses, ",") + ")", true
}

func statusesOf(s tasks.State) []string {
	switch s {
	case tasks.StateQueued, tasks.StateRunning:
		return []string{WorkflowRunning, WorkflowPaused}
	case tasks.StateDone:
		return []string{WorkflowCompleted}
	case tasks.StateError:
		return []string{WorkflowFailed, WorkflowTimedOut}
	case tasks.StateCancelled:
		return []string{WorkflowTerminated}
	}
	return nil
}

func (m *Manager) GetTaskGroup(ctx context.Context, id string) (tasks.Group, error) {
	wf, err := m.workflow(ctx, id)
	if err != nil {
		return "", err
	}
	var in workflowInput
	if len(wf.Input) > 0 {
		if err := json.Unmarshal(wf.Input, &in); err != nil {
			return "", fmt.Errorf("decode input of %s: %w", id, err)
		}
	}
	return tasks.Group(in.Group), nil
}

// StopTask terminates a running workflow. The engine cancels its scheduled task;
// a worker executing it learns about it on its next progress report.
func (m *Manager) StopTask(ctx context.Context, id string) (bool, error) {
	wf, err := m.workflow(ctx, id)
	if err != nil {
		return false, err
	}
	if !isOpen(wf.Status) {
		return false, nil
	}
	if err := m.client.TerminateWorkflow(ctx, id, terminationReason); err != nil {
		return false, fmt.Errorf("stop %s: %w", id, err)
	}
	m.log.Info().Str("task_id", id).Msg("Workflow terminated")
	return true, nil
}

func (m *Manager) ClearTask(ctx context.Context, id string) (*tasks.Task, error) {
	task, err := m.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.State == tasks.StateRunning {
		return nil, fmt.Errorf("clear %s: task is running: %w", id, tasks.ErrIllegalState)
	}
	if err := m.remove(ctx, id, !task.IsFinal()); err != nil {
		return nil, err
	}
	return task, nil
}

func (m *Manager) ClearDoneTasks(ctx context.Context, filters tasks.Filters) ([]*tasks.Task, error) {
	var cleared []*tasks.Task
	for t, err := range m.GetTasks(ctx, filters.WithinStates(tasks.FinalStates...)) {
		if err != nil {
			return cleared, err
		}
		if err := m.remove(ctx, t.ID, false); err != nil {
			return cleared, err
		}
		cleared = append(cleared, t)
	}
	return cleared, nil
}

// Clear terminates and removes every workflow.
func (m *Manager) Clear(ctx context.Context) error {
	var ids []string
	for id, err := range m.search(ctx, tasks.AllTasks) {
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if err := m.remove(ctx, id, true); err != nil {
			return err
		}
	}
	m.log.Info().Int("count", len(ids)).Msg("Workflows cleared")
	return nil
}

func (m *Manager) remove(ctx context.Context, id string, terminate bool) error {
	if terminate {
		if err := m.client.TerminateWorkflow(ctx, id, terminationReason); err != nil && !isGone(err) {
			return fmt.Errorf("terminate %s: %w", id, err)
		}
	}
	if err := m.client.RemoveWorkflow(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// isGone reports an error from terminating a workflow that is already closed or deleted.
func isGone(err error) bool {
	var apiErr *APIError
	return errors.Is(err, ErrNotFound) || (errors.As(err, &apiErr) && apiErr.Status == 409)
}

func (m *Manager) Health(ctx context.Context) error {
	return m.client.Health(ctx)
}

// Shutdown is a no-op: worker processes poll the engine and are managed separately.
func (m *Manager) Shutdown(context.Context) error {
	m.log.Info().Msg("Shutdown ignored, workers are managed by their processes")
	return nil
}

func (m *Manager) Close() error {
	m.client.http.CloseIdleConnections()
	return nil
}

func isOpen(status string) bool {
	return status == WorkflowRunning || status == WorkflowPaused
}

// ParseWorkflow builds a task from a workflow execution. An open workflow whose
// tasks are all still scheduled is QUEUED; progress is averaged over its tasks.
func ParseWorkflow(wf *Workflow) (*tasks.Task, error) {
	task := &tasks.Task{
		ID:          wf.WorkflowID,
		Name:        wf.WorkflowName,
		CreatedAt:   time.UnixMilli(wf.CreateTime).UTC(),
		RetriesLeft: tasks.DefaultRetries,
	}
	var in workflowInput
	if len(wf.Input) > 0 {
		if err := json.Unmarshal(wf.Input, &in); err != nil {
			return nil, fmt.Errorf("decode input of %s: %w", wf.WorkflowID, err)
		}
	}
	task.Args = in.Args

	switch wf.Status {
	case WorkflowRunning, WorkflowPaused:
		task.State = tasks.StateQueued
		if slices.ContainsFunc(wf.Tasks, func(t PolledTask) bool { return t.Status != TaskScheduled }) {
			task.State = tasks.StateRunning
		}
		task.Progress = progressOf(wf.Tasks)
		return task, nil
	case WorkflowCompleted:
		task.State = tasks.StateDone
		var out workflowOutput
		if len(wf.Output) > 0 {
			if err := json.Unmarshal(wf.Output, &out); err != nil {
				return nil, fmt.Errorf("decode output of %s: %w", wf.WorkflowID, err)
			}
		}
		task.Result = out.Result
	case WorkflowFailed, WorkflowTimedOut:
		task.State = tasks.StateError
		task.Error = errorOf(wf)
	case WorkflowTerminated:
		task.State = tasks.StateCancelled
	default:
		return nil, fmt.Errorf("unsupported workflow status %q", wf.Status)
	}
	task.Progress = 1
	if wf.EndTime > 0 {
		end := time.UnixMilli(wf.EndTime).UTC()
		task.CompletedAt = &end
	}
	return task, nil
}

func progressOf(list []PolledTask) float64 {
	if len(list) == 0 {
		return 0
	}
	var sum float64
	for _, t := range list {
		switch t.Status {
		case TaskCompleted, TaskCompletedWithErrors, TaskSkipped:
			sum++
		case TaskInProgress:
			var out taskOutput
			if len(t.OutputData) > 0 && json.Unmarshal(t.OutputData, &out) == nil {
				sum += min(max(out.Progress, 0), 1)
			}
		}
	}
	return sum / float64(len(list))
}

// errorOf returns the error reported by the last failed task, or the workflow's
// reason for incompletion.
func errorOf(wf *Workflow) *tasks.TaskError {
	for _, t := range slices.Backward(wf.Tasks) {
		var out taskOutput
		if len(t.OutputData) > 0 && json.Unmarshal(t.OutputData, &out) == nil && out.Error != nil {
			return out.Error
		}
	}
	return &tasks.TaskError{Name: wf.Status, Message: wf.ReasonForIncompletion}
}
