// Package temporal maps tasks one-to-one onto Temporal workflow executions. The
// engine owns queuing, delivery and cancellation: a task's state is derived from
// its execution status, its progress and user are search attributes, and stopping
// a task terminates the execution.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/routing"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/rs/zerolog"
	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/operatorservice/v1"
	"go.temporal.io/api/serviceerror"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	sdktemporal "go.temporal.io/sdk/temporal"
)

// Search attributes carried by every task execution.
var (
	UserAttribute        = sdktemporal.NewSearchAttributeKeyKeyword("UserId")
	ProgressAttribute    = sdktemporal.NewSearchAttributeKeyFloat64("Progress")
	MaxProgressAttribute = sdktemporal.NewSearchAttributeKeyFloat64("MaxProgress")
)

const (
	terminationReason = "terminated_by_user"
	groupMemo         = "group"
)

// Input is the payload of every task workflow.
type Input struct {
	Args tasks.Arguments `json:"args"`
}

// Options tune a Manager. Zero values take defaults.
type Options struct {
	PageSize            int32
	WorkflowTaskTimeout time.Duration
	// DeletionTimeout bounds the wait for deletions to become visible.
	DeletionTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.WorkflowTaskTimeout <= 0 {
		o.WorkflowTaskTimeout = 10 * time.Second
	}
	if o.DeletionTimeout <= 0 {
		o.DeletionTimeout = time.Minute
	}
	return o
}

// Manager implements tasks.TaskManager on a Temporal namespace.
type Manager struct {
	client    client.Client
	namespace string
	strategy  routing.Strategy
	opts      Options
	dc        converter.DataConverter
	log       zerolog.Logger
}

var _ tasks.TaskManager = (*Manager)(nil)

// Dial connects to a Temporal frontend.
func Dial(hostPort, namespace string) (client.Client, error) {
	return client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    newLogAdapter(logger.For("temporal-sdk")),
	})
}

func New(c client.Client, namespace string, strategy routing.Strategy, opts Options) *Manager {
	return &Manager{
		client:    c,
		namespace: namespace,
		strategy:  strategy,
		opts:      opts.withDefaults(),
		dc:        converter.GetDefaultDataConverter(),
		log:       logger.For("temporal").With().Str("namespace", namespace).Logger(),
	}
}

// RegisterSearchAttributes declares the custom search attributes in the namespace.
// Attributes that already exist are left as they are.
func RegisterSearchAttributes(ctx context.Context, c client.Client, namespace string) error {
	_, err := c.OperatorService().AddSearchAttributes(ctx, &operatorservice.AddSearchAttributesRequest{
		Namespace: namespace,
		SearchAttributes: map[string]enumspb.IndexedValueType{
			UserAttribute.GetName():        enumspb.INDEXED_VALUE_TYPE_KEYWORD,
			ProgressAttribute.GetName():    enumspb.INDEXED_VALUE_TYPE_DOUBLE,
			MaxProgressAttribute.GetName(): enumspb.INDEXED_VALUE_TYPE_DOUBLE,
		},
	})
	var exists *serviceerror.AlreadyExists
	if errors.As(err, &exists) {
		return nil
	}
	return err
}

// StartTask starts the workflow named after the task. Execution ids are never
// reused, even after deletion.
func (m *Manager) StartTask(ctx context.Context, task *tasks.Task, group tasks.Group) (string, error) {
	opts := client.StartWorkflowOptions{
		ID:                                       task.ID,
		TaskQueue:                                TaskQueueOf(m.strategy, task.Name, group),
		WorkflowTaskTimeout:                      m.opts.WorkflowTaskTimeout,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowIDConflictPolicy:                 enumspb.WORKFLOW_ID_CONFLICT_POLICY_FAIL,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		Memo:                                     map[string]any{groupMemo: string(group)},
		TypedSearchAttributes: sdktemporal.NewSearchAttributes(
			UserAttribute.ValueSet(task.User()),
			ProgressAttribute.ValueSet(0),
			MaxProgressAttribute.ValueSet(1),
		),
	}
	run, err := m.client.ExecuteWorkflow(ctx, opts, task.Name, Input{Args: task.Args})
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return "", fmt.Errorf("start %s: %w", task.ID, tasks.ErrTaskAlreadyExists)
	}
	if err != nil {
		return "", fmt.Errorf("start %s: %w", task.ID, err)
	}
	m.log.Info().Str("task_id", task.ID).Str("run_id", run.GetRunID()).Str("task_queue", opts.TaskQueue).Msg("Workflow started")
	return task.ID, nil
}

func (m *Manager) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	info, err := m.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.parse(ctx, info)
}

func (m *Manager) describe(ctx context.Context, id string) (*workflowpb.WorkflowExecutionInfo, error) {
	resp, err := m.client.DescribeWorkflowExecution(ctx, id, "")
	if err != nil {
		return nil, unknownIfNotFound(id, err)
	}
	return resp.GetWorkflowExecutionInfo(), nil
}

func unknownIfNotFound(id string, err error) error {
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w", id, tasks.ErrUnknownTask)
	}
	return err
}

// GetTasks lists the matching executions sorted by creation time. Argument filters
// are applied after listing.
func (m *Manager) GetTasks(ctx context.Context, filters tasks.Filters) iter.Seq2[*tasks.Task, error] {
	return func(yield func(*tasks.Task, error) bool) {
		matcher, err := filters.Matcher()
		if err != nil {
			yield(nil, err)
			return
		}
		var list []*tasks.Task
		for info, err := range m.executions(ctx, filters) {
			if err != nil {
				yield(nil, err)
				return
			}
			t, err := m.parse(ctx, info)
			if err != nil {
				yield(nil, err)
				return
			}
			if matcher.MatchArgs(t) {
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

// executions pages through the visibility store.
func (m *Manager) executions(ctx context.Context, filters tasks.Filters) iter.Seq2[*workflowpb.WorkflowExecutionInfo, error] {
	return func(yield func(*workflowpb.WorkflowExecutionInfo, error) bool) {
		query, possible, err := BuildQuery(filters)
		if err != nil {
			yield(nil, err)
			return
		}
		if !possible {
			return
		}
		var token []byte
		for {
			resp, err := m.client.ListWorkflow(ctx, &workflowservice.ListWorkflowExecutionsRequest{
				Namespace:     m.namespace,
				PageSize:      m.opts.PageSize,
				NextPageToken: token,
				Query:         query,
			})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, info := range resp.GetExecutions() {
				if !yield(info, nil) {
					return
				}
			}
			token = resp.GetNextPageToken()
			if len(token) == 0 {
				return
			}
		}
	}
}

func (m *Manager) GetTaskGroup(ctx context.Context, id string) (tasks.Group, error) {
	info, err := m.describe(ctx, id)
	if err != nil {
		return "", err
	}
	var group string
	if p, ok := info.GetMemo().GetFields()[groupMemo]; ok {
		if err := m.dc.FromPayload(p, &group); err != nil {
			return "", fmt.Errorf("decode group of %s: %w", id, err)
		}
	}
	return tasks.Group(group), nil
}

// StopTask terminates the execution. It reports whether it was still running.
func (m *Manager) StopTask(ctx context.Context, id string) (bool, error) {
	info, err := m.describe(ctx, id)
	if err != nil {
		return false, err
	}
	if info.GetStatus() != enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING {
		return false, nil
	}
	if err := m.client.TerminateWorkflow(ctx, id, "", terminationReason); err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			// Completed between describe and terminate.
			return false, nil
		}
		return false, err
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
	if err := m.deleteAndAwait(ctx, []string{id}); err != nil {
		return nil, err
	}
	return task, nil
}

func (m *Manager) ClearDoneTasks(ctx context.Context, filters tasks.Filters) ([]*tasks.Task, error) {
	done, err := collect(m.GetTasks(ctx, filters.WithinStates(tasks.FinalStates...)))
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(done))
	for i, t := range done {
		ids[i] = t.ID
	}
	if err := m.deleteAndAwait(ctx, ids); err != nil {
		return nil, err
	}
	return done, nil
}

// Clear deletes every execution of the namespace. Running ones are terminated first.
func (m *Manager) Clear(ctx context.Context) error {
	var ids []string
	for info, err := range m.executions(ctx, tasks.AllTasks) {
		if err != nil {
			return err
		}
		ids = append(ids, info.GetExecution().GetWorkflowId())
	}
	return m.deleteAndAwait(ctx, ids)
}

// deleteAndAwait deletes the executions and waits until neither describe nor the
// eventually consistent listing returns them.
func (m *Manager) deleteAndAwait(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		_, err := m.client.WorkflowService().DeleteWorkflowExecution(ctx, &workflowservice.DeleteWorkflowExecutionRequest{
			Namespace:         m.namespace,
			WorkflowExecution: &commonpb.WorkflowExecution{WorkflowId: id},
		})
		var notFound *serviceerror.NotFound
		if err != nil && !errors.As(err, &notFound) {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}

	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		for id := range pending {
			if _, err := m.describe(ctx, id); errors.Is(err, tasks.ErrUnknownTask) {
				delete(pending, id)
			} else if err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
		}
		if len(pending) > 0 {
			return struct{}{}, fmt.Errorf("%d executions still described", len(pending))
		}
		for info, err := range m.executions(ctx, tasks.AllTasks) {
			if err != nil {
				return struct{}{}, err
			}
			if slices.Contains(ids, info.GetExecution().GetWorkflowId()) {
				return struct{}{}, fmt.Errorf("execution %s still listed", info.GetExecution().GetWorkflowId())
			}
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(m.opts.DeletionTimeout),
	)
	if err != nil {
		return fmt.Errorf("await deletion: %w", err)
	}
	m.log.Info().Int("count", len(ids)).Msg("Workflow executions deleted")
	return nil
}

func (m *Manager) Health(ctx context.Context) error {
	_, err := m.client.CheckHealth(ctx, &client.CheckHealthRequest{})
	return err
}

// Shutdown is a no-op: workers belong to the engine's worker processes.
func (m *Manager) Shutdown(context.Context) error {
	m.log.Info().Msg("Shutdown ignored, workers are managed by the engine")
	return nil
}

func (m *Manager) Close() error {
	m.client.Close()
	return nil
}

// parse builds a task from an execution. Results and errors are fetched only for
// completed executions.
func (m *Manager) parse(ctx context.Context, info *workflowpb.WorkflowExecutionInfo) (*tasks.Task, error) {
	exec := info.GetExecution()
	state, err := StateOf(info.GetStatus())
	if err != nil {
		return nil, err
	}
	task := &tasks.Task{
		ID:          exec.GetWorkflowId(),
		Name:        info.GetType().GetName(),
		State:       state,
		Progress:    m.progress(info),
		CreatedAt:   info.GetStartTime().AsTime(),
		RetriesLeft: tasks.DefaultRetries,
	}
	if info.GetCloseTime() != nil {
		closed := info.GetCloseTime().AsTime()
		task.CompletedAt = &closed
		task.Progress = 1
	}
	if task.Args, err = m.args(ctx, exec); err != nil {
		return nil, err
	}

	switch state {
	case tasks.StateDone:
		var result tasks.Result
		if err := m.client.GetWorkflow(ctx, exec.GetWorkflowId(), exec.GetRunId()).Get(ctx, &result); err != nil {
			return nil, fmt.Errorf("result of %s: %w", task.ID, err)
		}
		if result.Type != "" {
			task.Result = &result
		}
	case tasks.StateError:
		err := m.client.GetWorkflow(ctx, exec.GetWorkflowId(), exec.GetRunId()).Get(ctx, nil)
		task.Error = taskErrorOf(err)
	}
	return task, nil
}

func (m *Manager) progress(info *workflowpb.WorkflowExecutionInfo) float64 {
	fields := info.GetSearchAttributes().GetIndexedFields()
	var current, total float64
	if p, ok := fields[MaxProgressAttribute.GetName()]; !ok || m.dc.FromPayload(p, &total) != nil || total == 0 {
		return 0
	}
	if p, ok := fields[ProgressAttribute.GetName()]; !ok || m.dc.FromPayload(p, &current) != nil {
		return 0
	}
	return min(current/total, 1)
}

// args reads the workflow input from the first history event.
func (m *Manager) args(ctx context.Context, exec *commonpb.WorkflowExecution) (tasks.Arguments, error) {
	events := m.client.GetWorkflowHistory(ctx, exec.GetWorkflowId(), exec.GetRunId(), false, enumspb.HISTORY_EVENT_FILTER_TYPE_ALL_EVENT)
	if !events.HasNext() {
		return tasks.NewArguments(), nil
	}
	first, err := events.Next()
	if err != nil {
		return tasks.Arguments{}, fmt.Errorf("history of %s: %w", exec.GetWorkflowId(), err)
	}
	payloads := first.GetWorkflowExecutionStartedEventAttributes().GetInput()
	if len(payloads.GetPayloads()) != 1 {
		return tasks.Arguments{}, fmt.Errorf("history of %s: expected exactly 1 input payload, got %d", exec.GetWorkflowId(), len(payloads.GetPayloads()))
	}
	var in Input
	if err := m.dc.FromPayload(payloads.GetPayloads()[0], &in); err != nil {
		return tasks.Arguments{}, fmt.Errorf("decode input of %s: %w", exec.GetWorkflowId(), err)
	}
	return in.Args, nil
}

// taskErrorOf unwraps the failure of a workflow down to the application error
// raised by the task.
func taskErrorOf(err error) *tasks.TaskError {
	if err == nil {
		return nil
	}
	var appErr *sdktemporal.ApplicationError
	if errors.As(err, &appErr) {
		te := &tasks.TaskError{Name: appErr.Type(), Message: appErr.Message()}
		var details tasks.TaskError
		if appErr.HasDetails() && appErr.Details(&details) == nil {
			te = &details
		}
		return te
	}
	var timeout *sdktemporal.TimeoutError
	if errors.As(err, &timeout) {
		return &tasks.TaskError{Name: "TimeoutError", Message: timeout.Error()}
	}
	return tasks.NewTaskError(err)
}

func collect(seq iter.Seq2[*tasks.Task, error]) ([]*tasks.Task, error) {
	var out []*tasks.Task
	for t, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}
