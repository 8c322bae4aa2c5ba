package conductor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/manager"
	"github.com/guido-cesarano/taskorch/pkg/routing"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/guido-cesarano/taskorch/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWorker(t *testing.T, ctx context.Context, client *Client, registry *worker.Registry, domain string) *worker.Loop {
	t.Helper()
	supplier, err := NewSupplier(client, registry.Names(), SupplierOptions{Domain: domain, MinPoll: 10 * time.Millisecond})
	require.NoError(t, err)
	loop := worker.NewLoop(supplier, registry, worker.Options{PollTimeout: 50 * time.Millisecond})
	go loop.Run(ctx)
	t.Cleanup(func() {
		loop.Stop()
		supplier.Close()
	})
	return loop
}

func TestStartAndRunTask(t *testing.T) {
	_, client := newFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := NewManager(client, routing.Unique)
	registry := worker.NewRegistry()
	require.NoError(t, registry.RegisterFunc("hello", func(_ context.Context, args tasks.Arguments, progress worker.ProgressFunc) (any, error) {
		progress(0.5)
		name, err := args.Str("name")
		return "hello " + name, err
	}))
	startWorker(t, ctx, client, registry, "")

	id, err := manager.StartNamed(ctx, m, "hello", "alice", "", tasks.NewArguments("name", "alice"))
	require.NoError(t, err)

	task, err := manager.PollTask(ctx, m, id, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateDone, task.State)
	assert.Equal(t, 1.0, task.Progress)
	assert.Equal(t, "alice", task.User())
	require.NotNil(t, task.CompletedAt)

	var greeting string
	require.NoError(t, task.Result.Decode(&greeting))
	assert.Equal(t, "hello alice", greeting)
}

func TestBusinessErrorFailsWorkflow(t *testing.T) {
	_, client := newFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := NewManager(client, routing.Unique)
	registry := worker.NewRegistry()
	require.NoError(t, registry.RegisterFunc("fail", func(context.Context, tasks.Arguments, worker.ProgressFunc) (any, error) {
		return nil, errors.New("bad input")
	}))
	startWorker(t, ctx, client, registry, "")

	id, err := manager.StartNamed(ctx, m, "fail", "alice", "", tasks.NewArguments())
	require.NoError(t, err)
	task, err := manager.PollTask(ctx, m, id, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateError, task.State)
	require.NotNil(t, task.Error)
	assert.Equal(t, "bad input", task.Error.Message)
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	_, client := newFakeServer(t)
	ctx := context.Background()
	m := NewManager(client, routing.Unique)

	task := tasks.NewWithID("fixed", "hello", "alice", tasks.NewArguments())
	_, err := m.StartTask(ctx, task, "")
	require.NoError(t, err)
	_, err = m.StartTask(ctx, task, "")
	assert.True(t, errors.Is(err, tasks.ErrTaskAlreadyExists), "got %v", err)
}

func TestGroupRoutingUsesDomains(t *testing.T) {
	_, client := newFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := NewManager(client, routing.Group)
	id, err := manager.StartNamed(ctx, m, "hello", "alice", "Java", tasks.NewArguments())
	require.NoError(t, err)

	group, err := m.GetTaskGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.Group("Java"), group)

	task, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateQueued, task.State)

	// A pool outside the group never sees the task.
	other, err := NewSupplier(client, []string{"hello"}, SupplierOptions{Domain: "Python", MinPoll: 10 * time.Millisecond})
	require.NoError(t, err)
	got, err := other.Get(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)

	java, err := NewSupplier(client, []string{"hello"}, SupplierOptions{Domain: "Java", MinPoll: 10 * time.Millisecond})
	require.NoError(t, err)
	got, err = java.Get(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "alice", got.User())

	task, err = m.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateRunning, task.State)
}

func TestStopRunningTaskCancelsWorker(t *testing.T) {
	fake, client := newFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := NewManager(client, routing.Unique)
	registry := worker.NewRegistry()
	started := make(chan struct{})
	require.NoError(t, registry.RegisterFunc("loop", func(ctx context.Context, _ tasks.Arguments, progress worker.ProgressFunc) (any, error) {
		close(started)
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
				progress(float64(i%10) / 10)
			}
		}
	}))
	startWorker(t, ctx, client, registry, "")

	id, err := manager.StartNamed(ctx, m, "loop", "alice", "", tasks.NewArguments())
	require.NoError(t, err)
	<-started

	stopped, err := m.StopTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, stopped)

	task, err := manager.PollTask(ctx, m, id, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateCancelled, task.State)
	assert.Equal(t, WorkflowTerminated, fake.status(id))

	stopped, err = m.StopTask(ctx, id)
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestGetTasksFiltersAndClear(t *testing.T) {
	_, client := newFakeServer(t)
	ctx := context.Background()
	m := NewManager(client, routing.Unique)

	first, err := manager.StartNamed(ctx, m, "index", "alice", "", tasks.NewArguments("doc", "a.pdf"))
	require.NoError(t, err)
	_, err = manager.StartNamed(ctx, m, "index", "bob", "", tasks.NewArguments("doc", "b.txt"))
	require.NoError(t, err)
	_, err = manager.StartNamed(ctx, m, "hello", "alice", "", tasks.NewArguments())
	require.NoError(t, err)

	list, err := collect(m.GetTasks(ctx, tasks.AllTasks.WithName("^index$").WithArgs("doc", `\.pdf$`)))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first, list[0].ID)

	list, err = collect(m.GetTasks(ctx, tasks.AllTasks.WithUser("alice")))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = collect(m.GetTasks(ctx, tasks.AllTasks.WithStates(tasks.StateDone)))
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = m.ClearTask(ctx, first)
	require.NoError(t, err)
	_, err = m.GetTask(ctx, first)
	assert.True(t, errors.Is(err, tasks.ErrUnknownTask), "got %v", err)

	require.NoError(t, m.Clear(ctx))
	list, err = collect(m.GetTasks(ctx, tasks.AllTasks))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestClearDoneTasks(t *testing.T) {
	_, client := newFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := NewManager(client, routing.Unique)
	registry := worker.NewRegistry()
	require.NoError(t, registry.RegisterFunc("quick", func(context.Context, tasks.Arguments, worker.ProgressFunc) (any, error) {
		return 1, nil
	}))
	startWorker(t, ctx, client, registry, "")

	id, err := manager.StartNamed(ctx, m, "quick", "alice", "", tasks.NewArguments())
	require.NoError(t, err)
	_, err = manager.PollTask(ctx, m, id, 20*time.Millisecond)
	require.NoError(t, err)

	cleared, err := m.ClearDoneTasks(ctx, tasks.AllTasks)
	require.NoError(t, err)
	require.Len(t, cleared, 1)
	assert.Equal(t, id, cleared[0].ID)
}

func TestHealthAndShutdown(t *testing.T) {
	_, client := newFakeServer(t)
	m := NewManager(client, routing.Unique)
	assert.NoError(t, m.Health(context.Background()))
	assert.NoError(t, m.Shutdown(context.Background()))
	assert.NoError(t, m.Close())
}

func TestParseWorkflowProgress(t *testing.T) {
	wf := &Workflow{
		WorkflowID:   "wf",
		WorkflowName: "multi",
		Status:       WorkflowRunning,
		Tasks: []PolledTask{
			{Status: TaskCompleted},
			{Status: TaskInProgress, OutputData: []byte(`{"progress":0.5}`)},
			{Status: TaskScheduled},
			{Status: TaskScheduled},
		},
	}
	task, err := ParseWorkflow(wf)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateRunning, task.State)
	assert.InDelta(t, 0.375, task.Progress, 1e-9)

	wf.Status = "ARCHIVED"
	_, err = ParseWorkflow(wf)
	assert.Error(t, err)
}

func TestDefinitions(t *testing.T) {
	dir := t.TempDir()
	yaml := `
tasks:
  - name: index
    retryCount: 5
    timeoutSeconds: 600
    responseTimeoutSeconds: 60
workflows:
  - name: index
    version: 2
    schemaVersion: 2
    tasks:
      - name: index
        taskReferenceName: index_ref
        type: SIMPLE
        inputParameters:
          args: ${workflow.input.args}
    outputParameters:
      result: ${index_ref.output.result}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.yaml"), []byte(yaml), 0o644))

	defs, err := LoadDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs.Tasks, 1)
	assert.Equal(t, 5, defs.Tasks[0].RetryCount)
	require.Len(t, defs.Workflows, 1)
	assert.Equal(t, 2, defs.Workflows[0].Version)

	merged := defs.Merge(ForNames("index", "hello"))
	assert.Len(t, merged.Tasks, 2)
	assert.Len(t, merged.Workflows, 2)
	assert.Equal(t, 5, merged.Tasks[0].RetryCount)

	fake, client := newFakeServer(t)
	require.NoError(t, client.Register(context.Background(), merged))
	assert.Len(t, fake.taskDefs, 2)
	assert.Len(t, fake.wfDefs, 2)
}

func TestTaskToDomain(t *testing.T) {
	assert.Nil(t, TaskToDomain(routing.Unique, "hello", "Java"))
	assert.Equal(t, map[string]string{"*": "Java"}, TaskToDomain(routing.Group, "hello", "Java"))
	assert.Equal(t, map[string]string{"*": "hello"}, TaskToDomain(routing.Name, "hello", ""))
}

func collect(seq func(func(*tasks.Task, error) bool)) ([]*tasks.Task, error) {
	var out []*tasks.Task
	for t, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}
