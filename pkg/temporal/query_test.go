package temporal

import (
	"errors"
	"testing"

	"github.com/guido-cesarano/taskorch/pkg/routing"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
	sdktemporal "go.temporal.io/sdk/temporal"
)

func TestStateOf(t *testing.T) {
	cases := map[enumspb.WorkflowExecutionStatus]tasks.State{
		enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:    tasks.StateRunning,
		enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:  tasks.StateDone,
		enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:     tasks.StateError,
		enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:  tasks.StateError,
		enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:   tasks.StateCancelled,
		enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED: tasks.StateCancelled,
	}
	for status, want := range cases {
		got, err := StateOf(status)
		require.NoError(t, err, status.String())
		assert.Equal(t, want, got, status.String())
	}

	_, err := StateOf(enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW)
	assert.Error(t, err)
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "TimedOut", statusLabel(enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT))
	assert.Equal(t, "Running", statusLabel(enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING))
}

func TestTaskQueueOf(t *testing.T) {
	assert.Equal(t, DefaultTaskQueue, TaskQueueOf(routing.Unique, "hello", "Java"))
	assert.Equal(t, "java", TaskQueueOf(routing.Group, "hello", "Java"))
	assert.Equal(t, "hello_world", TaskQueueOf(routing.Name, "Hello_World", ""))
}

func TestBuildQuery(t *testing.T) {
	query, ok, err := BuildQuery(tasks.AllTasks)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, query)

	query, ok, err = BuildQuery(tasks.AllTasks.WithStates(tasks.StateQueued, tasks.StateRunning, tasks.StateError))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "( ExecutionStatus = 'Running' OR ExecutionStatus = 'Failed' OR ExecutionStatus = 'TimedOut' )", query)

	query, _, err = BuildQuery(tasks.AllTasks.WithName("hello").WithUser("alice"))
	require.NoError(t, err)
	assert.Equal(t, "( WorkflowType = 'hello' ) AND ( UserId = 'alice' )", query)

	query, _, err = BuildQuery(tasks.AllTasks.WithName("index.*"))
	require.NoError(t, err)
	assert.Equal(t, "( WorkflowType STARTS_WITH 'index' )", query)
}

func TestBuildQueryMatchesNothing(t *testing.T) {
	_, ok, err := BuildQuery(tasks.AllTasks.WithStates(tasks.StateCreated))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuildQueryRejectsRegex(t *testing.T) {
	_, _, err := BuildQuery(tasks.AllTasks.WithName("^(a|b)$"))
	assert.True(t, errors.Is(err, ErrUnsupportedFilter), "got %v", err)
}

func TestTaskErrorOf(t *testing.T) {
	assert.Nil(t, taskErrorOf(nil))

	detail := tasks.TaskError{Name: "ValueError", Message: "bad input"}
	err := sdktemporal.NewNonRetryableApplicationError("bad input", "ValueError", nil, detail)
	te := taskErrorOf(err)
	require.NotNil(t, te)
	assert.Equal(t, "ValueError", te.Name)
	assert.Equal(t, "bad input", te.Message)

	te = taskErrorOf(sdktemporal.NewApplicationError("boom", "Panic"))
	require.NotNil(t, te)
	assert.Equal(t, "Panic", te.Name)
	assert.Equal(t, "boom", te.Message)
}
