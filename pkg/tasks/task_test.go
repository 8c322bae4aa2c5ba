package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskRecordsUser(t *testing.T) {
	task := New("sum", "alice", NewArguments("a", 2, "b", 3))

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StateCreated, task.State)
	assert.Equal(t, "alice", task.User())
	assert.Equal(t, []string{"a", "b", "user"}, task.Args.Keys())
	assert.Equal(t, DefaultRetries, task.RetriesLeft)
}

func TestTransitions(t *testing.T) {
	task := New("sum", "alice", NewArguments())
	require.NoError(t, task.Queue())
	assert.Equal(t, StateQueued, task.State)

	require.NoError(t, task.SetProgress(0.3))
	assert.Equal(t, StateRunning, task.State)
	assert.Equal(t, 0.3, task.Progress)

	res, err := NewResult(5)
	require.NoError(t, err)
	require.NoError(t, task.SetResult(res))
	assert.Equal(t, StateDone, task.State)
	assert.Equal(t, 1.0, task.Progress)
	require.NotNil(t, task.CompletedAt)
	assert.Nil(t, task.Error)
}

func TestFinalStatesAreSticky(t *testing.T) {
	task := New("sum", "alice", NewArguments())
	require.NoError(t, task.SetError(NewTaskError(errors.New("boom"))))
	completedAt := *task.CompletedAt

	res, _ := NewResult(1)
	assert.ErrorIs(t, task.SetResult(res), ErrIllegalState)
	assert.ErrorIs(t, task.SetProgress(0.5), ErrIllegalState)
	assert.ErrorIs(t, task.Cancel(), ErrIllegalState)

	assert.Equal(t, StateError, task.State)
	assert.Nil(t, task.Result)
	assert.Equal(t, "boom", task.Error.Message)
	assert.Equal(t, 1.0, task.Progress)
	assert.Equal(t, completedAt, *task.CompletedAt)
}

func TestRequeueOnlyFromCancelled(t *testing.T) {
	task := New("sum", "alice", NewArguments())
	assert.ErrorIs(t, task.Requeue(), ErrIllegalState)

	require.NoError(t, task.SetProgress(0.5))
	require.NoError(t, task.Cancel())
	assert.Equal(t, 1.0, task.Progress)

	require.NoError(t, task.Requeue())
	assert.Equal(t, StateQueued, task.State)
	assert.Equal(t, 0.0, task.Progress)
	assert.Nil(t, task.CompletedAt)
}

func TestProgressIsClamped(t *testing.T) {
	task := New("sum", "alice", NewArguments())
	require.NoError(t, task.SetProgress(3))
	assert.Equal(t, 1.0, task.Progress)
	require.NoError(t, task.SetProgress(-1))
	assert.Equal(t, 0.0, task.Progress)
}

func TestTaskJSON(t *testing.T) {
	task := NewWithID("id-1", "sum", "alice", NewArguments("b", 3, "a", 2))
	res, err := NewResult(5)
	require.NoError(t, err)
	require.NoError(t, task.SetResult(res))

	data, err := json.Marshal(task)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"DONE"`)
	assert.Contains(t, string(data), `"args":{"b":3,"a":2,"user":"alice"}`)
	assert.Contains(t, string(data), `"@type":"int"`)

	var back Task
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, StateDone, back.State)
	assert.Equal(t, []string{"b", "a", "user"}, back.Args.Keys())

	var n int
	require.NoError(t, back.Result.Decode(&n))
	assert.Equal(t, 5, n)
}

func TestCloneIsIndependent(t *testing.T) {
	task := New("sum", "alice", NewArguments("a", 1))
	c := task.Clone()
	require.NoError(t, c.SetProgress(0.5))
	c.Args = c.Args.With("a", 2)

	assert.Equal(t, StateCreated, task.State)
	v, _ := task.Args.Get("a")
	assert.Equal(t, 1, v)
}

func TestTaskErrorCarriesCauseAndStack(t *testing.T) {
	root := pkgerrors.New("disk full")
	err := fmt.Errorf("write index: %w", root)

	te := NewTaskError(err)
	assert.Equal(t, "write index: disk full", te.Message)
	require.NotNil(t, te.Cause)
	assert.Equal(t, "disk full", te.Cause.Message)
	assert.Empty(t, te.Stacktrace)
	require.NotEmpty(t, te.Cause.Stacktrace)
	assert.Equal(t, "task_test.go", te.Cause.Stacktrace[0].File)
	assert.Greater(t, te.Cause.Stacktrace[0].Line, 0)
}

func TestTaskErrorStackOnlyOnOwner(t *testing.T) {
	root := pkgerrors.New("disk full")
	err := pkgerrors.Wrap(root, "write index")

	// withStack -> withMessage -> fundamental
	te := NewTaskError(err)
	require.NotNil(t, te.Cause)
	require.NotNil(t, te.Cause.Cause)
	assert.Nil(t, te.Cause.Cause.Cause)

	assert.NotEmpty(t, te.Stacktrace)
	assert.Empty(t, te.Cause.Stacktrace)
	assert.NotEmpty(t, te.Cause.Cause.Stacktrace)
	assert.NotEqual(t, te.Stacktrace[0].Line, te.Cause.Cause.Stacktrace[0].Line)
}

func TestParseState(t *testing.T) {
	s, err := ParseState("running")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s)

	_, err = ParseState("PAUSED")
	assert.Error(t, err)

	for _, s := range FinalStates {
		assert.True(t, s.IsFinal(), s.String())
	}
	for _, s := range NonFinalStates {
		assert.False(t, s.IsFinal(), s.String())
	}
}

func TestPoison(t *testing.T) {
	assert.True(t, Poison().IsPoison())
	assert.False(t, New("sum", "alice", NewArguments()).IsPoison())
	var nilTask *Task
	assert.False(t, nilTask.IsPoison())
}
