package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/tasks"
)

// StartNamed creates a task with a fresh id and starts it on m.
func StartNamed(ctx context.Context, m tasks.TaskManager, name, user string, group tasks.Group, args tasks.Arguments) (string, error) {
	return m.StartTask(ctx, tasks.New(name, user, args), group)
}

// StopTasks requests cancellation of every CREATED, QUEUED or RUNNING task
// matching filters, and reports per id whether the request was accepted.
func StopTasks(ctx context.Context, m tasks.TaskManager, filters tasks.Filters) (map[string]bool, error) {
	var ids []string
	for t, err := range m.GetTasks(ctx, filters.WithinStates(tasks.NonFinalStates...)) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
	}
	stopped := make(map[string]bool, len(ids))
	for _, id := range ids {
		ok, err := m.StopTask(ctx, id)
		if err != nil {
			return stopped, fmt.Errorf("stop %s: %w", id, err)
		}
		stopped[id] = ok
	}
	return stopped, nil
}

// StopAllTasks stops every task that has not finished.
func StopAllTasks(ctx context.Context, m tasks.TaskManager) (map[string]bool, error) {
	return StopTasks(ctx, m, tasks.AllTasks)
}

// WaitTasksDone polls m until no task is CREATED, QUEUED or RUNNING, and returns
// the final records. It works against every backend, including workflow engines.
func WaitTasksDone(ctx context.Context, m tasks.TaskManager, interval time.Duration) ([]*tasks.Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var (
			all     []*tasks.Task
			pending bool
		)
		for t, err := range m.GetTasks(ctx, tasks.AllTasks) {
			if err != nil {
				return nil, err
			}
			all = append(all, t)
			pending = pending || !t.IsFinal()
		}
		if !pending {
			return all, nil
		}
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollTask polls m until the task reaches a final state.
func PollTask(ctx context.Context, m tasks.TaskManager, id string, interval time.Duration) (*tasks.Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := m.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.IsFinal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}
