package tasks

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrUnknownTask is returned for an id no backend record exists for.
	ErrUnknownTask = errors.New("unknown task")
	// ErrTaskAlreadyExists is returned when a task id is submitted twice.
	ErrTaskAlreadyExists = errors.New("task already exists")
	// ErrIllegalState is returned for a transition the state machine forbids,
	// such as clearing a RUNNING task.
	ErrIllegalState = errors.New("illegal task state")
	// ErrUnknownTaskName is returned by a worker registry that has no constructor for a name.
	ErrUnknownTaskName = errors.New("unknown task name")
	// ErrTransportClosed is returned by suppliers and transports after Close.
	ErrTransportClosed = errors.New("transport closed")
)

// Group is a routing label selecting the worker pool allowed to run a task.
// The empty group means no group.
type Group string

// TaskManager is the producer-side facade. Every backend implements it.
type TaskManager interface {
	// StartTask persists the task, queues it and hands it to the transport.
	StartTask(ctx context.Context, task *Task, group Group) (string, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	// GetTasks lazily yields the tasks matching filters.
	GetTasks(ctx context.Context, filters Filters) iter.Seq2[*Task, error]
	GetTaskGroup(ctx context.Context, id string) (Group, error)
	// StopTask requests cancellation. It reports whether the task existed in a cancellable state.
	StopTask(ctx context.Context, id string) (bool, error)
	// ClearTask deletes one record. A RUNNING task is rejected with ErrIllegalState.
	ClearTask(ctx context.Context, id string) (*Task, error)
	// ClearDoneTasks deletes the final-state tasks matching filters.
	ClearDoneTasks(ctx context.Context, filters Filters) ([]*Task, error)
	// Clear drops every task and queued message.
	Clear(ctx context.Context) error
	Health(ctx context.Context) error
	// Shutdown tells every worker to exit.
	Shutdown(ctx context.Context) error
	Close() error
}

// EventListener receives control events addressed to a worker.
type EventListener func(Event)

// TaskSupplier is the worker-side facade of a transport.
type TaskSupplier interface {
	// Get blocks up to timeout for the next task. It returns nil, nil when the timeout elapses.
	Get(ctx context.Context, timeout time.Duration) (*Task, error)
	Progress(ctx context.Context, id string, rate float64) error
	Result(ctx context.Context, id string, result *Result) error
	Error(ctx context.Context, id string, taskErr *TaskError) error
	Cancelled(ctx context.Context, task *Task, requeue bool) error
	// Nack rejects a delivery at transport level, without touching the task record.
	Nack(ctx context.Context, task *Task, requeue bool) error
	AddEventListener(l EventListener)
	Close() error
}
