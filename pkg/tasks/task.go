// Package tasks defines the core data structures of the orchestrator: the task record
// and its lifecycle state machine, the events exchanged between managers and workers,
// listing filters, and the TaskManager / TaskSupplier contracts every backend implements.
package tasks

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultRetries is the number of times a transport that retries natively
// redelivers a task before dead-lettering it.
const DefaultRetries = 3

// PoisonName is the name of the distinguished task that ends a worker loop.
const PoisonName = "__poison__"

// Task represents a unit of work and its lifecycle record.
//
// The ID is assigned at creation and never reused. Name selects the executable a
// worker runs, and Args are captured once at creation; they always carry the
// submitting user under UserKey. Everything else is mutated only by a task manager,
// through the transition methods below.
type Task struct {
	// ID is a unique identifier for the task (typically UUID).
	ID string `json:"id"`

	// Name identifies the executable the worker registry must produce.
	Name string `json:"name"`

	// Args are the immutable, insertion-ordered arguments of the task.
	Args Arguments `json:"args"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// Progress is a rate in [0,1]. It is forced to 1 on DONE, ERROR and CANCELLED.
	Progress float64 `json:"progress"`

	// Result is only present in DONE.
	Result *Result `json:"result,omitempty"`

	// Error is only present in ERROR.
	Error *TaskError `json:"error,omitempty"`

	// CreatedAt is the timestamp when the task was created by its producer.
	CreatedAt time.Time `json:"created_at"`

	// CompletedAt is set once, when the task enters a final state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// RetriesLeft is advisory. Only transports that redeliver natively decrement it.
	RetriesLeft int `json:"retries_left"`
}

// New creates a task with a fresh id. The user is recorded in the arguments.
func New(name, user string, args Arguments) *Task {
	return NewWithID(uuid.NewString(), name, user, args)
}

// NewWithID creates a task with a caller supplied id.
func NewWithID(id, name, user string, args Arguments) *Task {
	return &Task{
		ID:          id,
		Name:        name,
		Args:        args.With(UserKey, user),
		State:       StateCreated,
		CreatedAt:   time.Now().UTC(),
		RetriesLeft: DefaultRetries,
	}
}

// Poison returns the task value that makes a worker loop exit.
func Poison() *Task {
	return &Task{ID: PoisonName, Name: PoisonName, State: StateQueued}
}

// IsPoison reports whether t is the loop-ending task.
func (t *Task) IsPoison() bool {
	return t != nil && t.Name == PoisonName
}

// User returns the submitting principal.
func (t *Task) User() string {
	return t.Args.User()
}

// IsFinal reports whether the task reached DONE, ERROR or CANCELLED.
func (t *Task) IsFinal() bool {
	return t.State.IsFinal()
}

// Queue moves a CREATED (or requeued) task into QUEUED.
func (t *Task) Queue() error {
	if t.State != StateCreated && t.State != StateQueued {
		return fmt.Errorf("queue %s in state %s: %w", t.ID, t.State, ErrIllegalState)
	}
	t.State = StateQueued
	return nil
}

// SetProgress records a progress rate. The first report moves the task to RUNNING.
func (t *Task) SetProgress(rate float64) error {
	if t.IsFinal() {
		return fmt.Errorf("progress of %s in state %s: %w", t.ID, t.State, ErrIllegalState)
	}
	t.Progress = clamp(rate)
	t.State = StateRunning
	return nil
}

// SetResult completes the task with a result.
func (t *Task) SetResult(r *Result) error {
	if t.IsFinal() {
		return fmt.Errorf("result of %s in state %s: %w", t.ID, t.State, ErrIllegalState)
	}
	t.Result = r
	t.Error = nil
	t.complete(StateDone)
	return nil
}

// SetError completes the task with an error.
func (t *Task) SetError(e *TaskError) error {
	if t.IsFinal() {
		return fmt.Errorf("error of %s in state %s: %w", t.ID, t.State, ErrIllegalState)
	}
	t.Error = e
	t.Result = nil
	t.complete(StateError)
	return nil
}

// Cancel marks the task CANCELLED.
func (t *Task) Cancel() error {
	if t.IsFinal() {
		return fmt.Errorf("cancel %s in state %s: %w", t.ID, t.State, ErrIllegalState)
	}
	t.Result = nil
	t.Error = nil
	t.complete(StateCancelled)
	return nil
}

// Requeue brings a CANCELLED task back to QUEUED, keeping its id.
func (t *Task) Requeue() error {
	if t.State != StateCancelled {
		return fmt.Errorf("requeue %s in state %s: %w", t.ID, t.State, ErrIllegalState)
	}
	t.State = StateQueued
	t.Progress = 0
	t.CompletedAt = nil
	return nil
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	c := *t
	c.Args = t.Args.clone()
	if t.Result != nil {
		r := *t.Result
		r.Value = append([]byte(nil), t.Result.Value...)
		c.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (t *Task) String() string {
	return fmt.Sprintf("Task{id=%s name=%s state=%s progress=%.2f}", t.ID, t.Name, t.State, t.Progress)
}

func (t *Task) complete(s State) {
	now := time.Now().UTC()
	t.State = s
	t.Progress = 1
	t.CompletedAt = &now
}

func clamp(rate float64) float64 {
	switch {
	case rate < 0:
		return 0
	case rate > 1:
		return 1
	}
	return rate
}
