package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/rs/zerolog"
)

// SupplierOptions tune a Supplier. Zero values take defaults.
type SupplierOptions struct {
	// Domain is the routing key the worker pool serves.
	Domain string
	// Lease postpones redelivery of a task that reported progress.
	Lease time.Duration
	// MinPoll is the shortest long-poll sent to the engine.
	MinPoll time.Duration
}

func (o SupplierOptions) withDefaults() SupplierOptions {
	if o.Lease <= 0 {
		o.Lease = time.Hour
	}
	if o.MinPoll <= 0 {
		o.MinPoll = 100 * time.Millisecond
	}
	return o
}

// Supplier polls the engine for the given task types. Conductor has no push
// channel to workers, so a cancel event is synthesized when a progress report
// finds the task cancelled by its workflow's termination.
type Supplier struct {
	client   *Client
	types    []string
	workerID string
	opts     SupplierOptions
	log      zerolog.Logger

	mu        sync.Mutex
	next      int
	inflight  map[string]string
	listeners []tasks.EventListener
	closed    bool
}

var _ tasks.TaskSupplier = (*Supplier)(nil)

// NewSupplier polls the task types round-robin.
func NewSupplier(client *Client, types []string, opts SupplierOptions) (*Supplier, error) {
	if len(types) == 0 {
		return nil, errors.New("conductor supplier: no task types")
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	workerID := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	return &Supplier{
		client:   client,
		types:    types,
		workerID: workerID,
		opts:     opts.withDefaults(),
		log:      logger.For("conductor-worker").With().Str("worker_id", workerID).Str("domain", opts.Domain).Logger(),
		inflight: make(map[string]string),
	}, nil
}

// Get long-polls each task type in turn until one yields a task or timeout elapses.
func (s *Supplier) Get(ctx context.Context, timeout time.Duration) (*tasks.Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, tasks.ErrTransportClosed
		}
		taskType := s.types[s.next%len(s.types)]
		s.next++
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := min(max(remaining/time.Duration(len(s.types)), s.opts.MinPoll), remaining)
		polled, err := s.client.Poll(ctx, taskType, s.workerID, s.opts.Domain, wait)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if polled == nil {
			continue
		}
		task, err := s.toTask(polled)
		if err != nil {
			s.log.Warn().Err(err).Str("task_id", polled.TaskID).Msg("Malformed task input, failing it")
			_ = s.client.UpdateTask(ctx, TaskResult{
				WorkflowInstanceID:    polled.WorkflowInstanceID,
				TaskID:                polled.TaskID,
				WorkerID:              s.workerID,
				Status:                TaskFailedWithTerminalErr,
				ReasonForIncompletion: err.Error(),
			})
			continue
		}
		s.mu.Lock()
		s.inflight[task.ID] = polled.TaskID
		s.mu.Unlock()
		return task, nil
	}
}

func (s *Supplier) toTask(polled *PolledTask) (*tasks.Task, error) {
	var in taskInput
	if len(polled.InputData) > 0 {
		if err := json.Unmarshal(polled.InputData, &in); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
	}
	task := tasks.NewWithID(polled.WorkflowInstanceID, polled.TaskType, in.Args.User(), in.Args)
	if polled.ScheduledTime > 0 {
		task.CreatedAt = time.UnixMilli(polled.ScheduledTime).UTC()
	}
	task.State = tasks.StateRunning
	task.RetriesLeft = max(tasks.DefaultRetries-polled.RetryCount, 0)
	return task, nil
}

func (s *Supplier) taskID(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taskID, ok := s.inflight[id]
	return taskID, ok
}

func (s *Supplier) take(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taskID, ok := s.inflight[id]
	delete(s.inflight, id)
	return taskID, ok
}

// Progress records the rate in the task output and extends the lease. If the
// engine has cancelled the task meanwhile, listeners receive a cancel event.
func (s *Supplier) Progress(ctx context.Context, id string, rate float64) error {
	taskID, ok := s.taskID(id)
	if !ok {
		return fmt.Errorf("progress %s: not in flight", id)
	}
	if err := s.client.UpdateTask(ctx, TaskResult{
		WorkflowInstanceID:   id,
		TaskID:               taskID,
		WorkerID:             s.workerID,
		Status:               TaskInProgress,
		OutputData:           map[string]any{outputProgress: rate},
		CallbackAfterSeconds: int64(s.opts.Lease.Seconds()),
	}); err != nil {
		return err
	}
	polled, err := s.client.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if polled.Status == TaskCanceled {
		s.log.Info().Str("task_id", id).Msg("Task cancelled by the engine")
		s.emit(tasks.CancelEvent(id, false))
	}
	return nil
}

func (s *Supplier) Result(ctx context.Context, id string, result *tasks.Result) error {
	return s.complete(ctx, id, TaskCompleted, map[string]any{outputResult: result}, "")
}

// Error fails the task terminally: business errors are never retried.
func (s *Supplier) Error(ctx context.Context, id string, taskErr *tasks.TaskError) error {
	return s.complete(ctx, id, TaskFailedWithTerminalErr, map[string]any{outputError: taskErr}, taskErr.Message)
}

// Cancelled hands a requeued task back to the engine. Otherwise the workflow is
// terminated, which is how the engine represents a cancelled task.
func (s *Supplier) Cancelled(ctx context.Context, task *tasks.Task, requeue bool) error {
	if requeue {
		return s.requeue(ctx, task.ID)
	}
	if _, ok := s.take(task.ID); !ok {
		return fmt.Errorf("cancelled %s: not in flight", task.ID)
	}
	if err := s.client.TerminateWorkflow(ctx, task.ID, "cancelled_by_worker"); err != nil && !isGone(err) {
		return err
	}
	return nil
}

// Nack requeues the task without consuming a retry, or fails it so the engine's
// retry policy applies.
func (s *Supplier) Nack(ctx context.Context, task *tasks.Task, requeue bool) error {
	if requeue {
		return s.requeue(ctx, task.ID)
	}
	return s.complete(ctx, task.ID, TaskFailed, nil, "rejected by worker")
}

func (s *Supplier) requeue(ctx context.Context, id string) error {
	taskID, ok := s.take(id)
	if !ok {
		return fmt.Errorf("requeue %s: not in flight", id)
	}
	return s.client.UpdateTask(ctx, TaskResult{
		WorkflowInstanceID:   id,
		TaskID:               taskID,
		WorkerID:             s.workerID,
		Status:               TaskInProgress,
		CallbackAfterSeconds: 0,
	})
}

func (s *Supplier) complete(ctx context.Context, id, status string, output map[string]any, reason string) error {
	taskID, ok := s.take(id)
	if !ok {
		return fmt.Errorf("%s %s: not in flight", status, id)
	}
	return s.client.UpdateTask(ctx, TaskResult{
		WorkflowInstanceID:    id,
		TaskID:                taskID,
		WorkerID:              s.workerID,
		Status:                status,
		OutputData:            output,
		ReasonForIncompletion: reason,
	})
}

func (s *Supplier) AddEventListener(l tasks.EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Supplier) emit(e tasks.Event) {
	s.mu.Lock()
	listeners := append([]tasks.EventListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(e)
	}
}

// Close stops polling. Tasks in flight are redelivered once their response
// timeout expires on the engine.
func (s *Supplier) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = nil
	return nil
}
