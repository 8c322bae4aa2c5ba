// Package manager implements the store-and-queue task manager: a Repository holds
// the records and a Transport moves tasks to workers and events back. The in-memory,
// Redis and AMQP backends are all this manager over a different Transport.
package manager

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/metrics"
	"github.com/guido-cesarano/taskorch/pkg/repository"
	"github.com/guido-cesarano/taskorch/pkg/routing"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BaseQueue is the name every task queue derives from: "TASK" or "TASK.<key>".
const BaseQueue = "TASK"

// Manager is the orchestration facade over a Repository and a Transport.
//
// Task records are only written here, either on a producer call or in HandleAck.
// Writes for one task id are serialized; writes for different ids are independent.
type Manager struct {
	repo      repository.Repository
	transport Transport
	strategy  routing.Strategy
	log       zerolog.Logger
	tracer    trace.Tracer
	locks     *keyedMutex

	mu      sync.Mutex
	latches map[string]*tasks.StateLatch
}

var _ tasks.TaskManager = (*Manager)(nil)

// New builds a manager and subscribes it to the transport's events.
func New(repo repository.Repository, transport Transport, strategy routing.Strategy) (*Manager, error) {
	m := &Manager{
		repo:      repo,
		transport: transport,
		strategy:  strategy,
		log:       logger.For("manager"),
		tracer:    otel.Tracer("taskorch.manager"),
		locks:     newKeyedMutex(),
		latches:   make(map[string]*tasks.StateLatch),
	}
	if err := transport.Subscribe(m.HandleAck); err != nil {
		return nil, fmt.Errorf("subscribe to events: %w", err)
	}
	return m, nil
}

// Strategy returns the routing strategy used for enqueuing.
func (m *Manager) Strategy() routing.Strategy {
	return m.strategy
}

// StartTask persists the task as QUEUED and enqueues it. If the transport refuses
// the task, the record is removed again so the id can be resubmitted.
func (m *Manager) StartTask(ctx context.Context, task *tasks.Task, group tasks.Group) (string, error) {
	unlock := m.locks.Lock(task.ID)
	defer unlock()

	if err := task.Queue(); err != nil {
		return "", err
	}
	if err := m.repo.Insert(ctx, task, group); err != nil {
		return "", err
	}
	key := m.strategy.Key(task.Name, group)
	if err := m.transport.Enqueue(ctx, key, task.Clone()); err != nil {
		if _, derr := m.repo.Delete(ctx, task.ID); derr != nil {
			m.log.Error().Err(derr).Str("task_id", task.ID).Msg("Failed to roll back task record")
		}
		return "", fmt.Errorf("enqueue %s: %w", task.ID, err)
	}
	m.setLatch(task.ID, task.State)
	metrics.TasksStarted.WithLabelValues(routing.QueueName(BaseQueue, key)).Inc()
	m.log.Info().Str("task_id", task.ID).Str("task_name", task.Name).Str("group", string(group)).Msg("Task queued")
	return task.ID, nil
}

func (m *Manager) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	return m.repo.Get(ctx, id)
}

func (m *Manager) GetTasks(ctx context.Context, filters tasks.Filters) iter.Seq2[*tasks.Task, error] {
	return m.repo.List(ctx, filters)
}

func (m *Manager) GetTaskGroup(ctx context.Context, id string) (tasks.Group, error) {
	return m.repo.Group(ctx, id)
}

// StopTask cancels a task that never left its queue directly. Otherwise it
// publishes a CancelEvent and the state changes once the worker acknowledges.
func (m *Manager) StopTask(ctx context.Context, id string) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	task, err := m.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if task.IsFinal() {
		return false, nil
	}
	if task.State != tasks.StateRunning {
		group, err := m.repo.Group(ctx, id)
		if err != nil {
			return false, err
		}
		removed, err := m.transport.Remove(ctx, m.strategy.Key(task.Name, group), id)
		if err != nil {
			m.log.Warn().Err(err).Str("task_id", id).Msg("Failed to remove queued task")
		}
		if removed {
			if err := task.Cancel(); err != nil {
				return false, err
			}
			if err := m.repo.Update(ctx, task); err != nil {
				return false, err
			}
			m.setLatch(id, task.State)
			m.log.Info().Str("task_id", id).Msg("Queued task cancelled")
			return true, nil
		}
	}
	if err := m.transport.Publish(ctx, tasks.CancelEvent(id, false)); err != nil {
		return false, fmt.Errorf("publish cancel of %s: %w", id, err)
	}
	m.log.Info().Str("task_id", id).Str("state", task.State.String()).Msg("Cancel requested")
	return true, nil
}

// ClearTask deletes a record that is not RUNNING.
func (m *Manager) ClearTask(ctx context.Context, id string) (*tasks.Task, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	task, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.State == tasks.StateRunning {
		return nil, fmt.Errorf("clear %s: task is running: %w", id, tasks.ErrIllegalState)
	}
	deleted, err := m.repo.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	m.dropLatch(id)
	return deleted, nil
}

// ClearDoneTasks deletes the DONE, ERROR and CANCELLED tasks matching filters.
func (m *Manager) ClearDoneTasks(ctx context.Context, filters tasks.Filters) ([]*tasks.Task, error) {
	done, err := repository.Collect(m.repo.List(ctx, filters.WithinStates(tasks.FinalStates...)))
	if err != nil {
		return nil, err
	}
	var cleared []*tasks.Task
	for _, t := range done {
		deleted, err := m.ClearTask(ctx, t.ID)
		if errors.Is(err, tasks.ErrUnknownTask) {
			continue
		}
		if err != nil {
			return cleared, err
		}
		cleared = append(cleared, deleted)
	}
	return cleared, nil
}

// Clear drops every record and purges the queues.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.transport.Clear(ctx); err != nil {
		return err
	}
	if err := m.repo.DeleteAll(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.latches = make(map[string]*tasks.StateLatch)
	m.mu.Unlock()
	return nil
}

func (m *Manager) Health(ctx context.Context) error {
	return m.transport.Health(ctx)
}

// Shutdown broadcasts a ShutdownEvent to every worker loop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.log.Info().Msg("Broadcasting shutdown to workers")
	return m.transport.Publish(ctx, tasks.ShutdownEvent())
}

func (m *Manager) Close() error {
	return errors.Join(m.transport.Close(), m.repo.Close())
}

// HandleAck applies a worker event to its task record. It is the only path by
// which events mutate records. Events for unknown or finished tasks are dropped:
// a cancel may legitimately race with completion.
func (m *Manager) HandleAck(ctx context.Context, event tasks.Event) error {
	ctx, span := m.tracer.Start(ctx, "Manager.HandleAck",
		trace.WithAttributes(
			attribute.String("task.id", event.TaskID),
			attribute.String("event.type", string(event.Type)),
		),
	)
	defer span.End()

	status, err := m.handleAck(ctx, event)
	metrics.EventsHandled.WithLabelValues(string(event.Type), status).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.log.Error().Err(err).Str("task_id", event.TaskID).Str("event", string(event.Type)).Msg("Failed to handle event")
	}
	return err
}

func (m *Manager) handleAck(ctx context.Context, event tasks.Event) (string, error) {
	if event.ForWorkers() {
		return "ignored", nil
	}
	unlock := m.locks.Lock(event.TaskID)
	defer unlock()

	task, err := m.repo.Get(ctx, event.TaskID)
	if errors.Is(err, tasks.ErrUnknownTask) {
		m.log.Warn().Str("task_id", event.TaskID).Str("event", string(event.Type)).Msg("Event for unknown task dropped")
		return "unknown", nil
	}
	if err != nil {
		return "failed", err
	}
	if task.IsFinal() {
		m.log.Debug().Str("task_id", task.ID).Str("state", task.State.String()).Str("event", string(event.Type)).Msg("Event for final task ignored")
		return "ignored", nil
	}

	switch event.Type {
	case tasks.EventProgress:
		err = task.SetProgress(event.Progress)
	case tasks.EventResult:
		err = task.SetResult(event.Result)
	case tasks.EventError:
		err = task.SetError(event.Error)
	case tasks.EventCancelled:
		// A requeued cancel goes straight back to QUEUED, so no one observes it final.
		if err = task.Cancel(); err == nil && event.Requeue {
			err = task.Requeue()
		}
	default:
		return "ignored", fmt.Errorf("unsupported event type %q", event.Type)
	}
	if err != nil {
		return "failed", err
	}
	if err := m.repo.Update(ctx, task); err != nil {
		return "failed", err
	}
	m.setLatch(task.ID, task.State)

	if event.Type == tasks.EventCancelled && event.Requeue {
		if err := m.enqueueAgain(ctx, task); err != nil {
			return "failed", err
		}
		return "requeued", nil
	}
	if task.IsFinal() {
		m.log.Info().Str("task_id", task.ID).Str("state", task.State.String()).Msg("Task finished")
	}
	return "applied", nil
}

// enqueueAgain hands a task already persisted as QUEUED back to its queue.
func (m *Manager) enqueueAgain(ctx context.Context, task *tasks.Task) error {
	group, err := m.repo.Group(ctx, task.ID)
	if err != nil {
		return err
	}
	if err := m.transport.Enqueue(ctx, m.strategy.Key(task.Name, group), task.Clone()); err != nil {
		return fmt.Errorf("requeue %s: %w", task.ID, err)
	}
	m.log.Info().Str("task_id", task.ID).Msg("Task requeued")
	return nil
}

// Reconcile enqueues again the QUEUED records older than grace that the transport
// no longer holds, which is what a crash between the insert and the enqueue of
// StartTask leaves behind. It does nothing on transports without an Inventory.
func (m *Manager) Reconcile(ctx context.Context, grace time.Duration) (int, error) {
	inv, ok := m.transport.(Inventory)
	if !ok {
		return 0, nil
	}
	cutoff := time.Now().Add(-grace)
	var stale []*tasks.Task
	for t, err := range m.repo.List(ctx, tasks.AllTasks.WithStates(tasks.StateQueued)) {
		if err != nil {
			return 0, err
		}
		if t.CreatedAt.Before(cutoff) {
			stale = append(stale, t)
		}
	}

	byKey := make(map[string][]string)
	for _, t := range stale {
		group, err := m.repo.Group(ctx, t.ID)
		if errors.Is(err, tasks.ErrUnknownTask) {
			continue
		}
		if err != nil {
			return 0, err
		}
		key := m.strategy.Key(t.Name, group)
		byKey[key] = append(byKey[key], t.ID)
	}

	n := 0
	for key, ids := range byKey {
		held, err := inv.HeldIDs(ctx, key)
		if err != nil {
			return n, fmt.Errorf("inventory of %s: %w", routing.QueueName(BaseQueue, key), err)
		}
		for _, id := range ids {
			if _, ok := held[id]; ok {
				continue
			}
			restored, err := m.restore(ctx, key, id)
			if err != nil {
				return n, err
			}
			if restored {
				n++
			}
		}
	}
	return n, nil
}

// restore enqueues id on key if its record is still QUEUED.
func (m *Manager) restore(ctx context.Context, key, id string) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	task, err := m.repo.Get(ctx, id)
	if errors.Is(err, tasks.ErrUnknownTask) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if task.State != tasks.StateQueued {
		return false, nil
	}
	if err := m.transport.Enqueue(ctx, key, task.Clone()); err != nil {
		return false, fmt.Errorf("restore %s: %w", id, err)
	}
	m.log.Warn().Str("task_id", id).Str("task_name", task.Name).Msg("Queued task missing from its queue, enqueued again")
	return true, nil
}

// Await blocks until the task reaches target (by state ordinal) or any final
// state, and returns the record at that point.
func (m *Manager) Await(ctx context.Context, id string, target tasks.State) (*tasks.Task, error) {
	latch, err := m.latch(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := latch.Await(ctx, target); err != nil {
		return nil, fmt.Errorf("await %s of %s: %w", target, id, err)
	}
	return m.repo.Get(ctx, id)
}

// AwaitResult blocks until the task is final and returns its record.
func (m *Manager) AwaitResult(ctx context.Context, id string) (*tasks.Task, error) {
	latch, err := m.latch(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := latch.AwaitFinal(ctx); err != nil {
		return nil, fmt.Errorf("await result of %s: %w", id, err)
	}
	return m.repo.Get(ctx, id)
}

// latch returns the latch of id, seeded from the repository under the task lock so
// no concurrent update is missed.
func (m *Manager) latch(ctx context.Context, id string) (*tasks.StateLatch, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.Lock()
	l, ok := m.latches[id]
	m.mu.Unlock()
	if ok {
		return l, nil
	}
	task, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l = tasks.NewStateLatch(task.State)
	m.latches[id] = l
	return l, nil
}

// setLatch updates an existing latch. Latches are only created by waiters and are
// forgotten once final; waiters already blocked keep their reference.
func (m *Manager) setLatch(id string, s tasks.State) {
	m.mu.Lock()
	l, ok := m.latches[id]
	if ok && s.IsFinal() {
		delete(m.latches, id)
	}
	m.mu.Unlock()
	if ok {
		l.Set(s)
	}
}

func (m *Manager) dropLatch(id string) {
	m.mu.Lock()
	delete(m.latches, id)
	m.mu.Unlock()
}
