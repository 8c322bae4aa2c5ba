// Package memory is the in-process transport: one queue per routing key and a local
// event dispatch table. It has no durability and serves tests, development and
// single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/manager"
	"github.com/guido-cesarano/taskorch/pkg/routing"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned by Enqueue on a bounded bus at capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrClosed is returned once the bus is closed.
	ErrClosed = tasks.ErrTransportClosed
)

type queue struct {
	items  []*tasks.Task
	notify chan struct{}
}

func (q *queue) signal() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Bus carries tasks and events inside one process. Events are dispatched
// synchronously, so per task ordering is the order of the calls.
type Bus struct {
	mu          sync.Mutex
	capacity    int
	queues      map[string]*queue
	deadLetters []*tasks.Task
	handler     manager.EventHandler
	listeners   map[int]tasks.EventListener
	nextID      int
	closed      bool
	log         zerolog.Logger
}

var _ manager.Transport = (*Bus)(nil)

// NewBus creates a bus. A positive capacity bounds every queue.
func NewBus(capacity int) *Bus {
	return &Bus{
		capacity:  capacity,
		queues:    make(map[string]*queue),
		listeners: make(map[int]tasks.EventListener),
		log:       logger.For("memory"),
	}
}

func (b *Bus) queue(key string) *queue {
	q, ok := b.queues[key]
	if !ok {
		q = &queue{notify: make(chan struct{})}
		b.queues[key] = q
	}
	return q
}

func (b *Bus) Enqueue(_ context.Context, key string, task *tasks.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	q := b.queue(key)
	if b.capacity > 0 && len(q.items) >= b.capacity {
		return fmt.Errorf("%s: %w", routing.QueueName(manager.BaseQueue, key), ErrQueueFull)
	}
	q.items = append(q.items, task)
	q.signal()
	return nil
}

func (b *Bus) Remove(_ context.Context, key string, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[key]
	if !ok {
		return false, nil
	}
	for i, t := range q.items {
		if t.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Publish hands a manager event to every worker listener.
func (b *Bus) Publish(_ context.Context, event tasks.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	listeners := make([]tasks.EventListener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
	return nil
}

func (b *Bus) Subscribe(handler manager.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

func (b *Bus) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		q.items = nil
	}
	b.deadLetters = nil
	return nil
}

func (b *Bus) Health(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close wakes every blocked Get.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		q.signal()
	}
	return nil
}

// PushPoison queues the task that ends one worker loop polling key.
func (b *Bus) PushPoison(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(key)
	q.items = append(q.items, tasks.Poison())
	q.signal()
	return nil
}

// Depths returns the number of queued tasks per queue name.
func (b *Bus) Depths() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	depths := make(map[string]int64, len(b.queues)+1)
	for key, q := range b.queues {
		depths[routing.QueueName(manager.BaseQueue, key)] = int64(len(q.items))
	}
	depths["dead_letter_queue"] = int64(len(b.deadLetters))
	return depths
}

// DeadLetters returns the tasks dropped after exhausting their retries.
func (b *Bus) DeadLetters() []*tasks.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*tasks.Task(nil), b.deadLetters...)
}

func (b *Bus) poll(ctx context.Context, key string, timeout time.Duration) (*tasks.Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		q := b.queue(key)
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			b.mu.Unlock()
			return t, nil
		}
		notify := q.notify
		b.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// emit delivers a worker event to the manager. Handler failures are logged by
// the manager and never reach the worker.
func (b *Bus) emit(ctx context.Context, event tasks.Event) error {
	b.mu.Lock()
	handler, closed := b.handler, b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if handler == nil {
		b.log.Warn().Str("task_id", event.TaskID).Str("event", string(event.Type)).Msg("No manager subscribed, event dropped")
		return nil
	}
	_ = handler(ctx, event)
	return nil
}

func (b *Bus) addListener(l tasks.EventListener) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[b.nextID] = l
	return b.nextID
}

func (b *Bus) removeListener(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
}

func (b *Bus) nack(key string, task *tasks.Task, requeue bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if requeue && task.RetriesLeft > 0 && !b.closed {
		task.RetriesLeft--
		q := b.queue(key)
		q.items = append(q.items, task)
		q.signal()
		return
	}
	b.deadLetters = append(b.deadLetters, task)
}
