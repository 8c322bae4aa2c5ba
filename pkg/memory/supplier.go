package memory

import (
	"context"
	"sync"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/tasks"
)

// Supplier is the worker side of a Bus for one routing key.
type Supplier struct {
	bus *Bus
	key string

	mu        sync.Mutex
	listeners []int
}

var _ tasks.TaskSupplier = (*Supplier)(nil)

// Supplier returns a worker-side view of the queue for key.
func (b *Bus) Supplier(key string) *Supplier {
	return &Supplier{bus: b, key: key}
}

func (s *Supplier) Get(ctx context.Context, timeout time.Duration) (*tasks.Task, error) {
	return s.bus.poll(ctx, s.key, timeout)
}

func (s *Supplier) Progress(ctx context.Context, id string, rate float64) error {
	return s.bus.emit(ctx, tasks.ProgressEvent(id, rate))
}

func (s *Supplier) Result(ctx context.Context, id string, result *tasks.Result) error {
	return s.bus.emit(ctx, tasks.ResultEvent(id, result))
}

func (s *Supplier) Error(ctx context.Context, id string, taskErr *tasks.TaskError) error {
	return s.bus.emit(ctx, tasks.ErrorEvent(id, taskErr))
}

func (s *Supplier) Cancelled(ctx context.Context, task *tasks.Task, requeue bool) error {
	return s.bus.emit(ctx, tasks.CancelledEvent(task.ID, requeue))
}

// Nack puts the task back at the tail of its queue while it has retries left, and
// dead-letters it otherwise.
func (s *Supplier) Nack(_ context.Context, task *tasks.Task, requeue bool) error {
	s.bus.nack(s.key, task, requeue)
	return nil
}

func (s *Supplier) AddEventListener(l tasks.EventListener) {
	id := s.bus.addListener(l)
	s.mu.Lock()
	s.listeners = append(s.listeners, id)
	s.mu.Unlock()
}

// Close unregisters the listeners added through s. The bus stays open.
func (s *Supplier) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.listeners {
		s.bus.removeListener(id)
	}
	s.listeners = nil
	return nil
}
