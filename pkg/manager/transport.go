package manager

import (
	"context"

	"github.com/guido-cesarano/taskorch/pkg/tasks"
)

// EventHandler consumes an event delivered to the manager side of a transport.
type EventHandler func(ctx context.Context, event tasks.Event) error

// Transport moves queued tasks to workers and carries lifecycle events both ways.
//
// Subscribe registers the handler for worker to manager events. Transports deliver
// events for one task id in the order they were published.
type Transport interface {
	// Enqueue puts the task on the queue selected by the routing key.
	Enqueue(ctx context.Context, key string, task *tasks.Task) error
	// Remove takes a task off its queue before any worker pulls it. It reports
	// false when the transport cannot find or cannot remove single messages.
	Remove(ctx context.Context, key string, id string) (bool, error)
	// Publish broadcasts a manager to workers event.
	Publish(ctx context.Context, event tasks.Event) error
	Subscribe(handler EventHandler) error
	// Clear purges every queue.
	Clear(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}

// Inventory is implemented by transports that can tell which task ids they still
// hold for a routing key: waiting, delivered but unsettled, scheduled for a retry,
// or carried by an outcome event the manager has not consumed. The snapshot must be
// atomic across those places.
type Inventory interface {
	HeldIDs(ctx context.Context, key string) (map[string]struct{}, error)
}
