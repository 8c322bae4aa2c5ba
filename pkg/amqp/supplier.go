package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

func hostTag() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Supplier is the worker side of the AMQP transport for one routing key. Tasks are
// acknowledged only once their outcome event is confirmed by the broker.
type Supplier struct {
	client     *Client
	key        string
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	log        zerolog.Logger

	mu        sync.Mutex
	inflight  map[string]amqp.Delivery
	cancelled map[string]struct{}
	listeners []tasks.EventListener
	eventsCh  *amqp.Channel
	done      chan struct{}

	cancelCh   *amqp.Channel
	cancelDone chan struct{}
}

var _ tasks.TaskSupplier = (*Supplier)(nil)

// Supplier opens a consumer on the task queue of key.
func (c *Client) Supplier(key string) (*Supplier, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := c.declareTaskQueue(ch, key); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, err
	}
	queue := TaskQueue(key)
	deliveries, err := ch.ConsumeWithContext(context.Background(), queue, "worker-"+hostTag(), false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	s := &Supplier{
		client:     c,
		key:        key,
		ch:         ch,
		deliveries: deliveries,
		log:        c.log.With().Str("queue", queue).Logger(),
		inflight:   make(map[string]amqp.Delivery),
		cancelled:  make(map[string]struct{}),
	}
	if err := s.followCancels(); err != nil {
		ch.Close()
		return nil, err
	}
	return s, nil
}

// followCancels replays CancelledStream from its first retained entry and keeps
// following it.
func (s *Supplier) followCancels() error {
	ch, err := s.client.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	// Stream consumers must set a prefetch and acknowledge.
	if err := ch.Qos(100, 0, false); err != nil {
		ch.Close()
		return err
	}
	deliveries, err := ch.ConsumeWithContext(context.Background(), CancelledStream, "", false, false, false, false,
		amqp.Table{"x-stream-offset": "first"})
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", CancelledStream, err)
	}
	s.cancelCh = ch
	s.cancelDone = make(chan struct{})
	go func() {
		defer close(s.cancelDone)
		for d := range deliveries {
			var event tasks.Event
			if err := json.Unmarshal(d.Body, &event); err == nil && event.TaskID != "" {
				s.mu.Lock()
				s.cancelled[event.TaskID] = struct{}{}
				s.mu.Unlock()
			}
			_ = d.Ack(false)
		}
	}()
	return nil
}

func (s *Supplier) isCancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[id]
	return ok
}

func (s *Supplier) Get(ctx context.Context, timeout time.Duration) (*tasks.Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case d, ok := <-s.deliveries:
			if !ok {
				return nil, tasks.ErrTransportClosed
			}
			var task tasks.Task
			if err := json.Unmarshal(d.Body, &task); err != nil {
				s.log.Warn().Err(err).Msg("Malformed task, sending nack without requeue")
				_ = d.Nack(false, false)
				continue
			}
			if task.IsPoison() {
				return &task, d.Ack(false)
			}
			s.mu.Lock()
			s.inflight[task.ID] = d
			s.mu.Unlock()
			if s.isCancelled(task.ID) {
				if err := s.Cancelled(ctx, &task, false); err != nil {
					return nil, err
				}
				s.mu.Lock()
				delete(s.cancelled, task.ID)
				s.mu.Unlock()
				s.log.Info().Str("task_id", task.ID).Msg("Task cancelled while queued, dropped")
				continue
			}
			return &task, nil
		}
	}
}

func (s *Supplier) Progress(ctx context.Context, id string, rate float64) error {
	return s.client.publish(ctx, ManagerEventsExchange, ManagerEventsQueue, tasks.ProgressEvent(id, rate))
}

func (s *Supplier) Result(ctx context.Context, id string, result *tasks.Result) error {
	return s.settle(ctx, id, tasks.ResultEvent(id, result))
}

func (s *Supplier) Error(ctx context.Context, id string, taskErr *tasks.TaskError) error {
	return s.settle(ctx, id, tasks.ErrorEvent(id, taskErr))
}

func (s *Supplier) Cancelled(ctx context.Context, task *tasks.Task, requeue bool) error {
	return s.settle(ctx, task.ID, tasks.CancelledEvent(task.ID, requeue))
}

// Nack hands the delivery back to the broker, which redelivers it until the queue's
// delivery limit and dead-letters it afterwards.
func (s *Supplier) Nack(_ context.Context, task *tasks.Task, requeue bool) error {
	d, ok := s.take(task.ID)
	if !ok {
		return fmt.Errorf("nack %s: no pending delivery", task.ID)
	}
	return d.Nack(false, requeue)
}

// settle publishes an outcome, then acknowledges the delivery. If the publish
// fails the delivery is left unacknowledged and the broker redelivers it once
// the channel closes.
func (s *Supplier) settle(ctx context.Context, id string, event tasks.Event) error {
	if err := s.client.publish(ctx, ManagerEventsExchange, ManagerEventsQueue, event); err != nil {
		return err
	}
	d, ok := s.take(id)
	if !ok {
		return nil
	}
	return d.Ack(false)
}

func (s *Supplier) take(id string) (amqp.Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.inflight[id]
	delete(s.inflight, id)
	return d, ok
}

// AddEventListener registers l for manager events. The first call binds an
// exclusive queue to the worker events exchange.
func (s *Supplier) AddEventListener(l tasks.EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
	if s.eventsCh != nil {
		return
	}
	deliveries, ch, err := s.consumeWorkerEvents()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to subscribe to worker events")
		return
	}
	s.eventsCh = ch
	s.done = make(chan struct{})
	go s.dispatch(deliveries, s.done)
}

func (s *Supplier) consumeWorkerEvents() (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := s.client.conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	if err := ch.QueueBind(q.Name, "", WorkerEventsExchange, false, nil); err != nil {
		ch.Close()
		return nil, nil, err
	}
	deliveries, err := ch.ConsumeWithContext(context.Background(), q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return deliveries, ch, nil
}

func (s *Supplier) dispatch(deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer close(done)
	for d := range deliveries {
		var event tasks.Event
		if err := json.Unmarshal(d.Body, &event); err != nil {
			s.log.Warn().Err(err).Msg("Malformed worker event dropped")
			continue
		}
		s.mu.Lock()
		listeners := append([]tasks.EventListener(nil), s.listeners...)
		s.mu.Unlock()
		for _, l := range listeners {
			l(event)
		}
	}
}

// Close stops consuming. Unacknowledged deliveries go back to the queue.
func (s *Supplier) Close() error {
	s.mu.Lock()
	eventsCh, done := s.eventsCh, s.done
	s.eventsCh, s.listeners = nil, nil
	s.mu.Unlock()

	var errs []error
	if eventsCh != nil {
		errs = append(errs, eventsCh.Close())
		<-done
	}
	if s.cancelCh != nil {
		if err := s.cancelCh.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		<-s.cancelDone
	}
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
