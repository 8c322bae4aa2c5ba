// Package amqp is the AMQP 0-9-1 transport of the store-and-queue task manager.
//
// Topology:
//   - exchangeTasks (direct) routes "TASK[.key]" to the durable quorum queue of the
//     same name. The queue redelivers a nacked task up to its delivery limit, then
//     dead-letters it through exchangeDLQ to "TASK.DLQ".
//   - exchangeManagerEvents (direct) routes worker events to the MANAGER_EVENT queue.
//   - exchangeWorkerEvents (fanout) copies manager events to one exclusive queue per
//     worker supplier.
//   - The "TASK.CANCELLED" stream keeps the ids of cancelled queued tasks. Every
//     supplier replays it from the start, so a cancel outlives the workers that
//     were live when it was issued.
//
// Every publish waits for the broker confirmation.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/manager"
	"github.com/guido-cesarano/taskorch/pkg/routing"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	TaskExchange          = "exchangeTasks"
	DeadLetterExchange    = "exchangeDLQ"
	ManagerEventsExchange = "exchangeManagerEvents"
	WorkerEventsExchange  = "exchangeWorkerEvents"

	ManagerEventsQueue = "MANAGER_EVENT"
	DeadLetterQueue    = "TASK.DLQ"
	CancelledStream    = "TASK.CANCELLED"
)

// Options configure a Client.
type Options struct {
	// Prefetch is the number of unacknowledged tasks a supplier may hold.
	Prefetch int
	// DialTimeout bounds the connection retries.
	DialTimeout time.Duration
	// DeliveryLimit is the number of redeliveries before dead-lettering.
	DeliveryLimit int
	// CancelRetention is how long the broker keeps cancelled task ids.
	CancelRetention time.Duration
}

func (o Options) withDefaults() Options {
	if o.Prefetch <= 0 {
		o.Prefetch = 1
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 30 * time.Second
	}
	if o.DeliveryLimit <= 0 {
		o.DeliveryLimit = tasks.DefaultRetries
	}
	if o.CancelRetention <= 0 {
		o.CancelRetention = 24 * time.Hour
	}
	return o
}

// cancelStreamArgs declares the cancelled ids stream. Retention is rounded up to
// whole seconds.
func cancelStreamArgs(retention time.Duration) amqp.Table {
	secs := int64((retention + time.Second - 1) / time.Second)
	return amqp.Table{
		"x-queue-type": "stream",
		"x-max-age":    fmt.Sprintf("%ds", secs),
	}
}

// TaskQueue returns the queue and routing key of a routing key.
func TaskQueue(key string) string {
	return routing.QueueName(manager.BaseQueue, key)
}

// Client owns one connection. It implements manager.Transport and hands out
// worker suppliers.
type Client struct {
	conn *amqp.Connection
	opts Options
	log  zerolog.Logger

	pubMu    sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool

	mu     sync.Mutex
	events *amqp.Channel
	wg     sync.WaitGroup
}

var _ manager.Transport = (*Client)(nil)

// Dial connects to url, retrying with exponential backoff until DialTimeout, and
// declares the shared topology.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	log := logger.For("amqp")
	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return amqp.Dial(url)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(opts.DialTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("AMQP broker unreachable")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	c := &Client{conn: conn, opts: opts, log: log, declared: make(map[string]bool)}
	if c.pub, err = c.confirmChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.declareShared(c.pub); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) confirmChannel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return ch, nil
}

func (c *Client) declareShared(ch *amqp.Channel) error {
	exchanges := []struct{ name, kind string }{
		{TaskExchange, amqp.ExchangeDirect},
		{DeadLetterExchange, amqp.ExchangeDirect},
		{ManagerEventsExchange, amqp.ExchangeDirect},
		{WorkerEventsExchange, amqp.ExchangeFanout},
	}
	for _, e := range exchanges {
		if err := ch.ExchangeDeclare(e.name, e.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", e.name, err)
		}
	}
	queues := []struct{ name, exchange string }{
		{DeadLetterQueue, DeadLetterExchange},
		{ManagerEventsQueue, ManagerEventsExchange},
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.name, q.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.name, err)
		}
	}
	if _, err := ch.QueueDeclare(CancelledStream, true, false, false, false, cancelStreamArgs(c.opts.CancelRetention)); err != nil {
		return fmt.Errorf("declare stream %s: %w", CancelledStream, err)
	}
	return nil
}

// declareTaskQueue declares the quorum queue of key once per client.
func (c *Client) declareTaskQueue(ch *amqp.Channel, key string) error {
	name := TaskQueue(key)
	args := amqp.Table{
		"x-queue-type":              "quorum",
		"x-delivery-limit":          c.opts.DeliveryLimit,
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": DeadLetterQueue,
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, name, TaskExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", name, err)
	}
	return nil
}

// publish sends one persistent JSON message and waits for its confirmation.
func (c *Client) publish(ctx context.Context, exchange, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.pubMu.Lock()
	dc, err := c.pub.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	c.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", exchange, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm publish to %s: %w", exchange, err)
	}
	if !acked {
		return fmt.Errorf("publish to %s: nacked by broker", exchange)
	}
	return nil
}

func (c *Client) Enqueue(ctx context.Context, key string, task *tasks.Task) error {
	c.pubMu.Lock()
	if !c.declared[key] {
		if err := c.declareTaskQueue(c.pub, key); err != nil {
			c.pubMu.Unlock()
			return err
		}
		c.declared[key] = true
	}
	c.pubMu.Unlock()
	return c.publish(ctx, TaskExchange, TaskQueue(key), task)
}

// Remove always reports false: a broker queue cannot drop one message in place.
// It appends the id to CancelledStream instead, and the supplier that receives
// the task later reports it cancelled without running it, even if no worker was
// listening when the manager broadcast the cancel.
func (c *Client) Remove(ctx context.Context, _ string, id string) (bool, error) {
	if err := c.publish(ctx, "", CancelledStream, tasks.CancelEvent(id, false)); err != nil {
		return false, fmt.Errorf("record cancel of %s: %w", id, err)
	}
	return false, nil
}

func (c *Client) Publish(ctx context.Context, event tasks.Event) error {
	return c.publish(ctx, WorkerEventsExchange, "", event)
}

// Subscribe consumes MANAGER_EVENT into handler. A failing event is requeued once,
// then dropped.
func (c *Client) Subscribe(handler manager.EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		return errors.New("amqp transport: already subscribed")
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		ch.Close()
		return err
	}
	deliveries, err := ch.ConsumeWithContext(context.Background(), ManagerEventsQueue, "manager-"+hostTag(), false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", ManagerEventsQueue, err)
	}
	c.events = ch
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for d := range deliveries {
			c.handleEvent(d, handler)
		}
	}()
	return nil
}

func (c *Client) handleEvent(d amqp.Delivery, handler manager.EventHandler) {
	var event tasks.Event
	if err := json.Unmarshal(d.Body, &event); err != nil {
		c.log.Warn().Err(err).Msg("Malformed event, sending nack without requeue")
		_ = d.Nack(false, false)
		return
	}
	if err := handler(context.Background(), event); err != nil {
		requeue := !d.Redelivered
		c.log.Warn().Err(err).Str("task_id", event.TaskID).Bool("requeue", requeue).Msg("Event not applied, sending nack")
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

// Clear purges the declared task queues, the dead letter queue and pending events.
func (c *Client) Clear(context.Context) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	names := []string{DeadLetterQueue, ManagerEventsQueue}
	for key := range c.declared {
		names = append(names, TaskQueue(key))
	}
	for _, name := range names {
		if _, err := c.pub.QueuePurge(name, false); err != nil {
			return fmt.Errorf("purge %s: %w", name, err)
		}
	}
	return nil
}

func (c *Client) Health(context.Context) error {
	if c.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	if c.pub.IsClosed() {
		return errors.New("amqp channel closed")
	}
	return nil
}

// Close closes the channels and the connection; consumers drain and exit.
func (c *Client) Close() error {
	c.mu.Lock()
	events := c.events
	c.events = nil
	c.mu.Unlock()
	var errs []error
	if events != nil {
		errs = append(errs, events.Close())
	}
	if !c.conn.IsClosed() {
		errs = append(errs, c.conn.Close())
	}
	c.wg.Wait()
	return errors.Join(errs...)
}

// PushPoison queues the task that ends one worker loop polling key.
func (c *Client) PushPoison(ctx context.Context, key string) error {
	return c.Enqueue(ctx, key, tasks.Poison())
}
