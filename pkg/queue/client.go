// Package queue provides the Redis transport of the store-and-queue task manager.
// It supports reliable task delivery with features including:
//   - One list per routing key ("TASK", "TASK.<key>"), consumed with BLMove
//   - A processing list per key holding deliveries until a worker reports an outcome
//   - Exponential backoff redelivery through a delayed ZSET, promoted by a Lua script
//   - A Dead Letter Queue (DLQ) for deliveries that exhausted their retries
//   - An event list drained by the manager, and a pub/sub channel broadcasting to workers
//
// The Client type is the manager side; Client.Supplier returns the worker side.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/manager"
	"github.com/guido-cesarano/taskorch/pkg/metrics"
	"github.com/guido-cesarano/taskorch/pkg/routing"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// ManagerEvents is the list workers push their events to. A single manager drains it.
	ManagerEvents = "EVENT"
	// WorkerEvents is the pub/sub channel manager events are broadcast on.
	WorkerEvents = "EVENT.workers"
	// DeadLetterQueue holds deliveries that ran out of retries.
	DeadLetterQueue = "dead_letter_queue"

	processingBase = "processing_queue"
	delayedBase    = "delayed_queue"
	ownersBase     = "processing_owners"
	leaseBase      = "lease"
)

// ProcessingQueue returns the name of the processing list paired with a routing key.
func ProcessingQueue(key string) string {
	return routing.QueueName(processingBase, key)
}

// DelayedQueue returns the name of the delayed retry ZSET paired with a routing key.
func DelayedQueue(key string) string {
	return routing.QueueName(delayedBase, key)
}

// OwnersKey returns the hash mapping each delivery of a routing key to the
// supplier holding it.
func OwnersKey(key string) string {
	return routing.QueueName(ownersBase, key)
}

// LeaseKey returns the key a live supplier keeps alive.
func LeaseKey(supplierID string) string {
	return leaseBase + ":" + supplierID
}

// TaskQueue returns the name of the task list of a routing key.
func TaskQueue(key string) string {
	return routing.QueueName(manager.BaseQueue, key)
}

// promoteScript moves every delayed task whose time has come back to its task list.
// Running it from several processes concurrently is safe: each member is moved once.
var promoteScript = redis.NewScript(`
	local delayed_key = KEYS[1]
	local queue_key = KEYS[2]
	local now = tonumber(ARGV[1])

	local ready = redis.call('ZRANGEBYSCORE', delayed_key, '-inf', now)
	if #ready > 0 then
		redis.call('ZREMRANGEBYSCORE', delayed_key, '-inf', now)
		for _, task in ipairs(ready) do
			redis.call('RPUSH', queue_key, task)
		end
	end
	return #ready
`)

// recoverScript requeues one delivery when its recorded owner is still the given
// supplier and that supplier's lease is gone. Concurrent recoveries move it once.
var recoverScript = redis.NewScript(`
	local processing_key = KEYS[1]
	local queue_key = KEYS[2]
	local owners_key = KEYS[3]
	local lease_key = KEYS[4]
	local raw = ARGV[1]

	if redis.call('HGET', owners_key, raw) ~= ARGV[2] then
		return 0
	end
	if redis.call('EXISTS', lease_key) == 1 then
		return 0
	end
	redis.call('HDEL', owners_key, raw)
	if redis.call('LREM', processing_key, 1, raw) == 0 then
		return 0
	end
	redis.call('LPUSH', queue_key, raw)
	return 1
`)

// allowScript is a token bucket. KEYS[1] is the bucket; ARGV holds rate (tokens/sec),
// burst (capacity), now (seconds) and the number of tokens requested.
var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))
	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local available = math.min(burst, tokens + (delta * rate))
	local allowed = 0
	if available >= requested then
		available = available - requested
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', available, 'last_refill', now)
	return allowed
`)

// Client manages the connection to Redis and implements manager.Transport.
// All operations are context-aware.
//
// Queue Architecture:
//   - TASK[.key]: tasks ready to be delivered
//   - processing_queue[.key]: deliveries a worker holds
//   - delayed_queue[.key]: sorted set of deliveries scheduled for a retry
//   - dead_letter_queue: deliveries that exceeded their retries
//   - EVENT: worker events waiting for the manager
type Client struct {
	rdb  *redis.Client
	owns bool
	log  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ manager.Transport = (*Client)(nil)
	_ manager.Inventory = (*Client)(nil)
)

// NewClient creates a client connected to addr ("host:port") and owning the connection.
//
// Example:
//
//	client := queue.NewClient("localhost:6379")
func NewClient(addr string) *Client {
	c := NewClientFrom(redis.NewClient(&redis.Options{Addr: addr}))
	c.owns = true
	return c
}

// NewClientFrom wraps an existing connection, shared with a Redis repository for
// instance. Close leaves it open.
func NewClientFrom(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, log: logger.For("redis")}
}

// Redis returns the underlying connection.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Enqueue serializes the task and pushes it to the tail of the list of key.
func (c *Client) Enqueue(ctx context.Context, key string, task *tasks.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, TaskQueue(key), data).Err()
}

// Remove deletes a task that is still waiting in the list of key. It reports false
// when a worker already took it.
func (c *Client) Remove(ctx context.Context, key string, id string) (bool, error) {
	queue := TaskQueue(key)
	raws, err := c.rdb.LRange(ctx, queue, 0, -1).Result()
	if err != nil {
		return false, err
	}
	for _, raw := range raws {
		var t tasks.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil || t.ID != id {
			continue
		}
		n, err := c.rdb.LRem(ctx, queue, 1, raw).Result()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
	return false, nil
}

// HeldIDs snapshots in one transaction the task ids of key's task list,
// processing list and delayed set, plus those of pending manager events.
func (c *Client) HeldIDs(ctx context.Context, key string) (map[string]struct{}, error) {
	var queued, processing, delayed, events *redis.StringSliceCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		queued = pipe.LRange(ctx, TaskQueue(key), 0, -1)
		processing = pipe.LRange(ctx, ProcessingQueue(key), 0, -1)
		delayed = pipe.ZRange(ctx, DelayedQueue(key), 0, -1)
		events = pipe.LRange(ctx, ManagerEvents, 0, -1)
		return nil
	})
	if err != nil {
		return nil, err
	}

	held := make(map[string]struct{})
	for _, cmd := range []*redis.StringSliceCmd{queued, processing, delayed} {
		for _, raw := range cmd.Val() {
			var t tasks.Task
			if err := json.Unmarshal([]byte(raw), &t); err == nil {
				held[t.ID] = struct{}{}
			}
		}
	}
	for _, raw := range events.Val() {
		var e tasks.Event
		if err := json.Unmarshal([]byte(raw), &e); err == nil && e.TaskID != "" {
			held[e.TaskID] = struct{}{}
		}
	}
	return held, nil
}

// Publish broadcasts a manager event to every subscribed worker.
func (c *Client) Publish(ctx context.Context, event tasks.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, WorkerEvents, data).Err()
}

// Subscribe starts draining the manager event list into handler. Only one
// subscription per client is allowed.
func (c *Client) Subscribe(handler manager.EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("redis transport: already subscribed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeEvents(ctx, handler)
	}()
	return nil
}

func (c *Client) consumeEvents(ctx context.Context, handler manager.EventHandler) {
	for ctx.Err() == nil {
		res, err := c.rdb.BLPop(ctx, time.Second, ManagerEvents).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			c.log.Error().Err(err).Msg("Failed to read manager events")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		var event tasks.Event
		if err := json.Unmarshal([]byte(res[1]), &event); err != nil {
			c.log.Error().Err(err).Str("payload", res[1]).Msg("Malformed event dropped")
			continue
		}
		_ = handler(ctx, event)
	}
}

// Clear deletes every task list, processing list, owner hash, delayed set, the DLQ
// and pending events.
func (c *Client) Clear(ctx context.Context) error {
	keys, err := c.scanKeys(ctx, manager.BaseQueue, processingBase, delayedBase, ownersBase)
	if err != nil {
		return err
	}
	keys = append(keys, DeadLetterQueue, ManagerEvents)
	return c.rdb.Del(ctx, keys...).Err()
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close stops the event subscription and, when the client owns it, the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
	if c.owns {
		return c.rdb.Close()
	}
	return nil
}

// PushPoison queues the task that ends one worker loop polling key.
func (c *Client) PushPoison(ctx context.Context, key string) error {
	return c.Enqueue(ctx, key, tasks.Poison())
}

// queueKeys lists the task, processing and delayed keys currently present.
func (c *Client) queueKeys(ctx context.Context) ([]string, error) {
	return c.scanKeys(ctx, manager.BaseQueue, processingBase, delayedBase)
}

func (c *Client) scanKeys(ctx context.Context, bases ...string) ([]string, error) {
	var keys []string
	for _, base := range bases {
		for _, pattern := range []string{base, base + ".*"} {
			iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				keys = append(keys, iter.Val())
			}
			if err := iter.Err(); err != nil {
				return nil, err
			}
		}
	}
	return keys, nil
}

// GetQueueDepths returns the current depth of every queue and refreshes the
// queue depth gauge.
func (c *Client) GetQueueDepths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)
	keys, err := c.queueKeys(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to list queues")
	}
	for _, q := range append(keys, DeadLetterQueue) {
		var n int64
		if strings.HasPrefix(q, delayedBase) {
			n, err = c.rdb.ZCard(ctx, q).Result()
		} else {
			n, err = c.rdb.LLen(ctx, q).Result()
		}
		if err == nil {
			depths[q] = n
			metrics.QueueDepth.WithLabelValues(q).Set(float64(n))
		}
	}
	return depths
}

// InspectQueue returns the first limit tasks of a queue without removing them.
// It handles both lists and the delayed sets.
func (c *Client) InspectQueue(ctx context.Context, queueName string, limit int64) ([]*tasks.Task, error) {
	var (
		raws []string
		err  error
	)
	if strings.HasPrefix(queueName, delayedBase) {
		raws, err = c.rdb.ZRange(ctx, queueName, 0, limit-1).Result()
	} else {
		raws, err = c.rdb.LRange(ctx, queueName, 0, limit-1).Result()
	}
	if err != nil {
		return nil, err
	}

	list := make([]*tasks.Task, 0, len(raws))
	for _, raw := range raws {
		var t tasks.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			c.log.Warn().Err(err).Str("queue", queueName).Msg("Skipping malformed task")
			continue
		}
		list = append(list, &t)
	}
	return list, nil
}

// Promote moves the due delayed deliveries of key back to its task list.
func (c *Client) Promote(ctx context.Context, key string) (int64, error) {
	n, err := promoteScript.Run(ctx, c.rdb,
		[]string{DelayedQueue(key), TaskQueue(key)},
		time.Now().UnixNano(),
	).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// StartScheduler promotes due deliveries of every delayed set every 500ms until
// ctx ends. Suppliers promote their own key before each poll; this loop covers
// keys no worker currently polls.
//
// Usage:
//
//	go client.StartScheduler(ctx)
func (c *Client) StartScheduler(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			iter := c.rdb.Scan(ctx, 0, delayedBase+"*", 100).Iterator()
			for iter.Next(ctx) {
				key := strings.TrimPrefix(strings.TrimPrefix(iter.Val(), delayedBase), ".")
				if _, err := c.Promote(ctx, key); err != nil && ctx.Err() == nil {
					c.log.Error().Err(err).Str("queue", iter.Val()).Msg("Scheduler error")
				}
			}
			if err := iter.Err(); err != nil && ctx.Err() == nil {
				c.log.Error().Err(err).Msg("Scheduler error")
			}
		}
	}
}

// Allow reports whether one more token may be taken from the bucket at key, which
// is refilled at limit tokens per second up to burst.
func (c *Client) Allow(ctx context.Context, key string, limit int, burst int) (bool, error) {
	allowed, err := allowScript.Run(ctx, c.rdb,
		[]string{key},
		limit,
		burst,
		time.Now().Unix(),
		1,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return allowed == 1, nil
}
