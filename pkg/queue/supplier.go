package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RateLimit caps how fast one task name is taken off a queue, across all workers.
// Throttled deliveries are delayed without consuming a retry.
type RateLimit struct {
	Limit int // tokens per second
	Burst int
	Delay time.Duration
}

// DefaultLease is how long a supplier's deliveries stay owned after its last heartbeat.
const DefaultLease = 30 * time.Second

// Supplier is the worker side of the Redis transport for one routing key.
//
// A delivery stays in the processing list from Get until its outcome is reported,
// owned by the supplier that took it. Each supplier keeps a lease key alive while
// it runs; Recover only requeues deliveries whose owner lease has expired.
type Supplier struct {
	client *Client
	key    string
	id     string
	lease  time.Duration
	limit  *RateLimit
	log    zerolog.Logger

	mu        sync.Mutex
	inflight  map[string]string
	listeners []tasks.EventListener
	pubsub    *redis.PubSub
	done      chan struct{}
	beating   bool
	stop      chan struct{}
	beatDone  chan struct{}
}

var _ tasks.TaskSupplier = (*Supplier)(nil)

// Supplier returns a worker-side view of the queue for key.
func (c *Client) Supplier(key string) *Supplier {
	id := uuid.NewString()
	return &Supplier{
		client:   c,
		key:      key,
		id:       id,
		lease:    DefaultLease,
		log:      c.log.With().Str("queue", TaskQueue(key)).Str("consumer", id).Logger(),
		inflight: make(map[string]string),
	}
}

// ID identifies the supplier as the owner of its deliveries.
func (s *Supplier) ID() string {
	return s.id
}

// WithLease changes how long deliveries survive without a heartbeat.
func (s *Supplier) WithLease(d time.Duration) *Supplier {
	if d > 0 {
		s.lease = d
	}
	return s
}

// WithRateLimit enables per task name throttling.
func (s *Supplier) WithRateLimit(l RateLimit) *Supplier {
	if l.Delay <= 0 {
		l.Delay = time.Second
	}
	s.limit = &l
	return s
}

// Get atomically moves the next task to the processing list and records this
// supplier as its owner. It returns nil, nil when nothing arrived within timeout.
func (s *Supplier) Get(ctx context.Context, timeout time.Duration) (*tasks.Task, error) {
	if err := s.startHeartbeat(ctx); err != nil {
		return nil, err
	}
	if _, err := s.client.Promote(ctx, s.key); err != nil {
		s.log.Warn().Err(err).Msg("Failed to promote delayed tasks")
	}
	rdb := s.client.rdb
	raw, err := rdb.BLMove(ctx, TaskQueue(s.key), ProcessingQueue(s.key), "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return nil, tasks.ErrTransportClosed
	}
	if err != nil {
		return nil, err
	}
	if err := rdb.HSet(ctx, OwnersKey(s.key), raw, s.id).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record delivery owner")
	}

	var task tasks.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		s.log.Error().Err(err).Str("payload", raw).Msg("Malformed task moved to dead letter queue")
		return nil, s.deadLetter(ctx, raw, raw)
	}
	if task.IsPoison() {
		pipe := rdb.TxPipeline()
		s.release(ctx, pipe, raw)
		_, err := pipe.Exec(ctx)
		return &task, err
	}
	if s.limit != nil {
		allowed, err := s.client.Allow(ctx, "ratelimit:"+task.Name, s.limit.Limit, s.limit.Burst)
		if err != nil {
			s.log.Error().Err(err).Msg("Rate limit check failed")
		} else if !allowed {
			s.log.Debug().Str("task_name", task.Name).Msg("Rate limit exceeded, delaying task")
			return nil, s.delay(ctx, raw, raw, s.limit.Delay)
		}
	}
	s.mu.Lock()
	s.inflight[task.ID] = raw
	s.mu.Unlock()
	return &task, nil
}

func (s *Supplier) Progress(ctx context.Context, id string, rate float64) error {
	return s.emit(ctx, tasks.ProgressEvent(id, rate), "")
}

func (s *Supplier) Result(ctx context.Context, id string, result *tasks.Result) error {
	return s.emit(ctx, tasks.ResultEvent(id, result), s.take(id))
}

func (s *Supplier) Error(ctx context.Context, id string, taskErr *tasks.TaskError) error {
	return s.emit(ctx, tasks.ErrorEvent(id, taskErr), s.take(id))
}

func (s *Supplier) Cancelled(ctx context.Context, task *tasks.Task, requeue bool) error {
	return s.emit(ctx, tasks.CancelledEvent(task.ID, requeue), s.take(task.ID))
}

// Nack schedules a redelivery with exponential backoff while the task has retries
// left, and moves it to the dead letter queue otherwise.
//
// The backoff is 2^attempt * 100ms where attempt counts the redeliveries so far.
func (s *Supplier) Nack(ctx context.Context, task *tasks.Task, requeue bool) error {
	raw := s.take(task.ID)
	if !requeue || task.RetriesLeft <= 0 {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return s.deadLetter(ctx, string(data), raw)
	}

	task.RetriesLeft--
	attempt := max(tasks.DefaultRetries-task.RetriesLeft, 1)
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.delay(ctx, string(data), raw, time.Duration(1<<attempt)*100*time.Millisecond)
}

// emit pushes an event for the manager and, for outcomes, releases the delivery
// in the same transaction.
func (s *Supplier) emit(ctx context.Context, event tasks.Event, raw string) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pipe := s.client.rdb.TxPipeline()
	pipe.RPush(ctx, ManagerEvents, data)
	s.release(ctx, pipe, raw)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Supplier) delay(ctx context.Context, data, raw string, after time.Duration) error {
	pipe := s.client.rdb.TxPipeline()
	pipe.ZAdd(ctx, DelayedQueue(s.key), redis.Z{
		Score:  float64(time.Now().Add(after).UnixNano()),
		Member: data,
	})
	s.release(ctx, pipe, raw)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Supplier) deadLetter(ctx context.Context, data, raw string) error {
	pipe := s.client.rdb.TxPipeline()
	pipe.RPush(ctx, DeadLetterQueue, data)
	s.release(ctx, pipe, raw)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Supplier) take(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.inflight[id]
	delete(s.inflight, id)
	return raw
}

// release drops a delivery and its owner record.
func (s *Supplier) release(ctx context.Context, pipe redis.Pipeliner, raw string) {
	if raw == "" {
		return
	}
	pipe.LRem(ctx, ProcessingQueue(s.key), 1, raw)
	pipe.HDel(ctx, OwnersKey(s.key), raw)
}

// Recover moves the deliveries of suppliers whose lease expired back to the head
// of the task list, in their original order. Deliveries of live suppliers stay
// where they are, so it is safe to call while other workers poll key.
func (s *Supplier) Recover(ctx context.Context) (int, error) {
	rdb := s.client.rdb
	raws, err := rdb.LRange(ctx, ProcessingQueue(s.key), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	owners, err := rdb.HGetAll(ctx, OwnersKey(s.key)).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for i := len(raws) - 1; i >= 0; i-- {
		owner, ok := owners[raws[i]]
		if !ok {
			continue
		}
		moved, err := recoverScript.Run(ctx, rdb,
			[]string{ProcessingQueue(s.key), TaskQueue(s.key), OwnersKey(s.key), LeaseKey(owner)},
			raws[i], owner,
		).Int()
		if err != nil {
			return n, err
		}
		n += moved
	}
	return n, nil
}

// startHeartbeat writes the lease and keeps it alive until Close. Every beat also
// recovers the deliveries of dead suppliers.
func (s *Supplier) startHeartbeat(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beating {
		return nil
	}
	if err := s.client.rdb.Set(ctx, LeaseKey(s.id), 1, s.lease).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return tasks.ErrTransportClosed
		}
		return err
	}
	s.beating = true
	s.stop = make(chan struct{})
	s.beatDone = make(chan struct{})
	go s.heartbeat(s.stop, s.beatDone)
	return nil
}

func (s *Supplier) heartbeat(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.lease/3)
			if err := s.client.rdb.Set(ctx, LeaseKey(s.id), 1, s.lease).Err(); err != nil {
				s.log.Warn().Err(err).Msg("Failed to renew lease")
			}
			if n, err := s.Recover(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Failed to recover abandoned deliveries")
			} else if n > 0 {
				s.log.Info().Int("count", n).Msg("Recovered abandoned deliveries")
			}
			cancel()
		}
	}
}

// stopHeartbeat ends the heartbeat and returns whether one was running. The lease
// key is left to expire.
func (s *Supplier) stopHeartbeat() bool {
	s.mu.Lock()
	stop, done, beating := s.stop, s.beatDone, s.beating
	s.beating = false
	s.mu.Unlock()
	if !beating {
		return false
	}
	close(stop)
	<-done
	return true
}

// AddEventListener registers l for manager events. The first call subscribes to
// the broadcast channel and returns once the subscription is confirmed.
func (s *Supplier) AddEventListener(l tasks.EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
	if s.pubsub != nil {
		return
	}
	ctx := context.Background()
	s.pubsub = s.client.rdb.Subscribe(ctx, WorkerEvents)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		s.log.Error().Err(err).Msg("Failed to subscribe to worker events")
	}
	s.done = make(chan struct{})
	go s.dispatch(s.pubsub.Channel(), s.done)
}

func (s *Supplier) dispatch(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		var event tasks.Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			s.log.Error().Err(err).Str("payload", msg.Payload).Msg("Malformed worker event dropped")
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

// Close stops the heartbeat, gives up the lease and unsubscribes from worker
// events. The client stays open.
func (s *Supplier) Close() error {
	var errs []error
	if s.stopHeartbeat() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.client.rdb.Del(ctx, LeaseKey(s.id)).Err(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	ps, done := s.pubsub, s.done
	s.pubsub, s.listeners = nil, nil
	s.mu.Unlock()
	if ps != nil {
		errs = append(errs, ps.Close())
		<-done
	}
	return errors.Join(errs...)
}
