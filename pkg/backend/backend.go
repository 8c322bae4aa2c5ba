// Package backend assembles the task manager and worker suppliers selected by
// the configuration.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/guido-cesarano/taskorch/pkg/amqp"
	"github.com/guido-cesarano/taskorch/pkg/conductor"
	"github.com/guido-cesarano/taskorch/pkg/config"
	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/manager"
	"github.com/guido-cesarano/taskorch/pkg/memory"
	"github.com/guido-cesarano/taskorch/pkg/queue"
	"github.com/guido-cesarano/taskorch/pkg/repository"
	"github.com/guido-cesarano/taskorch/pkg/routing"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/guido-cesarano/taskorch/pkg/temporal"
	"github.com/guido-cesarano/taskorch/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"
)

// Backend names accepted by the configuration.
const (
	Memory    = "memory"
	Redis     = "redis"
	AMQP      = "amqp"
	Temporal  = "temporal"
	Conductor = "conductor"
)

// Backend holds the connections of one backend. Which fields are set depends on
// the configured backend.
type Backend struct {
	Name     string
	Strategy routing.Strategy

	cfg       *config.Config
	manager   tasks.TaskManager
	bus       *memory.Bus
	redis     *queue.Client
	amqp      *amqp.Client
	temporal  client.Client
	conductor *conductor.Client
	defs      conductor.Definitions
	log       zerolog.Logger
}

// Open connects to the configured backend. The task manager is built lazily, so
// worker processes of store-and-queue backends never consume manager events.
func Open(ctx context.Context, cfg *config.Config) (*Backend, error) {
	strategy, err := routing.Parse(cfg.Routing)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		Name:     cfg.Backend,
		Strategy: strategy,
		cfg:      cfg,
		log:      logger.For("backend").With().Str("backend", cfg.Backend).Logger(),
	}
	switch cfg.Backend {
	case Memory:
		b.bus = memory.NewBus(0)
	case Redis:
		b.redis = queue.NewClient(cfg.Redis.Addr)
	case AMQP:
		if b.amqp, err = amqp.Dial(ctx, cfg.AMQP.URL, amqp.Options{Prefetch: cfg.AMQP.Prefetch}); err != nil {
			return nil, err
		}
	case Temporal:
		if b.temporal, err = temporal.Dial(cfg.Temporal.HostPort, cfg.Temporal.Namespace); err != nil {
			return nil, fmt.Errorf("dial temporal: %w", err)
		}
		if err := temporal.RegisterSearchAttributes(ctx, b.temporal, cfg.Temporal.Namespace); err != nil {
			b.log.Warn().Err(err).Msg("Failed to register search attributes")
		}
	case Conductor:
		b.conductor = conductor.NewClient(cfg.Conductor.URL)
		if cfg.Conductor.Definitions != "" {
			if b.defs, err = conductor.LoadDefinitions(cfg.Conductor.Definitions); err != nil {
				return nil, err
			}
			if err := b.conductor.Register(ctx, b.defs); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	b.log.Info().Str("routing", string(strategy)).Msg("Backend opened")
	return b, nil
}

// Manager returns the task manager, creating it on first use.
func (b *Backend) Manager(ctx context.Context) (tasks.TaskManager, error) {
	if b.manager != nil {
		return b.manager, nil
	}
	switch b.Name {
	case Temporal:
		b.manager = temporal.New(b.temporal, b.cfg.Temporal.Namespace, b.Strategy, temporal.Options{})
	case Conductor:
		b.manager = conductor.NewManager(b.conductor, b.Strategy)
	default:
		var transport manager.Transport
		switch b.Name {
		case Memory:
			transport = b.bus
		case Redis:
			transport = b.redis
		case AMQP:
			transport = b.amqp
		}
		repo, err := b.repository(ctx)
		if err != nil {
			return nil, err
		}
		m, err := manager.New(repo, transport, b.Strategy)
		if err != nil {
			repo.Close()
			return nil, err
		}
		b.manager = m
	}
	return b.manager, nil
}

func (b *Backend) repository(ctx context.Context) (repository.Repository, error) {
	switch b.cfg.Repository {
	case "redis":
		return repository.NewRedis(redis.NewClient(&redis.Options{Addr: b.cfg.Redis.Addr})), nil
	case "postgres":
		return repository.OpenPostgres(ctx, b.cfg.Postgres.URL)
	}
	return repository.NewMemory(), nil
}

// WorkerKey is the routing key served by this process's worker pool.
func (b *Backend) WorkerKey() string {
	return b.Strategy.WorkerKey(b.cfg.Worker.Group, b.cfg.Worker.TaskName)
}

// Supplier returns the task supplier shared by the worker loops. Temporal has no
// supplier: its workers are served by NewTemporalWorker.
func (b *Backend) Supplier(registry *worker.Registry) (tasks.TaskSupplier, error) {
	key := b.WorkerKey()
	switch b.Name {
	case Memory:
		return b.bus.Supplier(key), nil
	case Redis:
		s := b.redis.Supplier(key).WithLease(b.cfg.Redis.Lease)
		if limit := b.cfg.Worker.RateLimit; limit > 0 {
			s.WithRateLimit(queue.RateLimit{Limit: limit, Burst: max(b.cfg.Worker.RateBurst, limit)})
		}
		// Only deliveries of workers whose lease expired are requeued.
		if n, err := s.Recover(context.Background()); err != nil {
			b.log.Warn().Err(err).Msg("Failed to recover abandoned deliveries")
		} else if n > 0 {
			b.log.Info().Int("count", n).Msg("Recovered abandoned deliveries")
		}
		return s, nil
	case AMQP:
		return b.amqp.Supplier(key)
	case Conductor:
		// Names without a declared definition get the single-task workflow.
		if err := b.conductor.Register(context.Background(), b.defs.Merge(conductor.ForNames(registry.Names()...))); err != nil {
			return nil, err
		}
		return conductor.NewSupplier(b.conductor, registry.Names(), conductor.SupplierOptions{Domain: key})
	}
	return nil, fmt.Errorf("backend %s has no task supplier", b.Name)
}

// NewTemporalWorker serves the registry on the task queue of the worker key.
func (b *Backend) NewTemporalWorker(registry *worker.Registry) (*temporal.Worker, error) {
	if b.temporal == nil {
		return nil, fmt.Errorf("backend %s is not temporal", b.Name)
	}
	taskQueue := temporal.TaskQueueOf(b.Strategy, b.cfg.Worker.TaskName, tasks.Group(b.cfg.Worker.Group))
	return temporal.NewWorker(b.temporal, taskQueue, registry, temporal.WorkerOptions{
		Parallelism:      b.cfg.Worker.Parallelism,
		ProgressInterval: b.cfg.Worker.ProgressInterval,
	})
}

// QueueClient returns the Redis transport, or nil for other backends.
func (b *Backend) QueueClient() *queue.Client {
	return b.redis
}

// Bus returns the in-process transport, or nil for other backends.
func (b *Backend) Bus() *memory.Bus {
	return b.bus
}

// Close releases the manager and the connections.
func (b *Backend) Close() error {
	if b.manager != nil {
		// Store-and-queue managers close their transport.
		return b.manager.Close()
	}
	var errs []error
	switch {
	case b.bus != nil:
		errs = append(errs, b.bus.Close())
	case b.redis != nil:
		errs = append(errs, b.redis.Close())
	case b.amqp != nil:
		errs = append(errs, b.amqp.Close())
	case b.temporal != nil:
		b.temporal.Close()
	}
	return errors.Join(errs...)
}
