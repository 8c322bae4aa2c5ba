package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/metrics"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options tune a Loop. Zero values take defaults.
type Options struct {
	// PollTimeout bounds each blocking Get.
	PollTimeout time.Duration
	// ProgressInterval is the minimum spacing of forwarded progress values per task.
	ProgressInterval time.Duration
	// ReportTimeout bounds each report sent to the supplier.
	ReportTimeout time.Duration
	// CancelMemory is how long a cancel for a task not yet picked up is remembered.
	CancelMemory time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollTimeout <= 0 {
		o.PollTimeout = time.Second
	}
	if o.ReportTimeout <= 0 {
		o.ReportTimeout = 10 * time.Second
	}
	if o.CancelMemory <= 0 {
		o.CancelMemory = time.Hour
	}
	return o
}

type running struct {
	task   *tasks.Task
	exec   Executable
	cancel context.CancelCauseFunc
}

type pendingCancel struct {
	requeue bool
	at      time.Time
}

// Loop pulls one task at a time from a supplier, runs it and reports exactly one
// terminal outcome per task. Failures never end the loop; a poison task, a
// shutdown event, Stop or Terminate do.
type Loop struct {
	id       string
	supplier tasks.TaskSupplier
	registry *Registry
	smoother *ProgressSmoother
	opts     Options
	log      zerolog.Logger
	tracer   trace.Tracer

	exit atomic.Bool

	mu        sync.Mutex
	current   *running
	interrupt context.CancelCauseFunc
	stopGet   context.CancelFunc
	cancelled map[string]pendingCancel
}

// NewLoop creates a loop and subscribes it to the supplier's control events.
func NewLoop(supplier tasks.TaskSupplier, registry *Registry, opts Options) *Loop {
	opts = opts.withDefaults()
	l := &Loop{
		id:        uuid.NewString(),
		supplier:  supplier,
		registry:  registry,
		opts:      opts,
		tracer:    otel.Tracer("taskorch.worker"),
		cancelled: make(map[string]pendingCancel),
	}
	l.log = logger.For("worker").With().Str("loop_id", l.id).Logger()
	l.smoother = NewProgressSmoother(opts.ProgressInterval, supplier.Progress)
	supplier.AddEventListener(l.onEvent)
	return l
}

// ID identifies the loop in logs.
func (l *Loop) ID() string {
	return l.id
}

// Run consumes tasks until the loop is told to exit or ctx ends, and returns the
// number of tasks handled. It only fails when the supplier is closed under it.
func (l *Loop) Run(ctx context.Context) (int, error) {
	ctx, interrupt := context.WithCancelCause(ctx)
	defer interrupt(nil)
	l.mu.Lock()
	l.interrupt = interrupt
	l.mu.Unlock()

	l.log.Info().Msg("Worker loop started")
	handled := 0
	for !l.exit.Load() && ctx.Err() == nil {
		task, err := l.get(ctx)
		if err != nil {
			if l.exit.Load() || ctx.Err() != nil {
				break
			}
			if errors.Is(err, tasks.ErrTransportClosed) {
				return handled, err
			}
			l.log.Error().Err(err).Msg("Failed to get next task")
			select {
			case <-ctx.Done():
			case <-time.After(l.opts.PollTimeout):
			}
			continue
		}
		if task == nil {
			continue
		}
		if task.IsPoison() {
			l.log.Info().Msg("Poison task received")
			break
		}
		handled++
		l.handle(ctx, task)
	}
	l.log.Info().Int("handled", handled).Msg("Worker loop exited")
	return handled, nil
}

func (l *Loop) get(ctx context.Context) (*tasks.Task, error) {
	getCtx, stop := context.WithCancel(ctx)
	defer stop()
	l.mu.Lock()
	l.stopGet = stop
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.stopGet = nil
		l.mu.Unlock()
	}()
	if l.exit.Load() {
		return nil, nil
	}
	return l.supplier.Get(getCtx, l.opts.PollTimeout)
}

func (l *Loop) handle(ctx context.Context, task *tasks.Task) {
	log := l.log.With().Str("task_id", task.ID).Str("task_name", task.Name).Logger()
	metrics.QueueLatency.WithLabelValues(task.Name).Observe(time.Since(task.CreatedAt).Seconds())

	if requeue, ok := l.takeCancelled(task.ID); ok {
		log.Info().Msg("Task cancelled before start")
		l.report(ctx, log, metrics.OutcomeCancelled, task, func(rctx context.Context) error {
			return l.supplier.Cancelled(rctx, task, requeue)
		})
		return
	}

	ctor, err := l.registry.Lookup(task.Name)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot resolve task, rejecting delivery")
		l.report(ctx, log, metrics.OutcomeNack, task, func(rctx context.Context) error {
			return l.supplier.Nack(rctx, task, true)
		})
		return
	}

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	progress := func(rate float64) {
		if _, err := l.smoother.Report(taskCtx, task.ID, rate); err != nil {
			log.Warn().Err(err).Float64("progress", rate).Msg("Failed to report progress")
		}
	}
	defer l.smoother.Forget(task.ID)

	exec, err := ctor(task, progress)
	if err != nil {
		log.Error().Err(err).Msg("Cannot build executable")
		taskErr := tasks.NewTaskError(err)
		l.report(ctx, log, metrics.OutcomeError, task, func(rctx context.Context) error {
			return l.supplier.Error(rctx, task.ID, taskErr)
		})
		return
	}

	l.setCurrent(&running{task: task, exec: exec, cancel: cancel})
	defer l.setCurrent(nil)
	if requeue, ok := l.takeCancelled(task.ID); ok {
		cancel(&CancelError{Requeue: requeue})
	}

	progress(0)
	value, runErr := l.execute(taskCtx, task, exec)

	var ce *CancelError
	switch {
	case runErr == nil:
		result, err := tasks.NewResult(value)
		if err != nil {
			taskErr := tasks.NewTaskError(err)
			l.report(ctx, log, metrics.OutcomeError, task, func(rctx context.Context) error {
				return l.supplier.Error(rctx, task.ID, taskErr)
			})
			return
		}
		log.Info().Msg("Task done")
		l.report(ctx, log, metrics.OutcomeDone, task, func(rctx context.Context) error {
			return l.supplier.Result(rctx, task.ID, result)
		})
	case errors.As(runErr, &ce):
		log.Info().Bool("requeue", ce.Requeue).Msg("Task cancelled")
		l.report(ctx, log, metrics.OutcomeCancelled, task, func(rctx context.Context) error {
			return l.supplier.Cancelled(rctx, task, ce.Requeue)
		})
	case taskCtx.Err() != nil:
		requeue := false
		if errors.As(context.Cause(taskCtx), &ce) {
			requeue = ce.Requeue
		}
		log.Info().Bool("requeue", requeue).Err(runErr).Msg("Task interrupted")
		l.report(ctx, log, metrics.OutcomeCancelled, task, func(rctx context.Context) error {
			return l.supplier.Cancelled(rctx, task, requeue)
		})
	default:
		log.Error().Err(runErr).Msg("Task failed")
		taskErr := tasks.NewTaskError(runErr)
		l.report(ctx, log, metrics.OutcomeError, task, func(rctx context.Context) error {
			return l.supplier.Error(rctx, task.ID, taskErr)
		})
	}
}

// execute runs the executable, turning a panic into an error.
func (l *Loop) execute(ctx context.Context, task *tasks.Task, exec Executable) (value any, err error) {
	ctx, span := l.tracer.Start(ctx, "Loop.execute",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.name", task.Name),
		),
	)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.WithStack(fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.TaskDuration.WithLabelValues(task.Name).Observe(time.Since(start).Seconds())
	}()
	return exec.Run(ctx)
}

// report sends one outcome with a context that survives the loop being stopped.
func (l *Loop) report(ctx context.Context, log zerolog.Logger, outcome string, task *tasks.Task, send func(context.Context) error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.ReportTimeout)
	defer cancel()
	metrics.TasksProcessed.WithLabelValues(outcome, task.Name).Inc()
	if err := send(rctx); err != nil {
		log.Error().Err(err).Str("outcome", outcome).Msg("Failed to report task outcome")
	}
}

// Cancel cooperatively cancels the running task with id, or every running task
// when id is empty. A cancel for a task not yet picked up is remembered and
// applied when it arrives.
func (l *Loop) Cancel(id string, requeue bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur := l.current; cur != nil && (id == "" || cur.task.ID == id) {
		cur.cancel(&CancelError{Requeue: requeue})
		if c, ok := cur.exec.(Cancellable); ok {
			c.Cancel(requeue)
		}
		return
	}
	if id == "" {
		return
	}
	now := time.Now()
	for k, p := range l.cancelled {
		if now.Sub(p.at) > l.opts.CancelMemory {
			delete(l.cancelled, k)
		}
	}
	l.cancelled[id] = pendingCancel{requeue: requeue, at: now}
}

// Stop interrupts the loop: a blocked Get returns and a running task is
// reported cancelled without requeue.
func (l *Loop) Stop() {
	l.exit.Store(true)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.interrupt != nil {
		l.interrupt(ErrInterrupted)
	}
}

// Shutdown makes the loop exit after the current task.
func (l *Loop) Shutdown() {
	l.exit.Store(true)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopGet != nil {
		l.stopGet()
	}
}

// Terminate handles a process termination signal. A running Cancellable is asked
// to cancel with requeue; any other task is interrupted and reported cancelled
// without requeue. The loop then exits.
func (l *Loop) Terminate() {
	l.log.Info().Msg("Terminating worker loop")
	l.mu.Lock()
	if cur := l.current; cur != nil {
		if c, ok := cur.exec.(Cancellable); ok {
			cur.cancel(&CancelError{Requeue: true})
			c.Cancel(true)
		}
	}
	l.mu.Unlock()
	l.Stop()
}

func (l *Loop) onEvent(e tasks.Event) {
	switch e.Type {
	case tasks.EventCancel:
		l.Cancel(e.TaskID, e.Requeue)
	case tasks.EventShutdown:
		l.log.Info().Msg("Shutdown event received")
		l.Shutdown()
	}
}

func (l *Loop) takeCancelled(id string) (bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.cancelled[id]
	delete(l.cancelled, id)
	return p.requeue, ok
}

func (l *Loop) setCurrent(r *running) {
	l.mu.Lock()
	l.current = r
	l.mu.Unlock()
}
