package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/metrics"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/guido-cesarano/taskorch/pkg/worker"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
	sdkworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

const (
	// ProgressSignal carries progress rates from the activity to its workflow.
	ProgressSignal = "progress"
	// RunActivity is the single activity every task workflow executes.
	RunActivity = "RunTask"
	// UnresolvedTaskError is the error type of an activity whose worker does not
	// know the task name. The workflow runs the activity again later.
	UnresolvedTaskError = "UnresolvedTask"
)

// Signaler sends a signal to a workflow execution. client.Client implements it.
type Signaler interface {
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg any) error
}

// Request is the activity input.
type Request struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args tasks.Arguments `json:"args"`
}

// WorkflowOptions bound the activity of every task workflow.
type WorkflowOptions struct {
	StartToCloseTimeout time.Duration
	HeartbeatTimeout    time.Duration
	// MaximumAttempts counts the first attempt. Business errors are never retried.
	MaximumAttempts int32
	// RequeueDelay spaces the runs of an activity no worker could resolve.
	RequeueDelay time.Duration
}

// DefaultWorkflowOptions allow a day per attempt and the default retry budget.
var DefaultWorkflowOptions = WorkflowOptions{
	StartToCloseTimeout: 24 * time.Hour,
	MaximumAttempts:     tasks.DefaultRetries + 1,
	RequeueDelay:        10 * time.Second,
}

// NewTaskWorkflow returns the workflow registered under every task name. It runs
// the task activity and mirrors progress signals into search attributes. An
// activity that landed on a worker unable to resolve the task name is run again
// after RequeueDelay, so the task is never finalized for it.
func NewTaskWorkflow(opts WorkflowOptions) func(ctx workflow.Context, in Input) (*tasks.Result, error) {
	return func(ctx workflow.Context, in Input) (*tasks.Result, error) {
		info := workflow.GetInfo(ctx)
		actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: opts.StartToCloseTimeout,
			HeartbeatTimeout:    opts.HeartbeatTimeout,
			RetryPolicy:         &sdktemporal.RetryPolicy{MaximumAttempts: opts.MaximumAttempts},
		})
		req := Request{
			ID:   info.WorkflowExecution.ID,
			Name: info.WorkflowType.Name,
			Args: in.Args,
		}
		progress := workflow.GetSignalChannel(ctx, ProgressSignal)
		for {
			result, err := runActivity(ctx, actx, req, progress)
			var appErr *sdktemporal.ApplicationError
			if err == nil || !errors.As(err, &appErr) || appErr.Type() != UnresolvedTaskError {
				return result, err
			}
			workflow.GetLogger(ctx).Warn("Task name not resolved, running it again later", "task_name", req.Name)
			if err := workflow.Sleep(ctx, max(opts.RequeueDelay, time.Second)); err != nil {
				return nil, err
			}
		}
	}
}

// runActivity executes one activity run while forwarding progress signals.
func runActivity(ctx, actx workflow.Context, req Request, progress workflow.ReceiveChannel) (*tasks.Result, error) {
	future := workflow.ExecuteActivity(actx, RunActivity, req)

	var (
		result tasks.Result
		err    error
		done   bool
	)
	sel := workflow.NewSelector(ctx)
	sel.AddFuture(future, func(f workflow.Future) {
		err = f.Get(ctx, &result)
		done = true
	})
	sel.AddReceive(progress, func(c workflow.ReceiveChannel, _ bool) {
		var rate float64
		c.Receive(ctx, &rate)
		if uerr := workflow.UpsertTypedSearchAttributes(ctx, ProgressAttribute.ValueSet(rate)); uerr != nil {
			workflow.GetLogger(ctx).Warn("Failed to upsert progress", "error", uerr)
		}
	})
	for !done {
		sel.Select(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Activities executes tasks through a worker registry.
type Activities struct {
	registry *worker.Registry
	smoother *worker.ProgressSmoother
}

// NewActivities forwards progress through signaler at most once per interval.
func NewActivities(registry *worker.Registry, signaler Signaler, interval time.Duration) *Activities {
	return &Activities{
		registry: registry,
		smoother: worker.NewProgressSmoother(interval, func(ctx context.Context, id string, rate float64) error {
			return signaler.SignalWorkflow(ctx, id, "", ProgressSignal, rate)
		}),
	}
}

// Run builds and executes the task. Business errors fail the workflow without
// retries; only infrastructure failures are retried by the engine. An unknown
// task name is rejected with UnresolvedTaskError, which the workflow requeues.
func (a *Activities) Run(ctx context.Context, req Request) (result *tasks.Result, err error) {
	log := logger.For("temporal-activity").With().Str("task_id", req.ID).Str("task_name", req.Name).Logger()
	ctor, err := a.registry.Lookup(req.Name)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot resolve task, rejecting run")
		metrics.TasksProcessed.WithLabelValues(metrics.OutcomeNack, req.Name).Inc()
		return nil, sdktemporal.NewNonRetryableApplicationError(err.Error(), UnresolvedTaskError, err)
	}

	task := tasks.NewWithID(req.ID, req.Name, req.Args.User(), req.Args)
	task.State = tasks.StateRunning
	defer a.smoother.Forget(req.ID)
	progress := func(rate float64) {
		activity.RecordHeartbeat(ctx, rate)
		if _, err := a.smoother.Report(ctx, req.ID, rate); err != nil {
			log.Warn().Err(err).Float64("progress", rate).Msg("Failed to report progress")
		}
	}

	exec, err := ctor(task, progress)
	if err != nil {
		metrics.TasksProcessed.WithLabelValues(metrics.OutcomeError, req.Name).Inc()
		return nil, nonRetryable(tasks.NewTaskError(err), err)
	}

	start := time.Now()
	value, err := a.execute(ctx, exec)
	metrics.TaskDuration.WithLabelValues(req.Name).Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
	case ctx.Err() != nil:
		metrics.TasksProcessed.WithLabelValues(metrics.OutcomeCancelled, req.Name).Inc()
		log.Info().Err(err).Msg("Task interrupted")
		return nil, err
	default:
		metrics.TasksProcessed.WithLabelValues(metrics.OutcomeError, req.Name).Inc()
		log.Error().Err(err).Msg("Task failed")
		return nil, nonRetryable(tasks.NewTaskError(err), err)
	}

	if result, err = tasks.NewResult(value); err != nil {
		return nil, nonRetryable(tasks.NewTaskError(err), err)
	}
	metrics.TasksProcessed.WithLabelValues(metrics.OutcomeDone, req.Name).Inc()
	log.Info().Msg("Task done")
	return result, nil
}

func (a *Activities) execute(ctx context.Context, exec worker.Executable) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.WithStack(fmt.Errorf("panic: %v", r))
		}
	}()
	return exec.Run(ctx)
}

func nonRetryable(te *tasks.TaskError, cause error) error {
	return sdktemporal.NewNonRetryableApplicationError(te.Message, te.Name, cause, *te)
}

// Worker serves the task workflows of one task queue.
type Worker struct {
	w   sdkworker.Worker
	log zerolog.Logger
}

// WorkerOptions configure a Worker.
type WorkerOptions struct {
	Parallelism      int
	ProgressInterval time.Duration
	Workflow         WorkflowOptions
}

// NewWorker registers the task activity and one workflow per registered name.
func NewWorker(c client.Client, taskQueue string, registry *worker.Registry, opts WorkerOptions) (*Worker, error) {
	names := registry.Names()
	if len(names) == 0 {
		return nil, errors.New("temporal worker: empty registry")
	}
	if opts.Workflow == (WorkflowOptions{}) {
		opts.Workflow = DefaultWorkflowOptions
	}
	w := sdkworker.New(c, taskQueue, sdkworker.Options{
		MaxConcurrentActivityExecutionSize: max(opts.Parallelism, 1),
	})
	acts := NewActivities(registry, c, opts.ProgressInterval)
	w.RegisterActivityWithOptions(acts.Run, activity.RegisterOptions{Name: RunActivity})
	wf := NewTaskWorkflow(opts.Workflow)
	for _, name := range names {
		w.RegisterWorkflowWithOptions(wf, workflow.RegisterOptions{Name: name})
	}
	return &Worker{
		w:   w,
		log: logger.For("temporal-worker").With().Str("task_queue", taskQueue).Strs("workflows", names).Logger(),
	}, nil
}

// Run polls until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.w.Start(); err != nil {
		return fmt.Errorf("start temporal worker: %w", err)
	}
	w.log.Info().Msg("Temporal worker started")
	<-ctx.Done()
	w.w.Stop()
	w.log.Info().Msg("Temporal worker stopped")
	return nil
}
