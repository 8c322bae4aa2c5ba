package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/manager"
	"github.com/guido-cesarano/taskorch/pkg/memory"
	"github.com/guido-cesarano/taskorch/pkg/repository"
	"github.com/guido-cesarano/taskorch/pkg/routing"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	bus      *memory.Bus
	manager  *manager.Manager
	registry *Registry
	loop     *Loop
	done     chan int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := memory.NewBus(0)
	m, err := manager.New(repository.NewMemory(), bus, routing.Unique)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return &fixture{bus: bus, manager: m, registry: NewRegistry(), done: make(chan int, 1)}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.loop = NewLoop(f.bus.Supplier(""), f.registry, Options{PollTimeout: 20 * time.Millisecond})
	go func() {
		n, _ := f.loop.Run(context.Background())
		f.done <- n
	}()
}

func (f *fixture) wait(t *testing.T) int {
	t.Helper()
	select {
	case n := <-f.done:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("worker loop did not exit")
		return 0
	}
}

func (f *fixture) submit(t *testing.T, name string, args tasks.Arguments) string {
	t.Helper()
	id, err := manager.StartNamed(context.Background(), f.manager, name, "alice", "", args)
	require.NoError(t, err)
	return id
}

func (f *fixture) result(t *testing.T, id string) *tasks.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := f.manager.AwaitResult(ctx, id)
	require.NoError(t, err)
	return task
}

func blocking(started chan<- struct{}) Constructor {
	return func(*tasks.Task, ProgressFunc) (Executable, error) {
		return ExecutableFunc(func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, CancelCause(context.Cause(ctx))
		}), nil
	}
}

func TestLoopRunsTaskToResult(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterFunc("sum", func(_ context.Context, args tasks.Arguments, progress ProgressFunc) (any, error) {
		a, err := args.Int("a")
		if err != nil {
			return nil, err
		}
		b, err := args.Int("b")
		if err != nil {
			return nil, err
		}
		progress(0.5)
		return a + b, nil
	}))
	f.start(t)

	id := f.submit(t, "sum", tasks.NewArguments("a", 2, "b", 3))
	task := f.result(t, id)

	assert.Equal(t, tasks.StateDone, task.State)
	assert.Equal(t, 1.0, task.Progress)
	var sum int
	require.NoError(t, task.Result.Decode(&sum))
	assert.Equal(t, 5, sum)
	assert.Nil(t, task.Error)

	f.loop.Stop()
	assert.Equal(t, 1, f.wait(t))
}

func TestLoopReportsBusinessError(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterFunc("fail", func(context.Context, tasks.Arguments, ProgressFunc) (any, error) {
		return nil, errors.New("boom")
	}))
	f.start(t)

	task := f.result(t, f.submit(t, "fail", tasks.NewArguments()))
	assert.Equal(t, tasks.StateError, task.State)
	assert.Equal(t, 1.0, task.Progress)
	require.NotNil(t, task.Error)
	assert.Contains(t, task.Error.Message, "boom")
	assert.Nil(t, task.Result)

	f.loop.Stop()
	f.wait(t)
}

func TestLoopRecoversPanic(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterFunc("panic", func(context.Context, tasks.Arguments, ProgressFunc) (any, error) {
		panic("index out of range")
	}))
	f.start(t)

	first := f.result(t, f.submit(t, "panic", tasks.NewArguments()))
	assert.Equal(t, tasks.StateError, first.State)
	assert.Contains(t, first.Error.Message, "index out of range")
	assert.NotEmpty(t, first.Error.Stacktrace)

	// The loop survived and keeps consuming.
	second := f.result(t, f.submit(t, "panic", tasks.NewArguments()))
	assert.Equal(t, tasks.StateError, second.State)

	f.loop.Stop()
	assert.Equal(t, 2, f.wait(t))
}

func TestStopBeforePickupCancelsWithoutWorker(t *testing.T) {
	f := newFixture(t)
	var invoked atomic.Bool
	require.NoError(t, f.registry.RegisterFunc("sum", func(context.Context, tasks.Arguments, ProgressFunc) (any, error) {
		invoked.Store(true)
		return 0, nil
	}))

	id := f.submit(t, "sum", tasks.NewArguments())
	stopped, err := f.manager.StopTask(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, stopped)

	require.NoError(t, f.bus.PushPoison(""))
	f.start(t)
	assert.Equal(t, 0, f.wait(t))

	task, err := f.manager.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateCancelled, task.State)
	assert.False(t, invoked.Load())
}

func TestStopRunningTask(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	require.NoError(t, f.registry.Register("block", blocking(started)))
	f.start(t)

	id := f.submit(t, "block", tasks.NewArguments())
	<-started

	running, err := f.manager.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateRunning, running.State)

	stopped, err := f.manager.StopTask(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, stopped)

	task := f.result(t, id)
	assert.Equal(t, tasks.StateCancelled, task.State)

	f.loop.Stop()
	f.wait(t)
}

func TestInterruptedTaskIsNotRequeued(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	require.NoError(t, f.registry.Register("block", blocking(started)))
	f.start(t)

	id := f.submit(t, "block", tasks.NewArguments())
	<-started
	f.loop.Stop()
	assert.Equal(t, 1, f.wait(t))

	task, err := f.manager.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateCancelled, task.State)
	assert.Equal(t, int64(0), f.bus.Depths()["TASK"])
}

func TestTerminateCancelsPlainTaskWithoutRequeue(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	require.NoError(t, f.registry.Register("block", blocking(started)))
	f.start(t)

	id := f.submit(t, "block", tasks.NewArguments())
	<-started
	f.loop.Terminate()
	f.wait(t)

	task, err := f.manager.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateCancelled, task.State)
	assert.Equal(t, int64(0), f.bus.Depths()["TASK"])
}

func TestTerminateRequeuesCancellableTask(t *testing.T) {
	f := newFixture(t)
	exec := &cancellable{started: make(chan struct{}), cancelled: make(chan bool, 1)}
	require.NoError(t, f.registry.Register("cancellable", func(*tasks.Task, ProgressFunc) (Executable, error) {
		return exec, nil
	}))
	f.start(t)

	id := f.submit(t, "cancellable", tasks.NewArguments())
	<-exec.started
	f.loop.Terminate()
	f.wait(t)

	task, err := f.manager.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateQueued, task.State)
	assert.Equal(t, 0.0, task.Progress)
	assert.Equal(t, int64(1), f.bus.Depths()["TASK"])
}

type requeueOnce struct {
	attempts *atomic.Int32
}

func (r requeueOnce) Run(context.Context) (any, error) {
	if r.attempts.Add(1) == 1 {
		return nil, Cancelled(true)
	}
	return "second run", nil
}

func TestCooperativeCancelWithRequeue(t *testing.T) {
	f := newFixture(t)
	var attempts atomic.Int32
	require.NoError(t, f.registry.Register("flaky", func(*tasks.Task, ProgressFunc) (Executable, error) {
		return requeueOnce{attempts: &attempts}, nil
	}))
	f.start(t)

	id := f.submit(t, "flaky", tasks.NewArguments())
	require.Eventually(t, func() bool {
		task, err := f.manager.GetTask(context.Background(), id)
		return err == nil && task.State == tasks.StateDone
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())

	f.loop.Stop()
	assert.Equal(t, 2, f.wait(t))
}

func TestUnknownTaskNameIsNacked(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	id := f.submit(t, "unregistered", tasks.NewArguments())
	require.Eventually(t, func() bool { return len(f.bus.DeadLetters()) == 1 }, 5*time.Second, 10*time.Millisecond)
	f.loop.Stop()
	assert.Equal(t, tasks.DefaultRetries+1, f.wait(t))

	task, err := f.manager.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateQueued, task.State)
	assert.Nil(t, task.Error)
}

func TestShutdownEventEndsLoop(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.NoError(t, f.manager.Shutdown(context.Background()))
	assert.Equal(t, 0, f.wait(t))
}

type cancellable struct {
	started   chan struct{}
	cancelled chan bool
}

func (c *cancellable) Run(ctx context.Context) (any, error) {
	close(c.started)
	requeue := <-c.cancelled
	return nil, Cancelled(requeue)
}

func (c *cancellable) Cancel(requeue bool) {
	c.cancelled <- requeue
}

func TestCancellableExecutableIsNotified(t *testing.T) {
	f := newFixture(t)
	exec := &cancellable{started: make(chan struct{}), cancelled: make(chan bool, 1)}
	require.NoError(t, f.registry.Register("cancellable", func(*tasks.Task, ProgressFunc) (Executable, error) {
		return exec, nil
	}))
	f.start(t)

	id := f.submit(t, "cancellable", tasks.NewArguments())
	<-exec.started
	f.loop.Cancel(id, false)

	task := f.result(t, id)
	assert.Equal(t, tasks.StateCancelled, task.State)
	f.loop.Stop()
	f.wait(t)
}
