package amqp

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/manager"
	"github.com/guido-cesarano/taskorch/pkg/repository"
	"github.com/guido-cesarano/taskorch/pkg/routing"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/guido-cesarano/taskorch/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTest(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("TASKORCH_TEST_AMQP_URL")
	if url == "" {
		t.Skip("TASKORCH_TEST_AMQP_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, Options{DialTimeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestTaskQueue(t *testing.T) {
	assert.Equal(t, "TASK", TaskQueue(""))
	assert.Equal(t, "TASK.Java", TaskQueue("Java"))
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 1, o.Prefetch)
	assert.Equal(t, tasks.DefaultRetries, o.DeliveryLimit)
	assert.Equal(t, 30*time.Second, o.DialTimeout)
	assert.Equal(t, 24*time.Hour, o.CancelRetention)
}

func TestCancelStreamArgs(t *testing.T) {
	args := cancelStreamArgs(90 * time.Minute)
	assert.Equal(t, "stream", args["x-queue-type"])
	assert.Equal(t, "5400s", args["x-max-age"])
	assert.Equal(t, "1s", cancelStreamArgs(time.Millisecond)["x-max-age"])
}

func TestAmqpRoundTrip(t *testing.T) {
	client := dialTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := manager.New(repository.NewMemory(), client, routing.Name)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Clear(ctx))

	registry := worker.NewRegistry()
	require.NoError(t, registry.RegisterFunc("amqp.echo", func(_ context.Context, args tasks.Arguments, progress worker.ProgressFunc) (any, error) {
		progress(0.5)
		return args.Str("word")
	}))
	supplier, err := client.Supplier("amqp.echo")
	require.NoError(t, err)
	defer supplier.Close()
	loop := worker.NewLoop(supplier, registry, worker.Options{PollTimeout: 100 * time.Millisecond})
	go loop.Run(ctx)
	defer loop.Stop()

	id, err := manager.StartNamed(ctx, m, "amqp.echo", "alice", "", tasks.NewArguments("word", "hello"))
	require.NoError(t, err)
	task, err := m.AwaitResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateDone, task.State)

	var word string
	require.NoError(t, task.Result.Decode(&word))
	assert.Equal(t, "hello", word)
}

func TestAmqpStopQueuedTask(t *testing.T) {
	client := dialTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := manager.New(repository.NewMemory(), client, routing.Name)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Clear(ctx))

	registry := worker.NewRegistry()
	ran := make(chan struct{}, 1)
	require.NoError(t, registry.RegisterFunc("amqp.never", func(context.Context, tasks.Arguments, worker.ProgressFunc) (any, error) {
		ran <- struct{}{}
		return nil, nil
	}))
	supplier, err := client.Supplier("amqp.never")
	require.NoError(t, err)
	defer supplier.Close()
	loop := worker.NewLoop(supplier, registry, worker.Options{PollTimeout: 100 * time.Millisecond})

	id, err := manager.StartNamed(ctx, m, "amqp.never", "alice", "", tasks.NewArguments())
	require.NoError(t, err)
	stopped, err := m.StopTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, stopped)

	// The cancel travels through the fanout exchange before the loop polls.
	time.Sleep(200 * time.Millisecond)
	go loop.Run(ctx)
	defer loop.Stop()

	task, err := m.AwaitResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateCancelled, task.State)
	assert.Empty(t, ran)
}

func TestAmqpCancelOutlivesWorkers(t *testing.T) {
	client := dialTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := manager.New(repository.NewMemory(), client, routing.Name)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Clear(ctx))

	// No supplier exists while the task is queued and stopped.
	id, err := manager.StartNamed(ctx, m, "amqp.orphan", "alice", "", tasks.NewArguments())
	require.NoError(t, err)
	stopped, err := m.StopTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, stopped)

	registry := worker.NewRegistry()
	ran := make(chan struct{}, 1)
	require.NoError(t, registry.RegisterFunc("amqp.orphan", func(context.Context, tasks.Arguments, worker.ProgressFunc) (any, error) {
		ran <- struct{}{}
		return nil, nil
	}))
	supplier, err := client.Supplier("amqp.orphan")
	require.NoError(t, err)
	defer supplier.Close()
	// Let the supplier catch up with the stream before polling.
	require.Eventually(t, func() bool { return supplier.isCancelled(id) }, 5*time.Second, 20*time.Millisecond)

	loop := worker.NewLoop(supplier, registry, worker.Options{PollTimeout: 100 * time.Millisecond})
	go loop.Run(ctx)
	defer loop.Stop()

	task, err := m.AwaitResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateCancelled, task.State)
	assert.Empty(t, ran)
}
