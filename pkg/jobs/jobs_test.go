package jobs

import (
	"context"
	"testing"

	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/guido-cesarano/taskorch/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, name string, args tasks.Arguments) (any, []float64, error) {
	t.Helper()
	r := worker.NewRegistry()
	require.NoError(t, Register(r))
	ctor, err := r.Lookup(name)
	require.NoError(t, err)

	var rates []float64
	exec, err := ctor(tasks.New(name, "alice", args), func(rate float64) { rates = append(rates, rate) })
	require.NoError(t, err)
	v, err := exec.Run(context.Background())
	return v, rates, err
}

func TestRegister(t *testing.T) {
	r := worker.NewRegistry()
	require.NoError(t, Register(r))
	assert.Equal(t, []string{Email, ImageResize, Slow, Sum}, r.Names())
}

func TestSum(t *testing.T) {
	v, _, err := run(t, Sum, tasks.NewArguments("a", 2, "b", 40))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, _, err = run(t, Sum, tasks.NewArguments("a", 2))
	assert.Error(t, err)
}

func TestImageResize(t *testing.T) {
	v, rates, err := run(t, ImageResize, tasks.NewArguments("width", 640, "height", 480))
	require.NoError(t, err)
	assert.Equal(t, "640x480", v)
	assert.Equal(t, []float64{0.5}, rates)

	_, _, err = run(t, ImageResize, tasks.NewArguments("width", 0, "height", 480))
	assert.Error(t, err)
}

func TestSlowReportsProgress(t *testing.T) {
	_, rates, err := run(t, Slow, tasks.NewArguments("seconds", 0))
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, rates)
}

func TestSlowHonoursCancellation(t *testing.T) {
	r := worker.NewRegistry()
	require.NoError(t, Register(r))
	ctor, err := r.Lookup(Slow)
	require.NoError(t, err)
	exec, err := ctor(tasks.New(Slow, "alice", tasks.NewArguments()), func(float64) {})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exec.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
