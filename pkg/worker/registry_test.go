package worker

import (
	"context"
	"testing"

	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(*tasks.Task, ProgressFunc) (Executable, error) {
	return ExecutableFunc(func(context.Context) (any, error) { return nil, nil }), nil
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("sum", noop))

	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("nil", nil))
	assert.Error(t, r.Register("sum", noop))
	assert.Error(t, r.Register(tasks.PoisonName, noop))
	assert.Panics(t, func() { r.MustRegister("sum", noop) })
}

func TestRegistryLookupAndValidate(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("sum", noop)
	r.MustRegister("index", noop)

	_, err := r.Lookup("sum")
	require.NoError(t, err)
	_, err = r.Lookup("scan")
	assert.ErrorIs(t, err, tasks.ErrUnknownTaskName)

	assert.Equal(t, []string{"index", "sum"}, r.Names())
	assert.NoError(t, r.Validate("sum", "index"))
	assert.ErrorIs(t, r.Validate("sum", "scan"), tasks.ErrUnknownTaskName)
}
