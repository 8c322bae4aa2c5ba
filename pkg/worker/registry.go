// Package worker runs tasks pulled from a TaskSupplier. A Registry maps task names
// to constructors, and each Loop executes one task at a time; parallelism comes
// from running several loops against the same supplier.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/guido-cesarano/taskorch/pkg/tasks"
)

// ProgressFunc reports a progress rate in [0,1] for the running task.
type ProgressFunc func(rate float64)

// Executable is one unit of work. Its return value becomes the task result.
type Executable interface {
	Run(ctx context.Context) (any, error)
}

// ExecutableFunc adapts a function to Executable.
type ExecutableFunc func(ctx context.Context) (any, error)

func (f ExecutableFunc) Run(ctx context.Context) (any, error) {
	return f(ctx)
}

// Cancellable is implemented by executables that want to be told about
// cancellation in addition to observing their context.
type Cancellable interface {
	Cancel(requeue bool)
}

// Constructor builds the executable of a task.
type Constructor func(task *tasks.Task, progress ProgressFunc) (Executable, error)

// Registry maps task names to constructors. Registration errors surface at
// startup, not when a task is dispatched.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a constructor. Empty names, nil constructors and duplicates are rejected.
func (r *Registry) Register(name string, c Constructor) error {
	if name == "" {
		return errors.New("register: empty task name")
	}
	if name == tasks.PoisonName {
		return fmt.Errorf("register: %q is reserved", name)
	}
	if c == nil {
		return fmt.Errorf("register %s: nil constructor", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.constructors[name]; ok {
		return fmt.Errorf("register %s: already registered", name)
	}
	r.constructors[name] = c
	return nil
}

// MustRegister is Register for static setup code.
func (r *Registry) MustRegister(name string, c Constructor) {
	if err := r.Register(name, c); err != nil {
		panic(err)
	}
}

// RegisterFunc registers a plain function taking the task arguments.
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, args tasks.Arguments, progress ProgressFunc) (any, error)) error {
	return r.Register(name, func(task *tasks.Task, progress ProgressFunc) (Executable, error) {
		return ExecutableFunc(func(ctx context.Context) (any, error) {
			return fn(ctx, task.Args, progress)
		}), nil
	})
}

// Lookup returns the constructor of name or tasks.ErrUnknownTaskName.
func (r *Registry) Lookup(name string) (Constructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, tasks.ErrUnknownTaskName)
	}
	return c, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for n := range r.constructors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Validate checks that every name a worker pool is bootstrapped for is registered.
func (r *Registry) Validate(names ...string) error {
	var errs []error
	for _, n := range names {
		if _, err := r.Lookup(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
