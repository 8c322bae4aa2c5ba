// Package repository persists task records and their routing group. A repository
// is the single source of truth for task state; only task managers write to it.
package repository

import (
	"context"
	"iter"

	"github.com/guido-cesarano/taskorch/pkg/tasks"
)

// Repository stores task records keyed by id.
//
// Insert fails with tasks.ErrTaskAlreadyExists for a known id. Update, Get, Group
// and Delete fail with tasks.ErrUnknownTask for an unknown id. Returned tasks are
// copies: mutating them does not change the store.
type Repository interface {
	Insert(ctx context.Context, task *tasks.Task, group tasks.Group) error
	Update(ctx context.Context, task *tasks.Task) error
	Get(ctx context.Context, id string) (*tasks.Task, error)
	Group(ctx context.Context, id string) (tasks.Group, error)
	Delete(ctx context.Context, id string) (*tasks.Task, error)
	List(ctx context.Context, filters tasks.Filters) iter.Seq2[*tasks.Task, error]
	DeleteAll(ctx context.Context) error
	Close() error
}

// Collect drains a task sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[*tasks.Task, error]) ([]*tasks.Task, error) {
	var out []*tasks.Task
	for t, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

func failed(err error) iter.Seq2[*tasks.Task, error] {
	return func(yield func(*tasks.Task, error) bool) {
		yield(nil, err)
	}
}
