package repository

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/guido-cesarano/taskorch/pkg/tasks"
)

type memoryEntry struct {
	task  *tasks.Task
	group tasks.Group
}

// Memory is an in-process repository. Listing follows insertion order.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	order   []string
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memoryEntry)}
}

func (m *Memory) Insert(_ context.Context, task *tasks.Task, group tasks.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[task.ID]; ok {
		return fmt.Errorf("insert %s: %w", task.ID, tasks.ErrTaskAlreadyExists)
	}
	m.entries[task.ID] = &memoryEntry{task: task.Clone(), group: group}
	m.order = append(m.order, task.ID)
	return nil
}

func (m *Memory) Update(_ context.Context, task *tasks.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[task.ID]
	if !ok {
		return fmt.Errorf("update %s: %w", task.ID, tasks.ErrUnknownTask)
	}
	e.task = task.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*tasks.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, tasks.ErrUnknownTask)
	}
	return e.task.Clone(), nil
}

func (m *Memory) Group(_ context.Context, id string) (tasks.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return "", fmt.Errorf("group of %s: %w", id, tasks.ErrUnknownTask)
	}
	return e.group, nil
}

func (m *Memory) Delete(_ context.Context, id string) (*tasks.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("delete %s: %w", id, tasks.ErrUnknownTask)
	}
	delete(m.entries, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })
	return e.task, nil
}

// List matches against a snapshot taken when iteration starts.
func (m *Memory) List(_ context.Context, filters tasks.Filters) iter.Seq2[*tasks.Task, error] {
	matcher, err := filters.Matcher()
	if err != nil {
		return failed(err)
	}
	return func(yield func(*tasks.Task, error) bool) {
		m.mu.RLock()
		snapshot := make([]*tasks.Task, 0, len(m.order))
		for _, id := range m.order {
			if t := m.entries[id].task; matcher.Match(t) {
				snapshot = append(snapshot, t.Clone())
			}
		}
		m.mu.RUnlock()
		for _, t := range snapshot {
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (m *Memory) DeleteAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memoryEntry)
	m.order = nil
	return nil
}

func (m *Memory) Close() error { return nil }
