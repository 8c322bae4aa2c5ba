// Package routing decides which physical queue receives a task. Managers and worker
// pools must be configured with the same Strategy, or tasks land where nobody listens.
package routing

import (
	"fmt"
	"strings"

	"github.com/guido-cesarano/taskorch/pkg/tasks"
)

// Strategy is the routing policy of a deployment.
type Strategy string

const (
	// Unique routes every task to one shared queue.
	Unique Strategy = "UNIQUE"
	// Group routes a task to the queue of its group.
	Group Strategy = "GROUP"
	// Name routes a task to the queue of its task name.
	Name Strategy = "NAME"
)

// Parse reads a strategy name, case-insensitively. The empty string is Unique.
func Parse(s string) (Strategy, error) {
	switch Strategy(strings.ToUpper(s)) {
	case "", Unique:
		return Unique, nil
	case Group:
		return Group, nil
	case Name:
		return Name, nil
	}
	return "", fmt.Errorf("unknown routing strategy %q", s)
}

// Key returns the routing key of a task on the manager side. It is empty for Unique
// and for tasks submitted without a group under Group.
func (s Strategy) Key(taskName string, group tasks.Group) string {
	switch s {
	case Group:
		return string(group)
	case Name:
		return taskName
	}
	return ""
}

// WorkerKey returns the routing key a worker pool subscribes to, given the group or
// task name it was bootstrapped for.
func (s Strategy) WorkerKey(group, taskName string) string {
	return s.Key(taskName, tasks.Group(group))
}

// QueueName appends the routing key to a base queue name: "TASK" or "TASK.<key>".
func QueueName(base, key string) string {
	if key == "" {
		return base
	}
	return base + "." + key
}
