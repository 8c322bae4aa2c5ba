package tasks

import (
	"context"
	"sync"
)

// StateLatch holds the latest observed state of a task and lets callers block until
// it reaches a target. Every Set wakes all current waiters by closing a channel.
type StateLatch struct {
	mu      sync.Mutex
	state   State
	changed chan struct{}
}

func NewStateLatch(initial State) *StateLatch {
	return &StateLatch{state: initial, changed: make(chan struct{})}
}

// State returns the latest observed state.
func (l *StateLatch) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Set records s and releases waiters so they re-check their condition.
func (l *StateLatch) Set(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
	close(l.changed)
	l.changed = make(chan struct{})
}

// Await blocks until the state ordinal reaches target or the state becomes final,
// and returns the state observed. It fails with the context error on timeout.
func (l *StateLatch) Await(ctx context.Context, target State) (State, error) {
	return l.AwaitFunc(ctx, func(s State) bool { return s >= target || s.IsFinal() })
}

// AwaitFinal blocks until the state is DONE, ERROR or CANCELLED.
func (l *StateLatch) AwaitFinal(ctx context.Context) (State, error) {
	return l.AwaitFunc(ctx, State.IsFinal)
}

// AwaitFunc blocks until cond holds for the current state.
func (l *StateLatch) AwaitFunc(ctx context.Context, cond func(State) bool) (State, error) {
	for {
		l.mu.Lock()
		s, ch := l.state, l.changed
		l.mu.Unlock()
		if cond(s) {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}
