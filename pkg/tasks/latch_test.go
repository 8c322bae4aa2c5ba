package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchAwaitReleasesAllWaiters(t *testing.T) {
	latch := NewStateLatch(StateQueued)

	var wg sync.WaitGroup
	got := make([]State, 3)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s, err := latch.Await(ctx, StateRunning)
			assert.NoError(t, err)
			got[i] = s
		}()
	}

	time.Sleep(20 * time.Millisecond)
	latch.Set(StateRunning)
	wg.Wait()
	assert.Equal(t, []State{StateRunning, StateRunning, StateRunning}, got)
}

func TestLatchAwaitReturnsOnFinalState(t *testing.T) {
	latch := NewStateLatch(StateRunning)
	go func() {
		time.Sleep(10 * time.Millisecond)
		latch.Set(StateError)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := latch.Await(ctx, StateDone)
	require.NoError(t, err)
	assert.Equal(t, StateError, s)
}

func TestLatchAwaitTimesOut(t *testing.T) {
	latch := NewStateLatch(StateQueued)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s, err := latch.AwaitFinal(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateQueued, s)
}

func TestLatchAlreadyReached(t *testing.T) {
	latch := NewStateLatch(StateDone)
	s, err := latch.Await(context.Background(), StateRunning)
	require.NoError(t, err)
	assert.Equal(t, StateDone, s)
}
