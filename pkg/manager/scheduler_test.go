package manager_test

import (
	"context"
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

func TestScheduleStartsFreshTasks(t *testing.T) {
	m, _ := newManager(t, 0, routing.Unique)
	s := manager.NewScheduler(m)

	_, err := s.Schedule("* * * * * *", "org.icij.ScanTask", "cron", "", tasks.NewArguments("path", "/inbox"))
	require.NoError(t, err)
	assert.Len(t, s.Entries(), 1)

	s.Start()
	require.Eventually(t, func() bool {
		all, err := repository.Collect(m.GetTasks(context.Background(), tasks.AllTasks))
		return err == nil && len(all) >= 2
	}, 5*time.Second, 50*time.Millisecond)
	s.Stop()

	all, err := repository.Collect(m.GetTasks(context.Background(), tasks.AllTasks.WithUser("cron")))
	require.NoError(t, err)
	assert.NotEqual(t, all[0].ID, all[1].ID)
	assert.Equal(t, "org.icij.ScanTask", all[0].Name)
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	m, _ := newManager(t, 0, routing.Unique)
	_, err := manager.NewScheduler(m).Schedule("every day", "sum", "cron", "", tasks.NewArguments())
	assert.Error(t, err)
}

func TestClearOlderThan(t *testing.T) {
	m, _ := newManager(t, 0, routing.Unique)
	ctx := context.Background()
	start(t, m, "old", "sum")
	start(t, m, "pending", "sum")
	ack(t, m, tasks.CancelledEvent("old", false))

	n, err := manager.ClearOlderThan(ctx, m, tasks.AllTasks, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	time.Sleep(10 * time.Millisecond)
	n, err = manager.ClearOlderThan(ctx, m, tasks.AllTasks, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.GetTask(ctx, "pending")
	assert.NoError(t, err)
}

func TestCleanupRestoresLostEnqueue(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	bus := &heldBus{Bus: memory.NewBus(0), held: make(map[string]struct{})}
	m, err := manager.New(repo, bus, routing.Unique)
	require.NoError(t, err)
	defer m.Close()

	lost := tasks.NewWithID("lost", "sum", "alice", tasks.NewArguments())
	require.NoError(t, lost.Queue())
	lost.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, repo.Insert(ctx, lost, ""))

	s := manager.NewScheduler(m)
	_, err = s.ScheduleCleanup("* * * * * *", tasks.AllTasks, time.Hour)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return bus.Depths()["TASK"] == 1 }, 5*time.Second, 50*time.Millisecond)
}
