package manager

import (
	"context"
	"errors"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultReconcileGrace is the age a QUEUED record must reach before the cleanup
// job checks that its transport still holds it.
const DefaultReconcileGrace = time.Minute

// Reconciler restores queued tasks a crash kept off their queue.
type Reconciler interface {
	Reconcile(ctx context.Context, grace time.Duration) (int, error)
}

// Scheduler runs recurring submissions and cleanups against a task manager.
// Specs accept an optional seconds field (e.g. "*/30 * * * * *").
type Scheduler struct {
	cron    *cron.Cron
	manager tasks.TaskManager
	timeout time.Duration
	grace   time.Duration
	log     zerolog.Logger
}

func NewScheduler(m tasks.TaskManager) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		manager: m,
		timeout: 30 * time.Second,
		grace:   DefaultReconcileGrace,
		log:     logger.For("scheduler"),
	}
}

// Schedule starts a new task from the template on every firing. Each run gets a
// fresh id so runs never collide.
func (s *Scheduler) Schedule(spec, name, user string, group tasks.Group, args tasks.Arguments) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		id, err := StartNamed(ctx, s.manager, name, user, group, args)
		if err != nil {
			s.log.Error().Err(err).Str("spec", spec).Str("task_name", name).Msg("Failed to start scheduled task")
			return
		}
		s.log.Info().Str("task_id", id).Str("task_name", name).Str("spec", spec).Msg("Scheduled task started")
	})
}

// ScheduleCleanup periodically clears final tasks matching filters that
// completed more than maxAge ago. A zero maxAge clears them all. When the manager
// is a Reconciler, the same job restores queued tasks missing from their queue.
func (s *Scheduler) ScheduleCleanup(spec string, filters tasks.Filters, maxAge time.Duration) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.cleanup(ctx, spec, filters, maxAge)
	})
}

func (s *Scheduler) cleanup(ctx context.Context, spec string, filters tasks.Filters, maxAge time.Duration) {
	n, err := ClearOlderThan(ctx, s.manager, filters, maxAge)
	if err != nil {
		s.log.Error().Err(err).Str("spec", spec).Msg("Task cleanup failed")
	} else if n > 0 {
		s.log.Info().Int("cleared", n).Str("spec", spec).Msg("Finished tasks cleared")
	}

	r, ok := s.manager.(Reconciler)
	if !ok {
		return
	}
	restored, err := r.Reconcile(ctx, s.grace)
	if err != nil {
		s.log.Error().Err(err).Str("spec", spec).Msg("Queue reconciliation failed")
		return
	}
	if restored > 0 {
		s.log.Warn().Int("restored", restored).Str("spec", spec).Msg("Queued tasks restored")
	}
}

// ClearOlderThan clears final tasks matching filters whose completion is older than maxAge.
func ClearOlderThan(ctx context.Context, m tasks.TaskManager, filters tasks.Filters, maxAge time.Duration) (int, error) {
	if maxAge == 0 {
		cleared, err := m.ClearDoneTasks(ctx, filters)
		return len(cleared), err
	}
	cutoff := time.Now().Add(-maxAge)
	var ids []string
	for t, err := range m.GetTasks(ctx, filters.WithinStates(tasks.FinalStates...)) {
		if err != nil {
			return 0, err
		}
		if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			ids = append(ids, t.ID)
		}
	}
	n := 0
	for _, id := range ids {
		if _, err := m.ClearTask(ctx, id); err != nil && !errors.Is(err, tasks.ErrUnknownTask) {
			return n, err
		}
		n++
	}
	return n, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries lists the registered jobs.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}
