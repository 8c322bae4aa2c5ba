package worker

import (
	"context"
	"sync"
	"time"
)

// PublishFunc forwards one progress value.
type PublishFunc func(ctx context.Context, id string, rate float64) error

// ProgressSmoother rate-limits progress per task. The first value and 1.0 are
// always forwarded; others only when minInterval has elapsed since the last
// forwarded value. State for a task is dropped once 1.0 is forwarded.
type ProgressSmoother struct {
	minInterval time.Duration
	publish     PublishFunc
	now         func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewProgressSmoother(minInterval time.Duration, publish PublishFunc) *ProgressSmoother {
	return &ProgressSmoother{
		minInterval: minInterval,
		publish:     publish,
		now:         time.Now,
		last:        make(map[string]time.Time),
	}
}

// Report forwards rate if the smoothing rules allow it, and reports whether it did.
func (s *ProgressSmoother) Report(ctx context.Context, id string, rate float64) (bool, error) {
	now := s.now()
	s.mu.Lock()
	last, seen := s.last[id]
	forward := !seen || rate >= 1 || now.Sub(last) >= s.minInterval
	if forward {
		if rate >= 1 {
			delete(s.last, id)
		} else {
			s.last[id] = now
		}
	}
	s.mu.Unlock()

	if !forward {
		return false, nil
	}
	return true, s.publish(ctx, id, rate)
}

// Forget drops the state of a task that ended without reaching 1.0.
func (s *ProgressSmoother) Forget(id string) {
	s.mu.Lock()
	delete(s.last, id)
	s.mu.Unlock()
}

// Tracked returns the number of tasks with smoothing state.
func (s *ProgressSmoother) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}
