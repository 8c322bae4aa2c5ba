package tasks

import "time"

// EventType discriminates the payload of an Event.
type EventType string

const (
	// Worker to manager.
	EventProgress  EventType = "progress"
	EventResult    EventType = "result"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"

	// Manager to workers.
	EventCancel   EventType = "cancel"
	EventShutdown EventType = "shutdown"
)

// Event is a lifecycle message carried by a transport. It is never persisted.
type Event struct {
	Type      EventType  `json:"type"`
	TaskID    string     `json:"task_id,omitempty"`
	Progress  float64    `json:"progress,omitempty"`
	Result    *Result    `json:"result,omitempty"`
	Error     *TaskError `json:"error,omitempty"`
	Requeue   bool       `json:"requeue,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func ProgressEvent(id string, rate float64) Event {
	return Event{Type: EventProgress, TaskID: id, Progress: rate, CreatedAt: time.Now().UTC()}
}

func ResultEvent(id string, r *Result) Event {
	return Event{Type: EventResult, TaskID: id, Result: r, CreatedAt: time.Now().UTC()}
}

func ErrorEvent(id string, e *TaskError) Event {
	return Event{Type: EventError, TaskID: id, Error: e, CreatedAt: time.Now().UTC()}
}

// CancelEvent asks the worker running id to stop. An empty id targets every running task.
func CancelEvent(id string, requeue bool) Event {
	return Event{Type: EventCancel, TaskID: id, Requeue: requeue, CreatedAt: time.Now().UTC()}
}

// CancelledEvent acknowledges a cancellation.
func CancelledEvent(id string, requeue bool) Event {
	return Event{Type: EventCancelled, TaskID: id, Requeue: requeue, CreatedAt: time.Now().UTC()}
}

func ShutdownEvent() Event {
	return Event{Type: EventShutdown, CreatedAt: time.Now().UTC()}
}

// ForWorkers reports whether the event travels from managers to workers.
func (e Event) ForWorkers() bool {
	return e.Type == EventCancel || e.Type == EventShutdown
}
