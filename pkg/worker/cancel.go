package worker

import (
	"errors"
	"fmt"
)

// ErrInterrupted is the cause attached to running tasks when their loop is stopped.
var ErrInterrupted = errors.New("worker loop interrupted")

// CancelError is returned by an executable that noticed a cancellation and
// unwound cleanly. Requeue asks the manager to queue the task again.
type CancelError struct {
	Requeue bool
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("task cancelled (requeue=%t)", e.Requeue)
}

// Cancelled returns a CancelError.
func Cancelled(requeue bool) error {
	return &CancelError{Requeue: requeue}
}

// CancelCause extracts the cancellation an executable should report from its
// context: the CancelError a loop attached, or a plain cancellation otherwise.
func CancelCause(err error) error {
	var ce *CancelError
	if errors.As(err, &ce) {
		return ce
	}
	return Cancelled(false)
}
