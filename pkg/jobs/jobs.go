// Package jobs holds the sample executables served by the worker binary.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/guido-cesarano/taskorch/pkg/worker"
	"github.com/pkg/errors"
)

// Names of the sample tasks.
const (
	Email       = "email"
	Slow        = "slow"
	ImageResize = "image_resize"
	Sum         = "sum"
)

// Register adds every sample task to r.
func Register(r *worker.Registry) error {
	for name, fn := range map[string]func(context.Context, tasks.Arguments, worker.ProgressFunc) (any, error){
		Email:       sendEmail,
		Slow:        slow,
		ImageResize: resizeImage,
		Sum:         sum,
	} {
		if err := r.RegisterFunc(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func sendEmail(ctx context.Context, args tasks.Arguments, progress worker.ProgressFunc) (any, error) {
	to, err := args.Str("to")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	logger.Log.Info().Str("to", to).Msg("Sending email...")
	if err := sleep(ctx, 200*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]string{"status": "sent", "to": to}, nil
}

// slow reports progress once per step until it has run for the requested
// number of seconds (5 by default).
func slow(ctx context.Context, args tasks.Arguments, progress worker.ProgressFunc) (any, error) {
	seconds, err := args.Int("seconds")
	if err != nil {
		seconds = 5
	}
	steps := max(seconds*10, 1)
	for i := range steps {
		if err := sleep(ctx, 100*time.Millisecond); err != nil {
			return nil, err
		}
		progress(float64(i+1) / float64(steps))
	}
	return map[string]string{"status": "completed", "timestamp": time.Now().Format(time.RFC3339)}, nil
}

func resizeImage(ctx context.Context, args tasks.Arguments, progress worker.ProgressFunc) (any, error) {
	width, err := args.Int("width")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	height, err := args.Int("height")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid size %dx%d", width, height)
	}
	progress(0.5)
	if err := sleep(ctx, 500*time.Millisecond); err != nil {
		return nil, err
	}
	return fmt.Sprintf("%dx%d", width, height), nil
}

func sum(_ context.Context, args tasks.Arguments, _ worker.ProgressFunc) (any, error) {
	a, err := args.Int("a")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	b, err := args.Int("b")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return a + b, nil
}
