package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	pkgerrors "github.com/pkg/errors"
)

// Result is an opaque, type-tagged task result.
type Result struct {
	Type  string          `json:"@type"`
	Value json.RawMessage `json:"value"`
}

// NewResult serializes v and tags it with its Go type.
func NewResult(v any) (*Result, error) {
	if r, ok := v.(*Result); ok {
		return r, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize result: %w", err)
	}
	return &Result{Type: fmt.Sprintf("%T", v), Value: data}, nil
}

// Decode unmarshals the result value into out.
func (r *Result) Decode(out any) error {
	if r == nil {
		return errors.New("no result")
	}
	return json.Unmarshal(r.Value, out)
}

func (r *Result) String() string {
	if r == nil {
		return "<nil>"
	}
	return string(r.Value)
}

// StackFrame is one line of a worker-side stack trace.
type StackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"lineno"`
	Function string `json:"name"`
}

// TaskError is the portable summary of a business error raised by an executable.
type TaskError struct {
	Name       string       `json:"name"`
	Message    string       `json:"message"`
	Cause      *TaskError   `json:"cause,omitempty"`
	Stacktrace []StackFrame `json:"stacktrace,omitempty"`
}

const maxCauseDepth = 8

// NewTaskError summarizes err and its chain of causes. Each level carries only the
// github.com/pkg/errors stack trace recorded by that error itself.
func NewTaskError(err error) *TaskError {
	return newTaskError(err, 0)
}

func newTaskError(err error, depth int) *TaskError {
	if err == nil {
		return nil
	}
	te := &TaskError{
		Name:       fmt.Sprintf("%T", err),
		Message:    err.Error(),
		Stacktrace: stackOf(err),
	}
	if depth < maxCauseDepth {
		te.Cause = newTaskError(errors.Unwrap(err), depth+1)
	}
	return te
}

func (e *TaskError) Error() string {
	return e.Message
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

func stackOf(err error) []StackFrame {
	st, ok := err.(stackTracer)
	if !ok {
		return nil
	}
	frames := st.StackTrace()
	out := make([]StackFrame, 0, len(frames))
	for _, f := range frames {
		line, _ := strconv.Atoi(fmt.Sprintf("%d", f))
		out = append(out, StackFrame{
			File:     fmt.Sprintf("%s", f),
			Line:     line,
			Function: fmt.Sprintf("%n", f),
		})
	}
	return out
}
