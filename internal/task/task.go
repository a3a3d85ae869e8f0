// Package task tracks the stack of operations currently running on a
// goroutine via context.Context, so logs and errors can be tagged with
// where they came from without threading a string parameter everywhere.
package task

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Task represents one entry of the currently running operation stack.
type Task struct {
	Parent *Task
	Name   string
}

type taskKey struct{}

// Running returns a context with a new task pushed on top of the current one.
func Running(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, taskKey{}, &Task{Parent: Current(ctx), Name: name})
}

// Runningf is Running with fmt.Sprintf-style formatting.
func Runningf(ctx context.Context, format string, argv ...interface{}) context.Context {
	return Running(ctx, fmt.Sprintf(format, argv...))
}

// Current returns the task on top of ctx's stack, or nil if there is none.
func Current(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

// String renders the whole operational stack, outermost first, e.g.
// "commit: lock objects: o1".
func (t *Task) String() string {
	if t == nil {
		return ""
	}
	prefix := t.Parent.String()
	if prefix != "" {
		prefix += ": "
	}
	return prefix + t.Name
}

// ErrContext prepends the current task name to *errp, if any, on return.
//
// Meant to be used under defer:
//
//	ctx = task.Running(ctx, "commit")
//	defer task.ErrContext(&err, ctx)
func ErrContext(errp *error, ctx context.Context) {
	if *errp == nil {
		return
	}
	t := Current(ctx)
	if t == nil {
		return
	}
	*errp = errors.WithMessage(*errp, t.Name)
}

// Entered is syntactic sugar that pushes a task onto *ctxp and tags the
// error on return; it does not log anything itself:
//
//	defer task.Entered(&ctx, "persist %s", savepoint)(&err)
func Entered(ctxp *context.Context, format string, argv ...interface{}) func(*error) {
	ctx := Runningf(*ctxp, format, argv...)
	*ctxp = ctx
	return func(errp *error) {
		ErrContext(errp, ctx)
	}
}
