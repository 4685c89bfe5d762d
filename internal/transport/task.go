package transport

import "context"

// Task is a lifetime token for background work whose results must be
// dropped once the work is no longer wanted. Check Alive before applying a
// result; Cancel when the owner goes away.
type Task struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTask returns a live task scoped to parent.
func NewTask(parent context.Context) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{ctx: ctx, cancel: cancel}
}

// Alive reports whether the task has not been cancelled. A nil task is dead.
func (t *Task) Alive() bool {
	return t != nil && t.ctx.Err() == nil
}

// Cancel ends the task. It is safe to call more than once and on nil.
func (t *Task) Cancel() {
	if t != nil {
		t.cancel()
	}
}

// Context is cancelled with the task.
func (t *Task) Context() context.Context {
	return t.ctx
}
