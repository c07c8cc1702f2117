package promise

import (
	"context"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// TaskFunc is the body of a scheduled task. A returned *Promise (or any
// Thenable) is assimilated before the task's promise settles.
type TaskFunc func() (any, error)

type taskState uint8

const (
	// taskPending: queued, body not yet invoked.
	taskPending taskState = iota
	// taskRunning: body on the call stack.
	taskRunning
	// taskWaiting: body returned; waiting for the frame to drain and the
	// result to settle.
	taskWaiting
	// taskDone: promise settled.
	taskDone
	// taskCancelled: removed before (or while) running.
	taskCancelled
)

// task is a single scheduled unit of work: a promise tagged with a user
// function and the frame it was scheduled into.
type task struct {
	flow    *ControlFlow
	promise *Promise
	desc    string

	// Exactly one of fn and parentPromise is set: fn for user tasks,
	// parentPromise (+ handlers) for promise callbacks.
	fn            TaskFunc
	parentPromise *Promise
	onFulfilled   Callback
	onRejected    ErrCallback

	frame    *frame // frame whose FIFO holds this task
	queue    *taskQueue
	ownFrame *frame // frame opened when the task ran

	state         taskState
	result        any      // raw body return value
	resultPromise *Promise // set when the body returned a promise

	site error // scheduling site, long stack traces only
	ctx  context.Context
	span oteltrace.Span
}

// ready reports whether the task can be invoked: user tasks always can,
// callback tasks only once their parent promise settled.
func (t *task) ready() bool {
	return t.parentPromise == nil || !t.parentPromise.IsPending()
}

func (t *task) invoke() (any, error) {
	if t.fn != nil {
		return invokeSafe(t.fn)
	}
	return runHandler(t.parentPromise, t.onFulfilled, t.onRejected)
}

// cancelWith terminates the task in any pre-terminal state. The body never
// runs (or its eventual result is ignored); sub-tasks already spawned are
// cancelled with the same reason. With absorbed set, the rejection is
// pre-marked handled so it is never reported as uncaught.
func (t *task) cancelWith(err error, absorbed bool) {
	prev := t.state
	t.state = taskCancelled
	switch prev {
	case taskDone, taskCancelled:
		t.state = prev
		return
	case taskPending:
		fr := t.frame
		fr.removeNode(t)
		if fr.task != nil && len(fr.nodes) == 0 {
			t.flow.maybeSettleTask(fr.task)
		}
	case taskRunning, taskWaiting:
		if t.ownFrame != nil {
			t.flow.cancelFrameContents(t.ownFrame, err)
			t.flow.popFrame(t.ownFrame)
		}
		if t.resultPromise != nil && t.resultPromise.IsPending() {
			rp := t.resultPromise
			t.resultPromise = nil
			rp.Cancel(err)
		}
	}
	t.flow.endTaskSpan(t, err)
	if absorbed {
		t.promise.handled = true
	}
	t.promise.reject(err)
	if t.queue != nil {
		if !t.promise.handled {
			t.queue.blockOnRejection(t.promise)
		}
		t.queue.schedulePump()
	}
	t.flow.maybeIdle()
}
