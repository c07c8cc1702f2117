package promise

import (
	"context"
	"sync"

	"github.com/actmd/selenium/eventloop"
	"github.com/actmd/selenium/log"
	"github.com/actmd/selenium/trace"
)

// ControlFlow owns an ordered list of task queues and drives them one task
// at a time, in depth-first, left-to-right order of the frame tree.
type ControlFlow struct {
	ctx    context.Context
	loop   *eventloop.Loop
	logger *log.Logger
	tracer *trace.Tracer

	emitter *eventEmitter
	tracker *rejectionTracker

	queues      []*taskQueue
	activeFrame *frame

	idleScheduled bool

	// beforeTask, when set, runs before each task body is invoked. Used by
	// the breakpoint registry to pause the scheduler.
	beforeTask func(desc string)
}

// Option configures a ControlFlow.
type Option func(*ControlFlow)

// WithLogger sets the logger task and queue transitions are reported to.
func WithLogger(logger *log.Logger) Option {
	return func(f *ControlFlow) { f.logger = logger }
}

// WithTracer enables a span per task.
func WithTracer(tracer *trace.Tracer) Option {
	return func(f *ControlFlow) { f.tracer = tracer }
}

// WithBeforeTask installs a hook that runs before each task body.
func WithBeforeTask(hook func(desc string)) Option {
	return func(f *ControlFlow) { f.beforeTask = hook }
}

// NewControlFlow returns a flow scheduling on loop.
func NewControlFlow(loop *eventloop.Loop, opts ...Option) *ControlFlow {
	if loop == nil {
		panic("promise: NewControlFlow requires an event loop")
	}
	f := &ControlFlow{
		ctx:     context.Background(),
		loop:    loop,
		logger:  log.NullLogger(),
		emitter: newEventEmitter(),
	}
	f.tracker = newRejectionTracker(loop, f.reportUnhandled)
	f.tracker.drained = f.maybeIdle
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Loop returns the event loop the flow schedules on.
func (f *ControlFlow) Loop() *eventloop.Loop { return f.loop }

// On registers a persistent listener for event and returns its removal
// function.
func (f *ControlFlow) On(event string, fn Handler) (remove func()) {
	return f.emitter.on(event, fn, false)
}

// Once registers a listener delivered at most once.
func (f *ControlFlow) Once(event string, fn Handler) (remove func()) {
	return f.emitter.on(event, fn, true)
}

// RemoveAllListeners drops every listener for event.
func (f *ControlFlow) RemoveAllListeners(event string) {
	f.emitter.removeAll(event)
}

// Execute schedules fn on the flow and returns a promise for its result.
// The task runs after every previously scheduled task in the same frame
// has fully settled.
func (f *ControlFlow) Execute(fn TaskFunc, desc string) *Promise {
	if fn == nil {
		panic("promise: Execute requires a function")
	}
	if desc == "" {
		desc = "<anonymous task>"
	}
	t := &task{flow: f, fn: fn, desc: desc, site: captureSite(desc)}
	t.promise = &Promise{flow: f, loop: f.loop, task: t}
	f.schedule(t, nil)
	return t.promise
}

// newCallbackTask schedules a handler pair as a task that becomes runnable
// when parent settles.
func (f *ControlFlow) newCallbackTask(parent *Promise, onFulfilled Callback, onRejected ErrCallback, desc string) *task {
	t := &task{
		flow:          f,
		parentPromise: parent,
		onFulfilled:   onFulfilled,
		onRejected:    onRejected,
		desc:          desc,
		site:          captureSite(desc),
	}
	t.promise = &Promise{flow: f, loop: f.loop, task: t}
	f.schedule(t, nil)
	if parent.IsPending() {
		q := t.queue
		parent.onSettled(func() { q.schedulePump() })
	}
	return t
}

// schedule appends t to target, or to the frame active at call time.
func (f *ControlFlow) schedule(t *task, target *frame) {
	if target == nil {
		target = f.schedulingFrame()
	}
	t.frame = target
	t.queue = target.queue
	target.append(t)
	f.logger.Debugf("ControlFlow:schedule", "task %q scheduled", t.desc)
	t.queue.schedulePump()
}

// schedulingFrame is the frame newly scheduled work lands in: the frame of
// the running task if one is on the stack, else the root of the current
// turn's queue, else the root of a fresh queue.
func (f *ControlFlow) schedulingFrame() *frame {
	if f.activeFrame != nil {
		return f.activeFrame
	}
	if n := len(f.queues); n > 0 {
		if q := f.queues[n-1]; q.state == queueNew {
			return q.root
		}
	}
	q := newTaskQueue(f)
	f.queues = append(f.queues, q)
	f.logger.Debugf("ControlFlow:schedule", "new task queue opened (%d active)", len(f.queues))
	return q.root
}

func (f *ControlFlow) removeQueue(q *taskQueue) {
	for i, other := range f.queues {
		if other == q {
			f.queues = append(f.queues[:i:i], f.queues[i+1:]...)
			break
		}
	}
	f.logger.Debugf("TaskQueue:finish", "task queue drained (%d active)", len(f.queues))
	f.maybeIdle()
}

// runTask opens a frame for t and invokes its body. t is the head of its
// frame's FIFO.
func (f *ControlFlow) runTask(t *task) {
	parent := t.frame
	own := &frame{parent: parent, task: t, queue: t.queue}
	parent.replaceHead(own)
	t.ownFrame = own
	t.state = taskRunning
	f.logger.Debugf("ControlFlow:runTask", "task %q starting", t.desc)

	if f.beforeTask != nil {
		f.beforeTask(t.desc)
	}
	f.startTaskSpan(t)

	prevActive := f.activeFrame
	f.activeFrame = own
	restore := f.setAsActive()
	v, err := t.invoke()
	restore()
	f.activeFrame = prevActive

	if t.state == taskCancelled {
		// Cancelled mid-body; the cancellation already settled the promise.
		return
	}
	if err != nil {
		f.failTask(t, err)
		return
	}
	t.state = taskWaiting
	t.result = v
	if th, ok := v.(Thenable); ok {
		rp := th.asPromise()
		if t.promise.isCycle(rp) {
			f.failTask(t, ErrCycle)
			return
		}
		rp.markHandled()
		t.resultPromise = rp
		rp.onSettled(func() { f.maybeSettleTask(t) })
	}
	f.maybeSettleTask(t)
}

// maybeSettleTask settles t's promise once its frame has drained and its
// body result has settled. A rejected result discards the frame first.
func (f *ControlFlow) maybeSettleTask(t *task) {
	if t.state != taskWaiting {
		return
	}
	if t.resultPromise != nil {
		switch t.resultPromise.state {
		case Pending, Blocked:
			return
		case Rejected:
			f.failTask(t, t.resultPromise.err)
			return
		}
	}
	if len(t.ownFrame.nodes) > 0 {
		return
	}

	value := t.result
	if t.resultPromise != nil {
		value = t.resultPromise.value
	}
	f.popFrame(t.ownFrame)
	t.state = taskDone
	f.endTaskSpan(t, nil)
	f.logger.Debugf("ControlFlow:runTask", "task %q fulfilled", t.desc)
	t.promise.fulfill(value)
	t.queue.schedulePump()
}

// failTask rejects t's promise and discards whatever work its frame still
// holds.
func (f *ControlFlow) failTask(t *task, err error) {
	if t.state == taskDone || t.state == taskCancelled {
		return
	}
	t.state = taskDone
	derr := &DiscardedTaskError{Desc: t.desc}
	f.cancelFrameContents(t.ownFrame, derr)
	f.popFrame(t.ownFrame)
	err = annotateRejection(err, t)
	f.endTaskSpan(t, err)
	f.logger.Debugf("ControlFlow:runTask", "task %q rejected: %v", t.desc, err)
	t.promise.reject(err)
	if !t.promise.handled && t.queue != nil {
		t.queue.blockOnRejection(t.promise)
	}
	t.queue.schedulePump()
}

// cancelFrameContents cancels every task remaining under fr with err.
// These rejections are absorbed: they are never reported as uncaught.
func (f *ControlFlow) cancelFrameContents(fr *frame, err error) {
	nodes := fr.nodes
	fr.nodes = nil
	for _, n := range nodes {
		switch node := n.(type) {
		case *task:
			node.cancelWith(err, true)
		case *frame:
			f.cancelFrameContents(node, err)
			if node.task != nil {
				node.task.cancelWith(err, true)
			}
		}
	}
}

// popFrame removes fr from its parent and, if that empties the parent,
// gives the parent's task a chance to settle.
func (f *ControlFlow) popFrame(fr *frame) {
	parent := fr.parent
	if parent == nil {
		return
	}
	parent.removeNode(fr)
	if parent.task != nil && len(parent.nodes) == 0 {
		f.maybeSettleTask(parent.task)
	}
	fr.queue.schedulePump()
}

// Reset cancels every scheduled task, clears all queues, and emits reset
// followed by idle on the next microtask.
func (f *ControlFlow) Reset() {
	f.logger.Debugf("ControlFlow:reset", "resetting %d queue(s)", len(f.queues))
	err := &CancellationError{Reason: "ControlFlow was reset"}
	queues := f.queues
	f.queues = nil
	for _, q := range queues {
		q.state = queueFinished
		f.cancelFrameContents(q.root, err)
	}
	f.emitter.emit(EventReset, nil)
	f.maybeIdle()
}

// isIdle reports whether nothing remains: no queues, no rejections under
// examination.
func (f *ControlFlow) isIdle() bool {
	return len(f.queues) == 0 && !f.tracker.busy()
}

// maybeIdle defers the idle emission by one microtask so late-arriving
// work cancels it.
func (f *ControlFlow) maybeIdle() {
	if f.idleScheduled || !f.isIdle() {
		return
	}
	f.idleScheduled = true
	f.loop.RunSoon(func() {
		f.idleScheduled = false
		if f.isIdle() {
			f.logger.Debugf("ControlFlow:idle", "flow is idle")
			f.emitter.emit(EventIdle, nil)
		}
	})
}

// reportUnhandled is the tracker sink: the remainder of each containing
// queue is cancelled, then the error reaches uncaughtException listeners,
// or the loop's uncaught handler when there are none.
func (f *ControlFlow) reportUnhandled(promises []*Promise, err error) {
	derr := &DiscardedTaskError{Desc: "frame abandoned by unhandled rejection"}
	for _, p := range promises {
		if p.task != nil && p.task.queue != nil {
			q := p.task.queue
			if q.state != queueFinished {
				q.state = queueFinished
				f.cancelFrameContents(q.root, derr)
				f.removeQueue(q)
			}
		}
	}
	f.logger.Errorf("ControlFlow:uncaughtException", "%v", err)
	if f.emitter.count(EventUncaughtException) > 0 {
		f.emitter.emit(EventUncaughtException, err)
	} else {
		f.loop.Uncaught(err)
	}
	f.maybeIdle()
}

func (f *ControlFlow) startTaskSpan(t *task) {
	if f.tracer == nil {
		return
	}
	parentCtx := f.ctx
	for fr := t.frame; fr != nil; fr = fr.parent {
		if fr.task != nil && fr.task.ctx != nil {
			parentCtx = fr.task.ctx
			break
		}
	}
	t.ctx, t.span = f.tracer.TraceTask(parentCtx, t.desc)
}

func (f *ControlFlow) endTaskSpan(t *task, err error) {
	if t.span == nil {
		return
	}
	if err != nil {
		f.tracer.RecordRejection(t.span, err)
	}
	t.span.End()
	t.span = nil
}

// The active flow is process-global, like the source's binding: factory
// functions capture whichever flow is on top of the stack.
var (
	activeMu    sync.Mutex
	activeFlows []*ControlFlow
)

// Active returns the currently active control flow, or nil when none is
// bound.
func Active() *ControlFlow {
	activeMu.Lock()
	defer activeMu.Unlock()
	if n := len(activeFlows); n > 0 {
		return activeFlows[n-1]
	}
	return nil
}

// setAsActive binds the flow as the active one until the returned restore
// function runs.
func (f *ControlFlow) setAsActive() (restore func()) {
	activeMu.Lock()
	activeFlows = append(activeFlows, f)
	activeMu.Unlock()
	return func() {
		activeMu.Lock()
		defer activeMu.Unlock()
		activeFlows = activeFlows[:len(activeFlows)-1]
	}
}

func mustActive(op string) *ControlFlow {
	f := Active()
	if f == nil {
		panic("promise: " + op + " requires an active control flow")
	}
	return f
}

// CreateFlow constructs a child flow on the active flow's loop, binds it
// active, runs fn synchronously, and returns a promise that fulfills with
// fn's value once the child goes idle. An uncaught exception in the child
// rejects the promise instead.
func CreateFlow(fn func(*ControlFlow) (any, error)) *Promise {
	parent := mustActive("CreateFlow")
	child := NewControlFlow(parent.loop, WithLogger(parent.logger), WithTracer(parent.tracer))
	d := parent.Defer()

	var result any
	var removeIdle, removeErr func()
	removeIdle = child.Once(EventIdle, func(error) {
		removeErr()
		d.Fulfill(result)
	})
	removeErr = child.Once(EventUncaughtException, func(err error) {
		removeIdle()
		d.Reject(err)
	})

	restore := child.setAsActive()
	v, err := invokeSafe(func() (any, error) { return fn(child) })
	restore()
	if err != nil {
		removeIdle()
		removeErr()
		d.Reject(err)
		return d.promise
	}
	result = v
	child.maybeIdle()
	return d.promise
}
