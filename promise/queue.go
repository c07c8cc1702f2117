package promise

type queueState uint8

const (
	// queueNew: created this event-loop turn; still accepting the turn's
	// top-level tasks.
	queueNew queueState = iota
	// queueStarted: the first task was dequeued.
	queueStarted
	// queueFinished: root frame drained; removed from the flow.
	queueFinished
)

// taskQueue is a top-level lane of the scheduler: a root frame plus a
// lifecycle state. Sibling queues interleave one task per microtask turn.
type taskQueue struct {
	flow  *ControlFlow
	root  *frame
	state queueState

	// unhandled holds task promises rejected on this queue with no handler
	// attached yet. The queue does not advance past them: either a handler
	// arrives (and the queue resumes) or the tracker escalates and aborts
	// the queue.
	unhandled []*Promise

	pumpScheduled bool
}

func (q *taskQueue) blockOnRejection(p *Promise) {
	q.unhandled = append(q.unhandled, p)
}

func (q *taskQueue) hasUnhandledRejection() bool {
	kept := q.unhandled[:0]
	for _, p := range q.unhandled {
		if !p.handled {
			kept = append(kept, p)
		}
	}
	q.unhandled = kept
	return len(kept) > 0
}

func newTaskQueue(flow *ControlFlow) *taskQueue {
	q := &taskQueue{flow: flow}
	q.root = &frame{queue: q}
	return q
}

// schedulePump arranges for one task to run on the next microtask. Pumps
// coalesce; each pump reschedules itself while runnable work remains,
// which is what interleaves sibling queues.
func (q *taskQueue) schedulePump() {
	if q.pumpScheduled || q.state == queueFinished {
		return
	}
	q.pumpScheduled = true
	q.flow.loop.RunSoon(q.pump)
}

func (q *taskQueue) pump() {
	q.pumpScheduled = false
	if q.state == queueFinished {
		return
	}
	t := q.nextTask()
	if t == nil {
		q.maybeFinish()
		return
	}
	if q.state == queueNew {
		q.state = queueStarted
	}
	q.flow.runTask(t)
	q.schedulePump()
}

// nextTask walks depth-first to the next runnable task: descend through
// open frames at the head of each FIFO; a frame with an empty FIFO (or a
// callback task whose parent promise is still pending) blocks the queue.
func (q *taskQueue) nextTask() *task {
	if q.hasUnhandledRejection() {
		return nil
	}
	f := q.root
	for {
		if len(f.nodes) == 0 {
			return nil
		}
		switch head := f.nodes[0].(type) {
		case *frame:
			f = head
		case *task:
			if !head.ready() {
				return nil
			}
			return head
		default:
			return nil
		}
	}
}

func (q *taskQueue) maybeFinish() {
	if q.state == queueFinished || len(q.root.nodes) > 0 || q.hasUnhandledRejection() {
		return
	}
	q.state = queueFinished
	q.flow.removeQueue(q)
}
