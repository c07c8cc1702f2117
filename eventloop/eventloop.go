// Package eventloop implements the single-goroutine run loop the control
// flow schedules on: a microtask FIFO, one-shot timers, and externally
// registered callbacks, drained deterministically until idle.
package eventloop

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// Timer is a one-shot timer scheduled with SetTimeout.
type Timer struct {
	loop     *Loop
	deadline time.Time
	fn       func()
	seq      uint64
	index    int // heap index, -1 once fired or stopped
}

// Stop cancels the timer. It reports whether the timer was still pending.
// Loop goroutine only.
func (t *Timer) Stop() bool {
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.loop.timers, t.index)
	t.index = -1
	return true
}

// Loop runs microtasks, timers and externally enqueued callbacks on a
// single goroutine. All methods except RegisterCallback's enqueue function
// must be called from the loop goroutine (or, for Run, from the goroutine
// that becomes the loop goroutine).
type Loop struct {
	micro  []func()
	timers timerHeap
	seq    uint64

	auxCh chan func()

	registeredMu sync.Mutex
	registered   int

	running  bool
	uncaught func(error)
}

// New returns a stopped loop ready for Run.
func New() *Loop {
	return &Loop{
		auxCh: make(chan func(), 16),
		uncaught: func(err error) {
			panic(fmt.Sprintf("eventloop: uncaught error: %v", err))
		},
	}
}

// SetUncaughtHandler replaces the sink for errors that escape every other
// handler. The default panics.
func (l *Loop) SetUncaughtHandler(fn func(error)) {
	if fn != nil {
		l.uncaught = fn
	}
}

// Uncaught reports an error nothing else handled.
func (l *Loop) Uncaught(err error) {
	l.uncaught(err)
}

// RunSoon enqueues fn as a microtask. Microtasks run before any timer or
// external callback, in FIFO order. Loop goroutine only.
func (l *Loop) RunSoon(fn func()) {
	l.micro = append(l.micro, fn)
}

// SetTimeout schedules fn to run once after d. A non-positive d fires on
// the next loop turn, after pending microtasks. Loop goroutine only.
func (l *Loop) SetTimeout(fn func(), d time.Duration) *Timer {
	l.seq++
	t := &Timer{
		deadline: time.Now().Add(d),
		fn:       fn,
		seq:      l.seq,
		loop:     l,
	}
	heap.Push(&l.timers, t)
	return t
}

// RegisterCallback reserves a slot for an off-loop completion. Run will
// not return while slots are held. The returned function hands fn to the
// loop goroutine and releases the slot; it must be called exactly once and
// is safe to call from any goroutine.
func (l *Loop) RegisterCallback() func(func()) {
	l.registeredMu.Lock()
	l.registered++
	l.registeredMu.Unlock()

	var once sync.Once
	return func(fn func()) {
		once.Do(func() {
			l.auxCh <- func() {
				l.registeredMu.Lock()
				l.registered--
				l.registeredMu.Unlock()
				if fn != nil {
					fn()
				}
			}
		})
	}
}

func (l *Loop) pendingRegistered() int {
	l.registeredMu.Lock()
	defer l.registeredMu.Unlock()
	return l.registered
}

// Run executes fn on the calling goroutine and then drains the loop:
// microtasks first, then due timers and external callbacks, each followed
// by a full microtask drain. It returns once no microtasks, timers, or
// registered callbacks remain.
func (l *Loop) Run(fn func()) {
	if l.running {
		panic("eventloop: Run called on a running loop")
	}
	l.running = true
	defer func() { l.running = false }()

	fn()
	l.drainMicrotasks()

	for {
		// Flush anything external that is already queued.
		drainedAux := false
		for {
			select {
			case aux := <-l.auxCh:
				aux()
				l.drainMicrotasks()
				drainedAux = true
				continue
			default:
			}
			break
		}
		if drainedAux {
			continue
		}

		if len(l.timers) > 0 {
			next := l.timers[0]
			wait := time.Until(next.deadline)
			if wait <= 0 {
				heap.Pop(&l.timers)
				next.index = -1
				next.fn()
				l.drainMicrotasks()
				continue
			}
			select {
			case aux := <-l.auxCh:
				aux()
				l.drainMicrotasks()
			case <-time.After(wait):
			}
			continue
		}

		if l.pendingRegistered() > 0 {
			aux := <-l.auxCh
			aux()
			l.drainMicrotasks()
			continue
		}

		return
	}
}

func (l *Loop) drainMicrotasks() {
	for len(l.micro) > 0 {
		fn := l.micro[0]
		l.micro = l.micro[1:]
		fn()
	}
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
