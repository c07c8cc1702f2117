package promise

import (
	"sync"

	"github.com/actmd/selenium/eventloop"
)

// rejectionTracker defers the "is this rejection handled?" check by one
// microtask. Rejections still unhandled when the check runs are coalesced
// and reported through the sink.
type rejectionTracker struct {
	loop      *eventloop.Loop
	sink      func(promises []*Promise, err error)
	drained   func()
	pending   []*Promise
	scheduled bool
}

func newRejectionTracker(loop *eventloop.Loop, sink func([]*Promise, error)) *rejectionTracker {
	return &rejectionTracker{loop: loop, sink: sink, drained: func() {}}
}

func (rt *rejectionTracker) track(p *Promise) {
	if p.handled {
		return
	}
	rt.pending = append(rt.pending, p)
	if !rt.scheduled {
		rt.scheduled = true
		rt.loop.RunSoon(rt.flush)
	}
}

func (rt *rejectionTracker) flush() {
	rt.scheduled = false
	pending := rt.pending
	rt.pending = nil

	var (
		unhandled []*Promise
		errs      []error
	)
	for _, p := range pending {
		if p.handled || p.state != Rejected {
			continue
		}
		p.handled = true
		unhandled = append(unhandled, p)
		errs = append(errs, p.err)
	}
	switch {
	case len(errs) == 0:
	case len(errs) == 1:
		rt.sink(unhandled, errs[0])
	default:
		rt.sink(unhandled, &MultipleUnhandledRejectionError{Errors: errs})
	}
	rt.drained()
}

// busy reports whether the tracker still has rejections to examine; the
// flow is not idle while it does.
func (rt *rejectionTracker) busy() bool {
	return rt.scheduled || len(rt.pending) > 0
}

// Unmanaged promises have no flow to report through; each loop gets one
// shared tracker that forwards to the loop's uncaught handler.
var (
	unmanagedMu       sync.Mutex
	unmanagedTrackers = make(map[*eventloop.Loop]*rejectionTracker)
)

func unmanagedTracker(loop *eventloop.Loop) *rejectionTracker {
	unmanagedMu.Lock()
	defer unmanagedMu.Unlock()
	rt, ok := unmanagedTrackers[loop]
	if !ok {
		rt = newRejectionTracker(loop, func(_ []*Promise, err error) {
			loop.Uncaught(err)
		})
		unmanagedTrackers[loop] = rt
	}
	return rt
}
