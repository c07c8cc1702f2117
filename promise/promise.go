// Package promise implements a deterministic cooperative task scheduler
// ("control flow") layered on a promise system. Commands are enqueued
// eagerly in synchronous scripting style; under the hood each one runs
// strictly after the previous one fully settles, and callbacks may inject
// sub-commands that run before later siblings. Unhandled asynchronous
// failures surface as scheduler-level aborts instead of being dropped.
package promise

import (
	"fmt"

	"github.com/actmd/selenium/eventloop"
)

// State describes where a promise is in its lifecycle.
type State uint8

const (
	// Pending means the promise has not been resolved.
	Pending State = iota
	// Blocked means the promise was resolved with another promise and is
	// waiting for it to settle.
	Blocked
	// Fulfilled means the promise settled with a value.
	Fulfilled
	// Rejected means the promise settled with an error.
	Rejected
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Blocked:
		return "blocked"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Callback handles a fulfillment value. Returning a non-nil error rejects
// the derived promise; returning a *Promise (or Thenable) assimilates it.
type Callback func(value any) (any, error)

// ErrCallback handles a rejection reason, with the same return contract as
// Callback.
type ErrCallback func(err error) (any, error)

// Thenable is a value the scheduler assimilates when returned from a task
// or handler. *Promise and *Deferred implement it.
type Thenable interface {
	asPromise() *Promise
}

// Promise is a single-assignment result container bound to the control
// flow that was active when it was created. Handlers on flow-owned
// promises run as scheduled tasks; handlers on unmanaged promises run as
// raw microtasks.
type Promise struct {
	flow *ControlFlow // nil for unmanaged promises
	loop *eventloop.Loop

	state   State
	value   any
	err     error
	handled bool

	task      *task    // task whose result this promise is, if any
	blockedOn *Promise // promise being assimilated while Blocked
	waiters   []func() // internal settle notifications, fired in order
}

func (p *Promise) asPromise() *Promise { return p }

// IsPending reports whether the promise has not yet settled. A Blocked
// promise is still pending.
func (p *Promise) IsPending() bool {
	return p.state == Pending || p.state == Blocked
}

// State returns the current state of the promise.
func (p *Promise) State() State { return p.state }

// Value returns the fulfillment value, or nil unless the promise is
// fulfilled.
func (p *Promise) Value() any {
	if p.state != Fulfilled {
		return nil
	}
	return p.value
}

// Err returns the rejection reason, or nil unless the promise is rejected.
func (p *Promise) Err() error {
	if p.state != Rejected {
		return nil
	}
	return p.err
}

// Then registers handlers for the promise's settlement and returns a
// promise for the selected handler's result. Either handler may be nil, in
// which case the corresponding result passes through unchanged.
func (p *Promise) Then(onFulfilled Callback, onRejected ErrCallback) *Promise {
	return p.addCallback(onFulfilled, onRejected, "then()")
}

// Catch registers a rejection handler.
func (p *Promise) Catch(onRejected ErrCallback) *Promise {
	return p.addCallback(nil, onRejected, "catch()")
}

// Finally registers fn to run however the promise settles. The derived
// promise settles like the original unless fn errors (which rejects it) or
// returns a promise (which is awaited first).
func (p *Promise) Finally(fn func() (any, error)) *Promise {
	onFulfilled := func(v any) (any, error) {
		r, err := fn()
		if err != nil {
			return nil, err
		}
		if th, ok := r.(Thenable); ok {
			return th.asPromise().Then(func(any) (any, error) { return v, nil }, nil), nil
		}
		return v, nil
	}
	onRejected := func(e error) (any, error) {
		r, err := fn()
		if err != nil {
			return nil, err
		}
		if th, ok := r.(Thenable); ok {
			return th.asPromise().Then(func(any) (any, error) { return nil, e }, nil), nil
		}
		return nil, e
	}
	return p.addCallback(onFulfilled, onRejected, "finally()")
}

// Cancel rejects a pending promise with a CancellationError wrapping
// reason. If the promise is a task's result, the task is removed from its
// frame without running, and sub-tasks it spawned are cancelled too.
// Cancelling a settled promise is a no-op.
func (p *Promise) Cancel(reason any) {
	if !p.IsPending() {
		return
	}
	cerr := newCancellationError(reason)
	if p.task != nil {
		p.task.cancelWith(cerr, false)
		return
	}
	if p.blockedOn != nil {
		blocked := p.blockedOn
		p.blockedOn = nil
		blocked.Cancel(cerr)
	}
	p.reject(cerr)
}

// markHandled flags the promise as observed and wakes a queue that may be
// blocked on its rejection.
func (p *Promise) markHandled() {
	p.handled = true
	if p.task != nil && p.task.queue != nil {
		p.task.queue.schedulePump()
	}
}

func (p *Promise) addCallback(onFulfilled Callback, onRejected ErrCallback, desc string) *Promise {
	p.markHandled()

	if p.flow == nil {
		child := &Promise{loop: p.loop}
		run := func() {
			v, err := runHandler(p, onFulfilled, onRejected)
			child.resolve(v, err)
		}
		p.onSettled(func() { p.loop.RunSoon(run) })
		return child
	}

	t := p.flow.newCallbackTask(p, onFulfilled, onRejected, desc)
	return t.promise
}

// onSettled registers an internal settlement notification, firing
// immediately if the promise already settled.
func (p *Promise) onSettled(fn func()) {
	if p.state == Fulfilled || p.state == Rejected {
		fn()
		return
	}
	p.waiters = append(p.waiters, fn)
}

func (p *Promise) fulfill(v any) { p.resolve(v, nil) }

func (p *Promise) reject(err error) { p.resolve(nil, err) }

// resolve settles the promise, or blocks it on another promise when v is a
// Thenable. Settled promises ignore further resolutions.
func (p *Promise) resolve(v any, err error) {
	if p.state == Fulfilled || p.state == Rejected {
		return
	}
	if err != nil {
		p.settle(Rejected, nil, err)
		return
	}
	if th, ok := v.(Thenable); ok {
		q := th.asPromise()
		if p.isCycle(q) {
			p.settle(Rejected, nil, ErrCycle)
			return
		}
		p.state = Blocked
		p.blockedOn = q
		q.markHandled()
		q.onSettled(func() {
			if p.blockedOn != q {
				return
			}
			p.blockedOn = nil
			p.settle(q.state, q.value, q.err)
		})
		return
	}
	p.settle(Fulfilled, v, nil)
}

// isCycle reports whether settling p with q would make p wait on itself.
func (p *Promise) isCycle(q *Promise) bool {
	for cur := q; cur != nil; cur = cur.blockedOn {
		if cur == p {
			return true
		}
	}
	return false
}

func (p *Promise) settle(s State, v any, err error) {
	if p.state == Fulfilled || p.state == Rejected {
		return
	}
	p.state = s
	p.value = v
	p.err = err
	if s == Rejected && !p.handled {
		p.trackRejection()
	}
	ws := p.waiters
	p.waiters = nil
	for _, w := range ws {
		w()
	}
}

func (p *Promise) trackRejection() {
	if p.flow != nil {
		p.flow.tracker.track(p)
		return
	}
	unmanagedTracker(p.loop).track(p)
}

func runHandler(parent *Promise, onFulfilled Callback, onRejected ErrCallback) (any, error) {
	if parent.state == Fulfilled {
		if onFulfilled == nil {
			return parent.value, nil
		}
		return invokeSafe(func() (any, error) { return onFulfilled(parent.value) })
	}
	if onRejected == nil {
		return nil, parent.err
	}
	return invokeSafe(func() (any, error) { return onRejected(parent.err) })
}

// invokeSafe runs fn and converts a panic into a rejection reason.
func invokeSafe(fn func() (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn()
}

// Deferred pairs a promise with its one-shot resolver functions. A second
// call to Fulfill or Reject is a silent no-op.
type Deferred struct {
	promise  *Promise
	resolved bool
}

func (d *Deferred) asPromise() *Promise { return d.promise }

// Promise returns the deferred's promise.
func (d *Deferred) Promise() *Promise { return d.promise }

// Fulfill resolves the promise with v, assimilating it when it is itself a
// promise.
func (d *Deferred) Fulfill(v any) {
	if d.resolved {
		return
	}
	d.resolved = true
	d.promise.resolve(v, nil)
}

// Reject rejects the promise with err.
func (d *Deferred) Reject(err error) {
	if d.resolved {
		return
	}
	d.resolved = true
	d.promise.reject(err)
}

// UnmanagedDeferred returns a deferred whose promise has no owning control
// flow: its handlers run as raw microtasks on loop and its rejection
// reasons are never decorated.
func UnmanagedDeferred(loop *eventloop.Loop) *Deferred {
	if loop == nil {
		panic("promise: UnmanagedDeferred requires an event loop")
	}
	return &Deferred{promise: &Promise{loop: loop}}
}
