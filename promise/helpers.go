package promise

import (
	"sort"
	"time"
)

// Defer returns a new deferred owned by the flow.
func (f *ControlFlow) Defer() *Deferred {
	return &Deferred{promise: &Promise{flow: f, loop: f.loop}}
}

// Fulfilled returns a promise owned by the flow, resolved with v. When v
// is itself a promise it is assimilated.
func (f *ControlFlow) Fulfilled(v any) *Promise {
	d := f.Defer()
	d.Fulfill(v)
	return d.promise
}

// Rejected returns a promise owned by the flow, rejected with err. Like
// any rejection, it is reported as uncaught unless a handler is attached
// within one microtask turn.
func (f *ControlFlow) Rejected(err error) *Promise {
	d := f.Defer()
	d.Reject(err)
	return d.promise
}

// Delayed returns a promise that fulfills after d. Loop goroutine only.
func (f *ControlFlow) Delayed(d time.Duration) *Promise {
	def := f.Defer()
	f.loop.SetTimeout(func() { def.Fulfill(nil) }, d)
	return def.promise
}

// FullyResolved deeply awaits every promise nested in v ([]any slices and
// map[string]any maps are traversed; other values pass through). Any
// nested rejection rejects the whole result.
func (f *ControlFlow) FullyResolved(v any) *Promise {
	// deepResolve reaches nested promises one at a time; flag them all as
	// handled now so a nested rejection is not reported as uncaught meanwhile.
	var mark func(any)
	mark = func(v any) {
		switch c := v.(type) {
		case Thenable:
			c.asPromise().markHandled()
		case []any:
			for _, e := range c {
				mark(e)
			}
		case map[string]any:
			for _, e := range c {
				mark(e)
			}
		}
	}
	mark(v)
	return f.deepResolve(v)
}

func (f *ControlFlow) deepResolve(v any) *Promise {
	if th, ok := v.(Thenable); ok {
		return th.asPromise().Then(func(inner any) (any, error) {
			return f.deepResolve(inner), nil
		}, nil)
	}

	switch c := v.(type) {
	case []any:
		out := make([]any, len(c))
		p := f.Fulfilled(nil)
		for i := range c {
			i := i
			p = p.Then(func(any) (any, error) {
				return f.deepResolve(c[i]).Then(func(ev any) (any, error) {
					out[i] = ev
					return nil, nil
				}, nil), nil
			}, nil)
		}
		return p.Then(func(any) (any, error) { return out, nil }, nil)
	case map[string]any:
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(c))
		p := f.Fulfilled(nil)
		for _, k := range keys {
			k := k
			p = p.Then(func(any) (any, error) {
				return f.deepResolve(c[k]).Then(func(ev any) (any, error) {
					out[k] = ev
					return nil, nil
				}, nil), nil
			}, nil)
		}
		return p.Then(func(any) (any, error) { return out, nil }, nil)
	default:
		return f.Fulfilled(v)
	}
}

// The package-level factories capture the active control flow, the way the
// scheduler itself binds one around every task body and CreateFlow binds
// one around its constructor callback. They panic when none is active.

// Defer returns a deferred owned by the active flow.
func Defer() *Deferred { return mustActive("Defer").Defer() }

// Resolve returns a promise owned by the active flow, resolved with v.
func Resolve(v any) *Promise { return mustActive("Resolve").Fulfilled(v) }

// Reject returns a promise owned by the active flow, rejected with err.
func Reject(err error) *Promise { return mustActive("Reject").Rejected(err) }

// Delayed returns a promise of the active flow that fulfills after d.
func Delayed(d time.Duration) *Promise { return mustActive("Delayed").Delayed(d) }

// FullyResolved deeply resolves v on the active flow.
func FullyResolved(v any) *Promise { return mustActive("FullyResolved").FullyResolved(v) }
