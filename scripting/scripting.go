// Package scripting exposes a control flow to JavaScript, so a script can
// enqueue commands in synchronous style and have them serialized by the
// scheduler. The runtime must only be driven from the flow's loop
// goroutine.
package scripting

import (
	"time"

	"github.com/dop251/goja"

	"github.com/actmd/selenium/promise"
)

// mapping is a JS object as understood by goja: keys to values or
// callables.
type mapping = map[string]any

// promiseKey carries the underlying *promise.Promise inside a mapped
// promise object so values returned from script callbacks assimilate.
const promiseKey = "__flowPromise"

// Enable binds the flow into rt under the given global name ("controlflow"
// when empty).
func Enable(rt *goja.Runtime, flow *promise.ControlFlow, name string) error {
	if name == "" {
		name = "controlflow"
	}
	return rt.Set(name, mapFlow(rt, flow))
}

// mapFlow maps the flow operations to the JS module.
func mapFlow(rt *goja.Runtime, flow *promise.ControlFlow) mapping {
	return mapping{
		"execute": func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				panic(rt.NewTypeError("execute requires a function"))
			}
			desc := ""
			if len(call.Arguments) > 1 {
				desc = call.Argument(1).String()
			}
			p := flow.Execute(wrapCallable(rt, fn), desc)
			return rt.ToValue(mapPromise(rt, flow, p))
		},
		"wait": func(call goja.FunctionCall) goja.Value {
			var cond any
			arg := call.Argument(0)
			if fn, ok := goja.AssertFunction(arg); ok {
				cond = promise.TaskFunc(wrapCallable(rt, fn))
			} else if p := exportPromise(arg); p != nil {
				cond = p
			} else {
				panic(rt.NewTypeError("wait requires a function or promise condition"))
			}
			timeout := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
			desc := ""
			if len(call.Arguments) > 2 {
				desc = call.Argument(2).String()
			}
			return rt.ToValue(mapPromise(rt, flow, flow.Wait(cond, timeout, desc)))
		},
		"sleep": func(call goja.FunctionCall) goja.Value {
			d := time.Duration(call.Argument(0).ToInteger()) * time.Millisecond
			return rt.ToValue(mapPromise(rt, flow, flow.Delayed(d)))
		},
		"reset": func(goja.FunctionCall) goja.Value {
			flow.Reset()
			return goja.Undefined()
		},
	}
}

// mapPromise maps a flow promise to the JS module.
func mapPromise(rt *goja.Runtime, flow *promise.ControlFlow, p *promise.Promise) mapping {
	return mapping{
		promiseKey: p,
		"then": func(call goja.FunctionCall) goja.Value {
			onFulfilled := wrapHandler(rt, call.Argument(0))
			onRejected := wrapErrHandler(rt, call.Argument(1))
			return rt.ToValue(mapPromise(rt, flow, p.Then(onFulfilled, onRejected)))
		},
		"catch": func(call goja.FunctionCall) goja.Value {
			onRejected := wrapErrHandler(rt, call.Argument(0))
			return rt.ToValue(mapPromise(rt, flow, p.Catch(onRejected)))
		},
		"cancel": func(call goja.FunctionCall) goja.Value {
			var reason any
			if len(call.Arguments) > 0 {
				reason = call.Argument(0).Export()
			}
			p.Cancel(reason)
			return goja.Undefined()
		},
		"isPending": func(goja.FunctionCall) goja.Value {
			return rt.ToValue(p.IsPending())
		},
	}
}

// wrapCallable turns a JS function into a task body.
func wrapCallable(rt *goja.Runtime, fn goja.Callable) promise.TaskFunc {
	return func() (any, error) {
		v, err := fn(goja.Undefined())
		if err != nil {
			return nil, err
		}
		return exportResult(v), nil
	}
}

func wrapHandler(rt *goja.Runtime, v goja.Value) promise.Callback {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return func(value any) (any, error) {
		r, err := fn(goja.Undefined(), rt.ToValue(value))
		if err != nil {
			return nil, err
		}
		return exportResult(r), nil
	}
}

func wrapErrHandler(rt *goja.Runtime, v goja.Value) promise.ErrCallback {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return func(err error) (any, error) {
		r, cerr := fn(goja.Undefined(), rt.ToValue(err.Error()))
		if cerr != nil {
			return nil, cerr
		}
		return exportResult(r), nil
	}
}

// exportResult converts a script return value for the scheduler,
// unwrapping mapped promise objects so they assimilate.
func exportResult(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if p := exportPromise(v); p != nil {
		return p
	}
	return v.Export()
}

// exportPromise recovers the flow promise carried by a mapped promise
// object, or nil.
func exportPromise(v goja.Value) *promise.Promise {
	if v == nil {
		return nil
	}
	m, ok := v.Export().(map[string]any)
	if !ok {
		return nil
	}
	p, _ := m[promiseKey].(*promise.Promise)
	return p
}
