package promise

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/actmd/selenium/eventloop"
)

// Wait schedules a task that polls cond until it yields a truthy value or
// timeout elapses. cond is either a function (polled on a 0-delay timer,
// each poll in its own sub-frame, sub-tasks drained between polls) or a
// promise (a single wait). A non-positive timeout waits forever. A
// condition error or rejection rejects the wait immediately; a timeout
// rejects it with a message prefixed by desc. An unsupported condition
// type panics.
func (f *ControlFlow) Wait(cond any, timeout time.Duration, desc string) *Promise {
	var pollFn TaskFunc
	var condPromise *Promise
	switch c := cond.(type) {
	case TaskFunc:
		pollFn = c
	case func() (any, error):
		pollFn = c
	case Thenable:
		condPromise = c.asPromise()
	default:
		panic(fmt.Sprintf("promise: Wait requires a function or promise condition, got %T", cond))
	}

	taskDesc := desc
	if taskDesc == "" {
		taskDesc = "<anonymous wait>"
	}

	return f.Execute(func() (any, error) {
		d := f.Defer()
		waitFrame := f.activeFrame
		start := time.Now()

		var timeoutTimer, pollTimer *eventloop.Timer
		d.promise.onSettled(func() {
			if timeoutTimer != nil {
				timeoutTimer.Stop()
			}
			if pollTimer != nil {
				pollTimer.Stop()
			}
		})

		if condPromise != nil {
			condPromise.markHandled()
			condPromise.onSettled(func() {
				if condPromise.state == Fulfilled {
					d.Fulfill(condPromise.value)
				} else {
					d.Reject(condPromise.err)
				}
			})
		} else {
			var poll func()
			poll = func() {
				t := &task{flow: f, fn: pollFn, desc: taskDesc, site: captureSite(taskDesc)}
				t.promise = &Promise{flow: f, loop: f.loop, task: t, handled: true}
				f.schedule(t, waitFrame)
				t.promise.onSettled(func() {
					switch {
					case t.promise.state == Rejected:
						d.Reject(t.promise.err)
					case isTruthy(t.promise.value):
						d.Fulfill(t.promise.value)
					case timeout > 0 && time.Since(start) >= timeout:
						d.Reject(waitTimeoutError(desc, time.Since(start)))
					default:
						pollTimer = f.loop.SetTimeout(poll, 0)
					}
				})
			}
			poll()
		}

		if timeout > 0 {
			timeoutTimer = f.loop.SetTimeout(func() {
				if d.promise.IsPending() {
					d.Reject(waitTimeoutError(desc, time.Since(start)))
				}
			}, timeout)
		}
		return d.promise, nil
	}, taskDesc)
}

func waitTimeoutError(desc string, elapsed time.Duration) error {
	msg := fmt.Sprintf("Wait timed out after %dms", elapsed.Milliseconds())
	if desc != "" {
		msg = desc + "\n" + msg
	}
	return errors.New(msg)
}

// isTruthy follows JavaScript truthiness: nil, false, zero numbers, and
// empty strings are falsey; everything else is truthy.
func isTruthy(v any) bool {
	switch c := v.(type) {
	case nil:
		return false
	case bool:
		return c
	case string:
		return c != ""
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return !reflect.ValueOf(c).IsZero()
	default:
		return true
	}
}
