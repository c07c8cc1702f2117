package promise_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actmd/selenium/eventloop"
	"github.com/actmd/selenium/promise"
)

func TestSettlementIsIdempotent(t *testing.T) {
	loop, flow := newTestFlow(t)

	var d *promise.Deferred
	loop.Run(func() {
		d = flow.Defer()
		d.Fulfill(1)
		d.Fulfill(2)
		d.Reject(errors.New("late"))
	})

	assert.Equal(t, promise.Fulfilled, d.Promise().State())
	assert.Equal(t, 1, d.Promise().Value())
	assert.NoError(t, d.Promise().Err())
}

func TestThenChainsValues(t *testing.T) {
	loop, flow := newTestFlow(t)

	var got any
	loop.Run(func() {
		flow.Fulfilled(1).
			Then(func(v any) (any, error) { return v.(int) + 1, nil }, nil).
			Then(func(v any) (any, error) { return v.(int) * 10, nil }, nil).
			Then(func(v any) (any, error) {
				got = v
				return nil, nil
			}, nil)
	})

	assert.Equal(t, 20, got)
}

func TestThenHandlersFireInAttachmentOrder(t *testing.T) {
	loop, flow := newTestFlow(t)

	var order []int
	loop.Run(func() {
		p := flow.Fulfilled(nil)
		p.Then(func(any) (any, error) { order = append(order, 1); return nil, nil }, nil)
		p.Then(func(any) (any, error) { order = append(order, 2); return nil, nil }, nil)
		p.Then(func(any) (any, error) { order = append(order, 3); return nil, nil }, nil)
	})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestHandlerErrorRejectsDerivedPromise(t *testing.T) {
	loop, flow := newTestFlow(t)

	boom := errors.New("boom")
	var got error
	loop.Run(func() {
		flow.Fulfilled(nil).
			Then(func(any) (any, error) { return nil, boom }, nil).
			Catch(func(err error) (any, error) {
				got = err
				return nil, nil
			})
	})

	assert.ErrorIs(t, got, boom)
}

func TestHandlerPanicBecomesRejection(t *testing.T) {
	loop, flow := newTestFlow(t)

	boom := errors.New("boom")
	var got error
	loop.Run(func() {
		flow.Execute(func() (any, error) { panic(boom) }, "panicking").
			Catch(func(err error) (any, error) {
				got = err
				return nil, nil
			})
	})

	assert.ErrorIs(t, got, boom)
}

func TestRejectionSkipsFulfillmentHandlers(t *testing.T) {
	loop, flow := newTestFlow(t)

	boom := errors.New("boom")
	var got error
	ran := false
	loop.Run(func() {
		flow.Rejected(boom).
			Then(func(any) (any, error) { ran = true; return nil, nil }, nil).
			Catch(func(err error) (any, error) {
				got = err
				return nil, nil
			})
	})

	assert.False(t, ran, "fulfillment handler must not run for a rejection")
	assert.ErrorIs(t, got, boom)
}

func TestCatchRecoversChain(t *testing.T) {
	loop, flow := newTestFlow(t)

	var got any
	loop.Run(func() {
		flow.Rejected(errors.New("boom")).
			Catch(func(error) (any, error) { return "recovered", nil }).
			Then(func(v any) (any, error) {
				got = v
				return nil, nil
			}, nil)
	})

	assert.Equal(t, "recovered", got)
}

func TestFinallyRunsOnBothOutcomes(t *testing.T) {
	loop, flow := newTestFlow(t)

	runs := 0
	boom := errors.New("boom")
	var value any
	var got error
	loop.Run(func() {
		flow.Fulfilled("v").
			Finally(func() (any, error) { runs++; return nil, nil }).
			Then(func(v any) (any, error) { value = v; return nil, nil }, nil)
		flow.Rejected(boom).
			Finally(func() (any, error) { runs++; return nil, nil }).
			Catch(func(err error) (any, error) { got = err; return nil, nil })
	})

	assert.Equal(t, 2, runs)
	assert.Equal(t, "v", value, "finally must pass the value through")
	assert.ErrorIs(t, got, boom, "finally must pass the rejection through")
}

func TestAssimilationUnwrapsReturnedPromises(t *testing.T) {
	loop, flow := newTestFlow(t)

	var got any
	loop.Run(func() {
		flow.Execute(func() (any, error) {
			return flow.Execute(func() (any, error) { return 42, nil }, "inner"), nil
		}, "outer").Then(func(v any) (any, error) {
			got = v
			return nil, nil
		}, nil)
	})

	assert.Equal(t, 42, got)
}

func TestResolvingWithItselfRejectsWithCycleError(t *testing.T) {
	loop, flow := newTestFlow(t)

	var got error
	loop.Run(func() {
		d := flow.Defer()
		d.Promise().Catch(func(err error) (any, error) {
			got = err
			return nil, nil
		})
		d.Fulfill(d.Promise())
	})

	assert.ErrorIs(t, got, promise.ErrCycle)
}

func TestDeferredResolverIsOneShot(t *testing.T) {
	loop, flow := newTestFlow(t)

	var d *promise.Deferred
	loop.Run(func() {
		d = flow.Defer()
		d.Reject(errors.New("first"))
		d.Fulfill("second")
		d.Promise().Catch(func(error) (any, error) { return nil, nil })
	})

	assert.Equal(t, promise.Rejected, d.Promise().State())
	assert.EqualError(t, d.Promise().Err(), "first")
}

func TestIsPendingThroughLifecycle(t *testing.T) {
	loop, flow := newTestFlow(t)

	var before, after bool
	loop.Run(func() {
		d := flow.Defer()
		before = d.Promise().IsPending()
		d.Fulfill(nil)
		after = d.Promise().IsPending()
	})

	assert.True(t, before)
	assert.False(t, after)
}

func TestDelayedFulfillsAfterDelay(t *testing.T) {
	loop, flow := newTestFlow(t)

	start := time.Now()
	var elapsed time.Duration
	loop.Run(func() {
		flow.Delayed(20 * time.Millisecond).Then(func(any) (any, error) {
			elapsed = time.Since(start)
			return nil, nil
		}, nil)
	})

	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestFullyResolvedAwaitsNestedPromises(t *testing.T) {
	loop, flow := newTestFlow(t)

	var got any
	loop.Run(func() {
		flow.Execute(func() (any, error) {
			v := map[string]any{
				"a": flow.Fulfilled(1),
				"b": []any{flow.Fulfilled(2), 3},
				"c": "plain",
			}
			return flow.FullyResolved(v), nil
		}, "resolve").Then(func(v any) (any, error) {
			got = v
			return nil, nil
		}, nil)
	})

	require.IsType(t, map[string]any{}, got)
	m := got.(map[string]any)
	assert.Equal(t, 1, m["a"])
	assert.Equal(t, []any{2, 3}, m["b"])
	assert.Equal(t, "plain", m["c"])
}

func TestFullyResolvedRejectsOnNestedRejection(t *testing.T) {
	loop, flow := newTestFlow(t)

	boom := errors.New("boom")
	var got error
	loop.Run(func() {
		flow.Execute(func() (any, error) {
			return flow.FullyResolved([]any{flow.Fulfilled(1), flow.Rejected(boom)}), nil
		}, "resolve").Catch(func(err error) (any, error) {
			got = err
			return nil, nil
		})
	})

	assert.ErrorIs(t, got, boom)
}

func TestUnmanagedHandlersRunAsMicrotasks(t *testing.T) {
	loop := eventloop.New()
	loop.SetUncaughtHandler(func(err error) { t.Errorf("uncaught: %v", err) })

	var order []string
	loop.Run(func() {
		d := promise.UnmanagedDeferred(loop)
		d.Promise().Then(func(v any) (any, error) {
			order = append(order, "handler")
			return nil, nil
		}, nil)
		d.Fulfill(nil)
		loop.SetTimeout(func() { order = append(order, "timer") }, 0)
	})

	assert.Equal(t, []string{"handler", "timer"}, order)
}

func TestUnmanagedRejectionReasonIsNotDecorated(t *testing.T) {
	loop := eventloop.New()
	loop.SetUncaughtHandler(func(err error) { t.Errorf("uncaught: %v", err) })

	boom := errors.New("boom")
	var got error
	loop.Run(func() {
		d := promise.UnmanagedDeferred(loop)
		d.Promise().Catch(func(err error) (any, error) {
			got = err
			return nil, nil
		})
		d.Reject(boom)
	})

	assert.Same(t, boom, got, "unmanaged rejections must pass through unchanged")
}

func TestUnmanagedUnhandledRejectionReachesLoop(t *testing.T) {
	loop := eventloop.New()
	var uncaught error
	loop.SetUncaughtHandler(func(err error) { uncaught = err })

	boom := errors.New("boom")
	loop.Run(func() {
		promise.UnmanagedDeferred(loop).Reject(boom)
	})

	assert.ErrorIs(t, uncaught, boom)
}

func TestCancelSettledPromiseIsNoOp(t *testing.T) {
	loop, flow := newTestFlow(t)

	var d *promise.Deferred
	loop.Run(func() {
		d = flow.Defer()
		d.Fulfill("v")
		d.Promise().Cancel("too late")
	})

	assert.Equal(t, promise.Fulfilled, d.Promise().State())
	assert.Equal(t, "v", d.Promise().Value())
}

func TestCancelPendingDeferredRejects(t *testing.T) {
	loop, flow := newTestFlow(t)

	var got error
	loop.Run(func() {
		d := flow.Defer()
		d.Promise().Catch(func(err error) (any, error) {
			got = err
			return nil, nil
		})
		d.Promise().Cancel(errors.New("stop"))
	})

	var cerr *promise.CancellationError
	require.ErrorAs(t, got, &cerr)
	assert.Equal(t, "stop", cerr.Reason)
}
