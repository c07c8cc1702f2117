package scripting_test

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actmd/selenium/eventloop"
	"github.com/actmd/selenium/promise"
	"github.com/actmd/selenium/scripting"
)

func newScriptedFlow(t *testing.T) (*eventloop.Loop, *goja.Runtime, *[]string) {
	t.Helper()

	loop := eventloop.New()
	loop.SetUncaughtHandler(func(err error) { t.Errorf("uncaught: %v", err) })
	flow := promise.NewControlFlow(loop)

	rt := goja.New()
	var order []string
	require.NoError(t, rt.Set("record", func(s string) { order = append(order, s) }))
	require.NoError(t, scripting.Enable(rt, flow, ""))

	return loop, rt, &order
}

func TestScriptTasksSerialize(t *testing.T) {
	loop, rt, order := newScriptedFlow(t)

	loop.Run(func() {
		_, err := rt.RunString(`
			controlflow.execute(function() { record("a"); }, "a");
			controlflow.execute(function() { record("b"); }, "b");
			controlflow.execute(function() { record("c"); }, "c");
		`)
		require.NoError(t, err)
	})

	assert.Equal(t, []string{"a", "b", "c"}, *order)
}

func TestScriptCallbacksRunBeforeLaterSiblings(t *testing.T) {
	loop, rt, order := newScriptedFlow(t)

	loop.Run(func() {
		_, err := rt.RunString(`
			controlflow.execute(function() { record("a"); }, "a").then(function() {
				controlflow.execute(function() { record("c"); }, "c");
			});
			controlflow.execute(function() { record("b"); }, "b");
		`)
		require.NoError(t, err)
	})

	assert.Equal(t, []string{"a", "c", "b"}, *order)
}

func TestScriptValuesFlowThroughThen(t *testing.T) {
	loop, rt, order := newScriptedFlow(t)

	loop.Run(func() {
		_, err := rt.RunString(`
			controlflow.execute(function() { return 42; }, "answer").then(function(v) {
				record("got:" + v);
			});
		`)
		require.NoError(t, err)
	})

	assert.Equal(t, []string{"got:42"}, *order)
}

func TestScriptErrorsReachCatch(t *testing.T) {
	loop, rt, order := newScriptedFlow(t)

	loop.Run(func() {
		_, err := rt.RunString(`
			controlflow.execute(function() { throw new Error("boom"); }, "failing").catch(function(e) {
				record("caught");
			});
		`)
		require.NoError(t, err)
	})

	assert.Equal(t, []string{"caught"}, *order)
}

func TestScriptWaitPollsCondition(t *testing.T) {
	loop, rt, order := newScriptedFlow(t)

	loop.Run(func() {
		_, err := rt.RunString(`
			var calls = 0;
			controlflow.wait(function() {
				calls++;
				record("poll");
				return calls >= 3;
			}, 1000, "three polls");
			controlflow.execute(function() { record("post"); }, "post");
		`)
		require.NoError(t, err)
	})

	assert.Equal(t, []string{"poll", "poll", "poll", "post"}, *order)
}

func TestScriptSleepDelaysChain(t *testing.T) {
	loop, rt, order := newScriptedFlow(t)

	loop.Run(func() {
		_, err := rt.RunString(`
			controlflow.sleep(10).then(function() { record("awake"); });
		`)
		require.NoError(t, err)
	})

	assert.Equal(t, []string{"awake"}, *order)
}

func TestScriptCancelSkipsTask(t *testing.T) {
	loop, rt, order := newScriptedFlow(t)

	loop.Run(func() {
		_, err := rt.RunString(`
			var p = controlflow.execute(function() { record("a"); }, "a");
			p.cancel("nope");
			p.catch(function(e) { record("cancelled"); });
			controlflow.execute(function() { record("b"); }, "b");
		`)
		require.NoError(t, err)
	})

	assert.Equal(t, []string{"cancelled", "b"}, *order)
}
