package debug

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actmd/selenium/log"
)

func newInspectorTest(
	t *testing.T, serverHandler func(conn *websocket.Conn),
) (*inspectorConn, *Registry) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var upgrader websocket.Upgrader
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() {
			if err := conn.Close(); err != nil {
				t.Logf("closing server side of inspector channel: %v", err)
			}
		}()
		serverHandler(conn)
	}))

	conn, err := dialInspector(context.Background(), "ws://"+srv.Listener.Addr().String(), log.NullLogger())
	require.NoError(t, err)

	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		if err := conn.shutdown(); err != nil {
			t.Logf("shutting down inspector channel: %v", err)
		}
	})

	return conn, NewRegistry(log.NullLogger())
}

func TestInspectorSetAndContinueFrames(t *testing.T) {
	handlerDone := make(chan struct{})
	conn, registry := newInspectorTest(t, func(conn *websocket.Conn) {
		defer close(handlerDone)
		require.NoError(t, conn.WriteJSON(message{
			Op:          opSet,
			Breakpoints: []Breakpoint{{Task: "navigate"}, {Task: "click"}},
		}))
		// A continue with nothing paused must be dropped, not deadlock the
		// reader.
		require.NoError(t, conn.WriteJSON(message{Op: opContinue}))
	})
	go conn.serve(registry)

	select {
	case <-handlerDone:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for the server handler")
	}
	assert.Eventually(t, func() bool {
		_, ok := registry.matches("navigate to login")
		return ok
	}, time.Second, 5*time.Millisecond)
	b, ok := registry.matches("click submit")
	require.True(t, ok)
	assert.Equal(t, "click", b.Task)
}

func TestInspectorUnknownOpIsIgnored(t *testing.T) {
	handlerDone := make(chan struct{})
	conn, registry := newInspectorTest(t, func(conn *websocket.Conn) {
		defer close(handlerDone)
		require.NoError(t, conn.WriteJSON(message{Op: "step-into"}))
		require.NoError(t, conn.WriteJSON(message{
			Op:          opSet,
			Breakpoints: []Breakpoint{{Task: "navigate"}},
		}))
	})
	go conn.serve(registry)

	select {
	case <-handlerDone:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for the server handler")
	}
	assert.Eventually(t, func() bool {
		_, ok := registry.matches("navigate home")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestNotifyPausedFrameShape(t *testing.T) {
	received := make(chan message, 1)
	conn, _ := newInspectorTest(t, func(conn *websocket.Conn) {
		var msg message
		require.NoError(t, conn.ReadJSON(&msg))
		received <- msg
	})

	require.NoError(t, conn.notifyPaused(Breakpoint{Task: "navigate"}, "navigate to login"))

	select {
	case msg := <-received:
		assert.Equal(t, opPaused, msg.Op)
		assert.Equal(t, "navigate", msg.Breakpoint)
		assert.Equal(t, "navigate to login", msg.Task)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for the paused frame")
	}
}

func TestDialInspectorRejectsNonWebsocketURL(t *testing.T) {
	_, err := dialInspector(context.Background(), "http://localhost:9", log.NullLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme must be ws or wss")
}
