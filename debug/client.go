package debug

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/actmd/selenium/log"
)

// The inspector channel carries typed JSON frames in both directions. The
// op field selects which other fields are meaningful.
//
//	server -> client  {"op":"set","breakpoints":[{"task":"navigate"}]}
//	server -> client  {"op":"continue"}
//	client -> server  {"op":"paused","task":"navigate to login","breakpoint":"navigate"}
type message struct {
	Op          string       `json:"op"`
	Breakpoints []Breakpoint `json:"breakpoints,omitempty"`
	Task        string       `json:"task,omitempty"`
	Breakpoint  string       `json:"breakpoint,omitempty"`
}

const (
	opSet      = "set"
	opContinue = "continue"
	opPaused   = "paused"
)

const (
	dialAttempts = 3
	dialBackoff  = 250 * time.Millisecond
)

// inspectorConn is the scheduler's side of the inspector channel.
type inspectorConn struct {
	sock   *websocket.Conn
	logger *log.Logger
}

// dialInspector connects to the inspector server, retrying briefly when the
// server is not up yet (the inspector is usually started alongside the
// flow, so losing that race is common).
func dialInspector(ctx context.Context, rawURL string, logger *log.Logger) (*inspectorConn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("debug: inspector URL %q: %w", rawURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("debug: inspector URL %q: scheme must be ws or wss", rawURL)
	}

	var sock *websocket.Conn
	for attempt := 1; ; attempt++ {
		sock, _, err = websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			break
		}
		if attempt >= dialAttempts || !strings.Contains(err.Error(), "connection refused") {
			return nil, fmt.Errorf("debug: connecting to inspector at %q: %w", rawURL, err)
		}
		logger.Debugf("debug", "inspector not up yet (attempt %d), retrying", attempt)
		time.Sleep(dialBackoff)
	}

	return &inspectorConn{sock: sock, logger: logger}, nil
}

// serve applies inspector frames to the registry until the channel closes.
func (ic *inspectorConn) serve(r *Registry) {
	for {
		var msg message
		if err := ic.sock.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				ic.logger.Errorf("debug", "inspector channel read: %v", err)
			}
			return
		}

		switch msg.Op {
		case opSet:
			ic.logger.Debugf("debug", "inspector set %d breakpoint(s)", len(msg.Breakpoints))
			r.update(msg.Breakpoints)
		case opContinue:
			r.resume()
		default:
			ic.logger.Warnf("debug", "inspector sent unknown op %q, ignoring", msg.Op)
		}
	}
}

// notifyPaused tells the server which task the scheduler stopped in front
// of, and which breakpoint it hit.
func (ic *inspectorConn) notifyPaused(b Breakpoint, desc string) error {
	if err := ic.sock.WriteJSON(message{Op: opPaused, Task: desc, Breakpoint: b.Task}); err != nil {
		return fmt.Errorf("debug: reporting pause for task %q: %w", desc, err)
	}
	return nil
}

// shutdown closes the channel politely; the close frame is best effort.
func (ic *inspectorConn) shutdown() error {
	deadline := time.Now().Add(time.Second)
	_ = ic.sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	if err := ic.sock.Close(); err != nil {
		return fmt.Errorf("debug: closing inspector channel: %w", err)
	}
	return nil
}
