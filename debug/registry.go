// Package debug lets a remote inspector pause the control flow between
// tasks. Breakpoints are task-description patterns managed over a
// websocket control channel; when a scheduled task matches one, the
// scheduler blocks before invoking the body until the inspector sends a
// continue.
package debug

import (
	"context"
	"strings"
	"sync"

	"github.com/actmd/selenium/env"
	"github.com/actmd/selenium/log"
)

// Breakpoint suspends the flow before any task whose description contains
// Task.
type Breakpoint struct {
	Task string `json:"task"`
}

// Registry holds the current breakpoints and the pause/continue handshake.
type Registry struct {
	logger *log.Logger

	muBreakpoints sync.RWMutex
	breakpoints   []Breakpoint

	// gate carries one channel per paused task; the inspector's continue
	// closes it and the scheduler goroutine moves on.
	gate chan chan struct{}
	conn *inspectorConn
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.NullLogger()
	}
	return &Registry{
		logger: logger,
		gate:   make(chan chan struct{}, 1),
	}
}

func (r *Registry) update(breakpoints []Breakpoint) {
	r.muBreakpoints.Lock()
	defer r.muBreakpoints.Unlock()

	r.breakpoints = breakpoints
}

func (r *Registry) matches(desc string) (Breakpoint, bool) {
	r.muBreakpoints.RLock()
	defer r.muBreakpoints.RUnlock()

	for _, b := range r.breakpoints {
		if b.Task != "" && strings.Contains(desc, b.Task) {
			return b, true
		}
	}
	return Breakpoint{}, false
}

// pause blocks the scheduler until the inspector continues it.
func (r *Registry) pause(b Breakpoint, desc string) error {
	// The gate is armed before the pause is reported, so a continue that
	// arrives right after the report finds the paused task.
	resumed := make(chan struct{})
	r.gate <- resumed
	if err := r.conn.notifyPaused(b, desc); err != nil {
		select {
		case <-r.gate:
		default:
		}
		return err
	}
	<-resumed

	return nil
}

// resume releases a paused scheduler. A continue with nothing paused is
// logged and dropped rather than blocking the channel reader.
func (r *Registry) resume() {
	select {
	case resumed := <-r.gate:
		close(resumed)
	default:
		r.logger.Warnf("debug", "inspector sent continue with nothing paused")
	}
}

// PauseIfMatches is the flow's before-task hook: it pauses the scheduler
// when desc matches a breakpoint. Without a connected inspector it is a
// no-op.
func (r *Registry) PauseIfMatches(desc string) {
	if r.conn == nil {
		return
	}

	b, ok := r.matches(desc)
	if !ok {
		return
	}

	r.logger.Infof("debug", "pausing before task %q", desc)
	if err := r.pause(b, desc); err != nil {
		r.logger.Errorf("debug", "failed to pause: %v", err)
	}
}

// Connect dials the inspector named by the environment and starts applying
// its frames. With no inspector configured it returns nil and the registry
// stays inert.
func (r *Registry) Connect(ctx context.Context, envLookup env.LookupFunc) error {
	rawURL, _ := envLookup(env.BreakpointServerURL)
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil
	}

	conn, err := dialInspector(ctx, rawURL, r.logger)
	if err != nil {
		return err
	}
	r.conn = conn
	go conn.serve(r)

	return nil
}

// Close shuts down the inspector channel, if one was connected.
func (r *Registry) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.shutdown()
}
