// Package sessiontest provides in-memory connections for tests.
package sessiontest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/markus-barta/fleetlink/internal/protocol"
)

// ErrBroken is returned by a connection set to fail.
var ErrBroken = errors.New("connection broken")

// Conn records frames sent to it.
type Conn struct {
	id string

	mu       sync.Mutex
	frames   []protocol.Frame
	failNext int
	failAll  bool
	closed   bool
	onSend   func(protocol.Frame)
}

// NewConn creates a connection with the given id.
func NewConn(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(_ context.Context, f protocol.Frame) error {
	c.mu.Lock()
	if c.closed || c.failAll {
		c.mu.Unlock()
		return ErrBroken
	}
	if c.failNext > 0 {
		c.failNext--
		c.mu.Unlock()
		return ErrBroken
	}
	c.frames = append(c.frames, f)
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FailNext makes the next n sends fail.
func (c *Conn) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
}

// FailAll makes every send fail.
func (c *Conn) FailAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAll = true
}

// OnSend installs a hook called after each successful send, outside the lock.
func (c *Conn) OnSend(fn func(protocol.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = fn
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns a copy of the frames sent so far.
func (c *Conn) Frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.frames...)
}

// Commands returns the command payloads sent so far, in order.
func (c *Conn) Commands() []protocol.CommandPayload {
	var out []protocol.CommandPayload
	for _, f := range c.Frames() {
		if f.Type != protocol.TypeCommand {
			continue
		}
		var p protocol.CommandPayload
		if err := f.ParsePayload(&p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// WaitFrames polls until at least n frames were sent or the timeout expires.
func (c *Conn) WaitFrames(n int, timeout time.Duration) []protocol.Frame {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		frames := c.Frames()
		if len(frames) >= n || time.Now().After(deadline) {
			return frames
		}
		<-ticker.C
	}
}
