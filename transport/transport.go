// Package transport moves opaque byte frames between two peers.
//
// A Transport is the only thing a peer connection knows about the channel underneath it:
//
//	PeerConnection ──Send(frame)──→ Transport ══ pipe / TCP / WebSocket ══ Transport ──OnMessage──→ remote
//
// Frames are delivered to the OnMessage callback serially, in arrival order, from a single
// receive goroutine. The receive loop starts when the first callback is registered so that
// no frame is dropped before the owner is ready for it. OnClose fires exactly once: with a
// nil error after a local Close, with a non-nil error when the remote side went away.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Send after the local side closed the transport.
	ErrClosed = errors.New("transport: closed")
	// ErrPeerClosed is reported when the remote side closed or dropped the channel.
	ErrPeerClosed = errors.New("transport: closed by peer")
)

// Transport is a bidirectional channel of discrete byte frames.
type Transport interface {
	// Send delivers one frame. It may block until the frame is handed to the channel.
	Send(ctx context.Context, frame []byte) error
	// OnMessage registers the inbound frame callback, replacing any previous one.
	OnMessage(fn func(frame []byte))
	// OnClose registers the closure callback. When the transport is already closed it is
	// invoked immediately with the closure error.
	OnClose(fn func(err error))
	// Close shuts the transport down. Calling it more than once is a no-op.
	Close() error
}

// callbacks is the callback bookkeeping shared by every transport implementation.
type callbacks struct {
	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func(error)
	started   bool
	closed    bool
	closeErr  error
}

// setMessage stores fn and reports whether the receive loop must be started now.
func (c *callbacks) setMessage(fn func([]byte)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
	if c.started || c.closed {
		return false
	}
	c.started = true
	return true
}

func (c *callbacks) setClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	closed, err := c.closed, c.closeErr
	c.mu.Unlock()
	if closed && fn != nil {
		fn(err)
	}
}

func (c *callbacks) message() func([]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.onMessage
}

func (c *callbacks) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// finish marks the transport closed and runs the close callback. Only the first call
// wins; it reports whether this call did.
func (c *callbacks) finish(err error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.closeErr = err
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	return true
}
