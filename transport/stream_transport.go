package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bx-d/peer-rpc/protocol"
)

// StreamOptions configures a StreamTransport.
type StreamOptions struct {
	HeartbeatInterval time.Duration // Period of heartbeat frames; 0 disables them
	IdleTimeout       time.Duration // Close when nothing arrives for this long; 0 disables it
	Logger            zerolog.Logger
}

// DefaultStreamOptions returns the options used by the daemon.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       90 * time.Second,
		Logger:            zerolog.Nop(),
	}
}

// StreamTransport carries frames over a byte stream (TCP, unix socket) using the
// length-prefixed framing of package protocol.
//
//	Send ──sending lock──→ [hdr|frame] ──→ conn ──→ recvLoop ──→ OnMessage
//	heartbeatLoop ──sending lock──→ [hdr] (every HeartbeatInterval)
type StreamTransport struct {
	callbacks
	conn    net.Conn
	opts    StreamOptions
	logger  zerolog.Logger
	sending sync.Mutex    // Writes must be serialized, otherwise frames interleave
	done    chan struct{} // Closed on shutdown, stops the heartbeat loop
	stop    sync.Once
}

// NewStreamTransport wraps conn and starts the heartbeat loop. The receive loop starts on
// the first OnMessage call.
func NewStreamTransport(conn net.Conn, opts StreamOptions) *StreamTransport {
	t := &StreamTransport{
		conn: conn,
		opts: opts,
		logger: opts.Logger.With().
			Str("component", "stream_transport").
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
		done: make(chan struct{}),
	}
	if opts.HeartbeatInterval > 0 {
		go t.heartbeatLoop(opts.HeartbeatInterval)
	}
	return t
}

// DialStream connects to a stream listener.
func DialStream(ctx context.Context, network, addr string, opts StreamOptions) (*StreamTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, addr, err)
	}
	return NewStreamTransport(conn, opts), nil
}

// Conn returns the underlying connection.
func (t *StreamTransport) Conn() net.Conn {
	return t.conn
}

func (t *StreamTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrClosed
	}
	return t.write(ctx, protocol.MsgTypeData, frame)
}

func (t *StreamTransport) write(ctx context.Context, mt protocol.MsgType, body []byte) error {
	t.sending.Lock()
	defer t.sending.Unlock()

	deadline, _ := ctx.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	header := &protocol.Header{MsgType: mt, BodyLen: uint32(len(body))}
	return protocol.Encode(t.conn, header, body)
}

func (t *StreamTransport) OnMessage(fn func([]byte)) {
	if t.setMessage(fn) {
		go t.recvLoop()
	}
}

func (t *StreamTransport) OnClose(fn func(error)) {
	t.setClose(fn)
}

// recvLoop is the only reader of the stream; frame boundaries depend on sequential reads.
func (t *StreamTransport) recvLoop() {
	for {
		if t.opts.IdleTimeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.IdleTimeout))
		}
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeClose:
			t.logger.Debug().Msg("remote closed the stream")
			t.fail(ErrPeerClosed)
			return
		default:
			if fn := t.message(); fn != nil {
				fn(body)
			}
		}
	}
}

func (t *StreamTransport) fail(err error) {
	if t.isClosed() {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = ErrPeerClosed
	} else if err != ErrPeerClosed {
		t.logger.Warn().Err(err).Msg("stream broken")
		err = fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	t.shutdown()
	t.finish(err)
}

func (t *StreamTransport) shutdown() error {
	var err error
	t.stop.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// heartbeatLoop keeps the remote's idle timer from expiring on a quiet connection.
func (t *StreamTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := t.write(ctx, protocol.MsgTypeHeartbeat, nil)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Close sends a close notice, best effort, and closes the connection.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = t.write(ctx, protocol.MsgTypeClose, nil)
	cancel()

	if !t.finish(nil) {
		return nil
	}
	return t.shutdown()
}
