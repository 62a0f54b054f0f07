package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketOptions configures a WebSocketTransport.
type WebSocketOptions struct {
	PingInterval time.Duration // 0 disables pings
	PongTimeout  time.Duration // Read deadline extended by every pong; 0 disables it
	Logger       zerolog.Logger
}

// DefaultWebSocketOptions returns the options used by the daemon.
func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		PingInterval: 30 * time.Second,
		PongTimeout:  90 * time.Second,
		Logger:       zerolog.Nop(),
	}
}

// WebSocketTransport carries one frame per WebSocket message. Plain (JSON) frames travel
// as text messages, compact frames as binary messages.
type WebSocketTransport struct {
	callbacks
	conn    *websocket.Conn
	opts    WebSocketOptions
	logger  zerolog.Logger
	sending sync.Mutex // gorilla allows one concurrent writer
	done    chan struct{}
	stop    sync.Once
}

// NewWebSocketTransport wraps an established connection and starts the ping loop.
func NewWebSocketTransport(conn *websocket.Conn, opts WebSocketOptions) *WebSocketTransport {
	t := &WebSocketTransport{
		conn: conn,
		opts: opts,
		logger: opts.Logger.With().
			Str("component", "websocket_transport").
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
		done: make(chan struct{}),
	}
	if opts.PongTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		})
	}
	if opts.PingInterval > 0 {
		go t.pingLoop(opts.PingInterval)
	}
	return t
}

// DialWebSocket connects to a WebSocket endpoint such as ws://host:port/rpc.
func DialWebSocket(ctx context.Context, url string, opts WebSocketOptions) (*WebSocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketTransport(conn, opts), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// UpgradeWebSocket upgrades an HTTP request to a WebSocketTransport.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request, opts WebSocketOptions) (*WebSocketTransport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketTransport(conn, opts), nil
}

func (t *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrClosed
	}

	kind := websocket.BinaryMessage
	if len(frame) > 0 && frame[0] == '{' {
		kind = websocket.TextMessage
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	deadline, _ := ctx.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(kind, frame)
}

func (t *WebSocketTransport) OnMessage(fn func([]byte)) {
	if t.setMessage(fn) {
		go t.recvLoop()
	}
}

func (t *WebSocketTransport) OnClose(fn func(error)) {
	t.setClose(fn)
}

func (t *WebSocketTransport) recvLoop() {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			t.fail(err)
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if fn := t.message(); fn != nil {
			fn(data)
		}
	}
}

func (t *WebSocketTransport) fail(err error) {
	if t.isClosed() {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
		err = ErrPeerClosed
	} else {
		t.logger.Warn().Err(err).Msg("websocket broken")
		err = fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	_ = t.shutdown()
	t.finish(err)
}

func (t *WebSocketTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				return
			}
		}
	}
}

func (t *WebSocketTransport) shutdown() error {
	var err error
	t.stop.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// Close sends a normal-closure control frame, best effort, and closes the connection.
func (t *WebSocketTransport) Close() error {
	if t.isClosed() {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if !t.finish(nil) {
		return nil
	}
	return t.shutdown()
}
