// Package client implements the host side of a peer session: the end that waits for a
// peer's announcement and initializes it.
//
// Handshake, seen from the host:
//
//	peer ──imjoyRPCReady{peer_id, config, accept_encoding}──→ host   (plain)
//	peer ←──────initialize{peer_id, config, accept_encoding}── host   (plain)
//	peer ──setInterface{api, config}──────────────────────────→ host
//	peer ←──────interfaceSetAsRemote───────────────────────── host
//	peer ──initialized{accept_encoding}───────────────────────→ host   Handshake returns
//
// Every later message the host sends is addressed with the peer's announced peer_id and
// encoded in the richest encoding the peer accepts. Inbound messages naming another
// peer_id are dropped.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bx-d/peer-rpc/codec"
	"github.com/bx-d/peer-rpc/config"
	"github.com/bx-d/peer-rpc/connection"
	"github.com/bx-d/peer-rpc/emitter"
	"github.com/bx-d/peer-rpc/loadbalance"
	"github.com/bx-d/peer-rpc/message"
	"github.com/bx-d/peer-rpc/registry"
	"github.com/bx-d/peer-rpc/transport"
	"github.com/bx-d/peer-rpc/wire"
)

const DefaultHandshakeTimeout = 30 * time.Second

var (
	// ErrClosed is returned by operations on a client whose transport has gone away.
	ErrClosed = errors.New("client: closed")
	// ErrRemoteExecution wraps the error text of a failed remote execution.
	ErrRemoteExecution = errors.New("remote execution failed")
	// ErrForeignPeer marks inbound messages addressed to a peer other than the one that
	// announced itself.
	ErrForeignPeer = errors.New("client: message from foreign peer")
)

// Options configures a Client.
type Options struct {
	Config               config.Plugin // Sent to the peer in "initialize"
	Accept               []string      // Encodings we can decode; default codec.DefaultAccept()
	ChunkSize            int
	CompressionThreshold int
	HandshakeTimeout     time.Duration
	Logger               zerolog.Logger
}

// Client drives one peer connection from the host side.
type Client struct {
	tr     transport.Transport
	codec  *wire.Codec
	events *emitter.Emitter
	accept codec.EncodingSet
	opts   Options
	logger zerolog.Logger

	ctx    context.Context // Canceled when the transport closes
	cancel context.CancelFunc

	announced   chan struct{} // Closed on the peer's imjoyRPCReady
	initialized chan struct{} // Closed on the peer's initialized
	execMu      sync.Mutex    // "executed" carries no request id: one execution in flight

	mu           sync.Mutex
	remotePeerID string
	remoteConfig config.Plugin
	remote       codec.EncodingSet
	remoteAPI    map[string]any
	handshook    bool
	finished     bool
	err          error
}

// New wraps tr and starts receiving. Call Handshake before anything else.
func New(tr transport.Transport, opts Options) (*Client, error) {
	if tr == nil {
		return nil, errors.New("client: nil transport")
	}
	if len(opts.Accept) == 0 {
		opts.Accept = codec.DefaultAccept()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	logger := opts.Logger.With().Str("component", "client").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		tr:          tr,
		events:      emitter.New(logger),
		accept:      codec.NewEncodingSet(opts.Accept...),
		opts:        opts,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		announced:   make(chan struct{}),
		initialized: make(chan struct{}),
		remote:      codec.NewEncodingSet(),
	}
	c.codec = wire.New(wire.Options{
		ChunkSize:            opts.ChunkSize,
		CompressionThreshold: opts.CompressionThreshold,
		Filter:               c.checkPeer,
		Logger:               logger,
	})
	c.events.On(message.TypeSetInterface, c.handleSetInterface)

	tr.OnClose(c.handleClose)
	tr.OnMessage(c.handleFrame)

	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("client: transport already closed: %w", err)
	}
	return c, nil
}

// Dial connects to a peer listening on a stream network ("tcp", "unix") and completes the
// handshake.
func Dial(ctx context.Context, network, addr string, opts Options) (*Client, error) {
	streamOpts := transport.DefaultStreamOptions()
	streamOpts.Logger = opts.Logger
	tr, err := transport.DialStream(ctx, network, addr, streamOpts)
	if err != nil {
		return nil, err
	}
	return start(ctx, tr, opts)
}

// DialWebSocket connects to a peer's WebSocket endpoint and completes the handshake.
func DialWebSocket(ctx context.Context, url string, opts Options) (*Client, error) {
	wsOpts := transport.DefaultWebSocketOptions()
	wsOpts.Logger = opts.Logger
	tr, err := transport.DialWebSocket(ctx, url, wsOpts)
	if err != nil {
		return nil, err
	}
	return start(ctx, tr, opts)
}

// DialService discovers the instances of service, picks one with bal (keyed by the host
// plugin id) and connects to it.
func DialService(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, service string, opts Options) (*Client, error) {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	inst, err := bal.Pick(opts.Config.ID, instances)
	if err != nil {
		return nil, fmt.Errorf("pick %s: %w", service, err)
	}
	opts.Logger.Debug().
		Str("service", service).
		Str("addr", inst.Addr).
		Str("network", inst.Network).
		Str("balancer", bal.Name()).
		Msg("instance picked")

	switch inst.Network {
	case registry.NetworkWebSocket:
		return DialWebSocket(ctx, inst.Addr, opts)
	case registry.NetworkTCP, "":
		return Dial(ctx, registry.NetworkTCP, inst.Addr, opts)
	}
	return nil, fmt.Errorf("instance %s: unsupported network %q", inst.Addr, inst.Network)
}

func start(ctx context.Context, tr transport.Transport, opts Options) (*Client, error) {
	c, err := New(tr, opts)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	if err := c.Handshake(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Handshake waits for the peer's announcement, initializes it and waits until the peer
// reports its session is up.
func (c *Client) Handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	if err := c.wait(ctx, c.announced, message.TypeReady); err != nil {
		return err
	}

	msg := message.New(message.TypeInitialize)
	msg[message.KeyConfig] = c.opts.Config.Map()
	msg[message.KeyAcceptEncoding] = c.accept.Names()
	if err := c.send(ctx, msg, codec.NewEncodingSet()); err != nil {
		return fmt.Errorf("send initialize: %w", err)
	}

	if err := c.wait(ctx, c.initialized, message.TypeInitialized); err != nil {
		return err
	}
	c.logger.Info().
		Str("peer_id", c.PeerID()).
		Strs("accept_encoding", c.RemoteEncodings()).
		Msg("peer initialized")
	return nil
}

func (c *Client) wait(ctx context.Context, ch <-chan struct{}, typ string) error {
	select {
	case <-ch:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("waiting for %q: %w", typ, c.Err())
	case <-ctx.Done():
		return fmt.Errorf("waiting for %q: %w", typ, ctx.Err())
	}
}

// PeerID returns the peer id the remote announced, or "" before the announcement.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remotePeerID
}

// RemoteConfig returns the plugin config the remote announced.
func (c *Client) RemoteConfig() config.Plugin {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteConfig
}

// RemoteEncodings returns the encodings the remote can decode.
func (c *Client) RemoteEncodings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote.Names()
}

// RemoteAPI returns the interface last advertised by the remote with setInterface.
func (c *Client) RemoteAPI() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.remoteAPI))
	for k, v := range c.remoteAPI {
		out[k] = v
	}
	return out
}

// Err returns why the client ended, or nil while it is alive.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the transport closes.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) On(typ string, h emitter.Handler) *emitter.Subscription {
	return c.events.On(typ, h)
}

func (c *Client) Once(typ string, h emitter.Handler) *emitter.Subscription {
	return c.events.Once(typ, h)
}

func (c *Client) Off(typ string, sub *emitter.Subscription) {
	c.events.Off(typ, sub)
}

// Emit sends msg to the peer after the handshake.
func (c *Client) Emit(ctx context.Context, msg message.Message) error {
	c.mu.Lock()
	handshook, remote := c.handshook, c.remote
	c.mu.Unlock()
	if !handshook {
		return fmt.Errorf("client: emit %q before handshake", msg.Type())
	}
	return c.send(ctx, msg, remote)
}

func (c *Client) send(ctx context.Context, msg message.Message, remote codec.EncodingSet) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := c.Err(); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	out := msg.Clone()
	out[message.KeyPeerID] = c.PeerID()
	if c.opts.Config.ID != "" {
		out[message.KeyPluginID] = c.opts.Config.ID
	}

	frames, err := c.codec.Encode(out, remote)
	if err != nil {
		return fmt.Errorf("encode %q: %w", out.Type(), err)
	}
	for _, frame := range frames {
		if err := c.tr.Send(ctx, frame); err != nil {
			return fmt.Errorf("send %q: %w", out.Type(), err)
		}
	}
	return nil
}

// SetInterface advertises api to the peer and waits for its acknowledgement.
func (c *Client) SetInterface(ctx context.Context, api map[string]any) error {
	acked := make(chan struct{})
	sub := c.Once(message.TypeInterfaceSetAsRemote, func(context.Context, message.Message) error {
		close(acked)
		return nil
	})
	defer c.Off(message.TypeInterfaceSetAsRemote, sub)

	msg := message.New(message.TypeSetInterface)
	msg[message.KeyAPI] = api
	msg[message.KeyConfig] = c.opts.Config.Map()
	if err := c.Emit(ctx, msg); err != nil {
		return err
	}
	return c.wait(ctx, acked, message.TypeInterfaceSetAsRemote)
}

// Execute asks the peer to run task and waits for its "executed" reply. A failure reported
// by the peer is returned wrapped in ErrRemoteExecution.
func (c *Client) Execute(ctx context.Context, task connection.ExecuteTask) error {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	result := make(chan message.Message, 1)
	sub := c.Once(message.TypeExecuted, func(_ context.Context, msg message.Message) error {
		result <- msg
		return nil
	})
	defer c.Off(message.TypeExecuted, sub)

	if err := c.Emit(ctx, task.Message()); err != nil {
		return err
	}

	select {
	case msg := <-result:
		if text := msg.String(message.KeyError); text != "" {
			return fmt.Errorf("%w: %s", ErrRemoteExecution, text)
		}
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("waiting for %q: %w", message.TypeExecuted, c.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the transport. It is idempotent.
func (c *Client) Close() error {
	return c.tr.Close()
}

// checkPeer accepts the first announcement and afterwards only messages carrying the
// announced peer id.
func (c *Client) checkPeer(msg message.Message) error {
	c.mu.Lock()
	want := c.remotePeerID
	c.mu.Unlock()
	if want == "" && msg.Type() == message.TypeReady {
		return nil
	}
	if want == "" || msg.PeerID() != want {
		return fmt.Errorf("%w: %q %s, want %q", ErrForeignPeer, msg.Type(), msg.PeerID(), want)
	}
	return nil
}

func (c *Client) handleFrame(frame []byte) {
	msg, err := c.codec.Decode(frame)
	if errors.Is(err, ErrForeignPeer) {
		c.logger.Warn().Err(err).Msg("message dropped")
		return
	}
	if err != nil {
		c.logger.Warn().Err(err).Int("size", len(frame)).Msg("frame dropped")
		return
	}
	if msg == nil {
		return
	}

	typ := msg.Type()
	c.mu.Lock()
	switch {
	case typ == message.TypeReady && c.remotePeerID == "":
		c.remotePeerID = msg.PeerID()
		c.remoteConfig = config.PluginFromMap(msg.Map(message.KeyConfig))
		c.remote = codec.NewEncodingSet(msg.Strings(message.KeyAcceptEncoding)...)
		c.mu.Unlock()
		c.logger.Debug().Str("peer_id", msg.PeerID()).Msg("peer announced")
		close(c.announced)
		c.events.Fire(c.ctx, typ, msg)
		return
	case typ == message.TypeInitialized && !c.handshook:
		if accept := msg.Strings(message.KeyAcceptEncoding); len(accept) > 0 {
			c.remote = codec.NewEncodingSet(accept...)
		}
		c.handshook = true
		c.mu.Unlock()
		close(c.initialized)
	default:
		c.mu.Unlock()
	}

	c.events.Fire(c.ctx, typ, msg)
}

// handleSetInterface records the peer's interface and acknowledges it. It is registered
// before any user handler, so the acknowledgement goes out first.
func (c *Client) handleSetInterface(ctx context.Context, msg message.Message) error {
	c.mu.Lock()
	c.remoteAPI = msg.Map(message.KeyAPI)
	remote := c.remote
	c.mu.Unlock()
	return c.send(ctx, message.New(message.TypeInterfaceSetAsRemote), remote)
}

func (c *Client) handleClose(cause error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	if cause == nil {
		cause = ErrClosed
	}
	c.err = cause
	c.mu.Unlock()

	c.cancel()
	c.codec.Reset()
	if errors.Is(cause, ErrClosed) {
		c.logger.Info().Msg("client closed")
	} else {
		c.logger.Warn().Err(cause).Msg("peer lost")
	}

	msg := message.New(message.TypeDisconnected)
	msg[message.KeyError] = cause.Error()
	c.events.Fire(context.Background(), message.TypeDisconnected, msg)
}
