// Package connection implements one peer connection over a transport.
//
// Lifecycle:
//
//	Created ──New──→ AwaitingInitialize ──"initialize"──→ Ready ──Disconnect──→ Disconnected
//	                        │                               │
//	                        └──────── transport lost ───────┴──────────────────→ Errored
//
// The local side announces itself with imjoyRPCReady; the remote answers with initialize,
// carrying the encodings it can decode. From then on every message except the handshake
// goes out in the richest encoding both sides understand.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bx-d/peer-rpc/codec"
	"github.com/bx-d/peer-rpc/config"
	"github.com/bx-d/peer-rpc/emitter"
	"github.com/bx-d/peer-rpc/executor"
	"github.com/bx-d/peer-rpc/message"
	"github.com/bx-d/peer-rpc/middleware"
	"github.com/bx-d/peer-rpc/transport"
	"github.com/bx-d/peer-rpc/wire"
)

// State is the lifecycle state of a PeerConnection.
type State int32

const (
	StateCreated State = iota
	StateAwaitingInitialize
	StateReady
	StateDisconnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingInitialize:
		return "awaiting_initialize"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) terminal() bool {
	return s == StateDisconnected || s == StateErrored
}

// Options configures a PeerConnection.
type Options struct {
	Accept               []string // Encodings we can decode; default codec.DefaultAccept()
	ChunkSize            int
	CompressionThreshold int
	TransferTTL          time.Duration

	AllowExecution   bool
	Executor         executor.Executor
	ExecutionTimeout time.Duration // 0 means no limit

	// Middlewares wrap the dispatch of each inbound message, once per message. Handshake
	// and execution messages bypass them.
	Middlewares []middleware.Middleware
	Logger      zerolog.Logger
}

// lifecycle lists the message types that are dispatched without Options.Middlewares.
var lifecycle = map[string]bool{
	message.TypeInitialize:           true,
	message.TypeExecute:              true,
	message.TypeSetInterface:         true,
	message.TypeGetInterface:         true,
	message.TypeInterfaceSetAsRemote: true,
	message.TypeError:                true,
}

// OptionsFromConfig derives connection options from the daemon configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Accept:               cfg.Transfer.AcceptEncoding,
		ChunkSize:            cfg.Transfer.ChunkSize,
		CompressionThreshold: cfg.Transfer.CompressionThreshold,
		TransferTTL:          time.Duration(cfg.Transfer.TTLSeconds) * time.Second,
		AllowExecution:       cfg.Plugin.AllowExecution,
		ExecutionTimeout:     time.Duration(cfg.Execution.TimeoutSeconds) * time.Second,
	}
}

// PeerConnection is one end of a peer-to-peer session.
type PeerConnection struct {
	peerID   string
	pluginID string
	tr       transport.Transport
	codec    *wire.Codec
	events   *emitter.Emitter
	inbound  middleware.HandlerFunc
	accept   codec.EncodingSet
	opts     Options
	logger   zerolog.Logger

	ctx    context.Context // Canceled when the connection ends
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	remote  codec.EncodingSet // What the remote accepts, set by "initialize"
	lastErr error
}

// New creates a connection on tr with a fresh peer id and starts receiving.
func New(tr transport.Transport, pluginID string, opts Options) (*PeerConnection, error) {
	if tr == nil {
		return nil, &Error{Kind: KindSetup, Message: "nil transport"}
	}
	if len(opts.Accept) == 0 {
		opts.Accept = codec.DefaultAccept()
	}

	peerID := uuid.NewString()
	logger := opts.Logger.With().
		Str("component", "connection").
		Str("peer_id", peerID).
		Str("plugin_id", pluginID).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	c := &PeerConnection{
		peerID:   peerID,
		pluginID: pluginID,
		tr:       tr,
		events:   emitter.New(logger),
		accept:   codec.NewEncodingSet(opts.Accept...),
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateCreated,
		remote:   codec.NewEncodingSet(),
	}
	c.codec = wire.New(wire.Options{
		ChunkSize:            opts.ChunkSize,
		CompressionThreshold: opts.CompressionThreshold,
		TransferTTL:          opts.TransferTTL,
		Filter:               c.checkPeer,
		Logger:               logger,
	})
	c.inbound = middleware.Chain(opts.Middlewares...)(c.dispatch)
	c.events.On(message.TypeExecute, c.handleExecute)

	c.mu.Lock()
	c.state = StateAwaitingInitialize
	c.mu.Unlock()

	tr.OnClose(c.handleClose)
	tr.OnMessage(c.handleFrame)

	if st := c.State(); st.terminal() {
		return nil, &Error{Kind: KindSetup, Message: "transport already closed", Err: c.Err()}
	}
	c.logger.Debug().Msg("connection created")
	return c, nil
}

// PeerID returns the connection's identifier, fixed for its lifetime.
func (c *PeerConnection) PeerID() string {
	return c.peerID
}

func (c *PeerConnection) PluginID() string {
	return c.pluginID
}

func (c *PeerConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteEncodings returns the encodings the remote announced in "initialize".
func (c *PeerConnection) RemoteEncodings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote.Names()
}

// Err returns the error that ended the connection, or nil while it is alive.
func (c *PeerConnection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done is closed when the connection ends.
func (c *PeerConnection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// On registers a persistent handler for inbound messages of type typ.
func (c *PeerConnection) On(typ string, h emitter.Handler) *emitter.Subscription {
	return c.events.On(typ, h)
}

// Once registers a one-shot handler for inbound messages of type typ.
func (c *PeerConnection) Once(typ string, h emitter.Handler) *emitter.Subscription {
	return c.events.Once(typ, h)
}

// Off removes a handler; a nil sub removes every handler of typ.
func (c *PeerConnection) Off(typ string, sub *emitter.Subscription) {
	c.events.Off(typ, sub)
}

// Emit stamps msg with our plugin id, and our peer id unless it names one, then sends it.
// Handshake messages always travel in the plain encoding and advertise what we can decode.
func (c *PeerConnection) Emit(ctx context.Context, msg message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	state, remote := c.state, c.remote
	c.mu.Unlock()
	if state.terminal() {
		return &Error{Kind: KindDisconnected, Message: fmt.Sprintf("cannot emit %q", msg.Type()), Err: transport.ErrClosed}
	}

	out := msg.Clone()
	out[message.KeyPluginID] = c.pluginID
	if _, ok := out[message.KeyPeerID]; !ok {
		out[message.KeyPeerID] = c.peerID
	}

	var (
		frames [][]byte
		err    error
	)
	switch out.Type() {
	case message.TypeReady, message.TypeInitialized:
		out[message.KeyAcceptEncoding] = c.accept.Names()
		frames, err = c.codec.EncodeWith(out, codec.CodecTypeJSON, false)
	default:
		frames, err = c.codec.Encode(out, remote)
	}
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

// Announce sends the imjoyRPCReady announcement carrying cfg and our peer id.
func (c *PeerConnection) Announce(ctx context.Context, cfg config.Plugin) error {
	msg := message.New(message.TypeReady)
	msg[message.KeyConfig] = cfg.Map()
	msg[message.KeyPeerID] = c.peerID
	return c.Emit(ctx, msg)
}

// checkPeer rejects messages addressed to another peer before they touch any transfer.
func (c *PeerConnection) checkPeer(msg message.Message) error {
	if msg.Type() == message.TypeInitialize || msg.PeerID() == c.peerID {
		return nil
	}
	return &Error{Kind: KindPeerMismatch, Message: fmt.Sprintf("%q != %q", msg.PeerID(), c.peerID)}
}

func (c *PeerConnection) handleFrame(frame []byte) {
	msg, err := c.codec.Decode(frame)
	if IsKind(err, KindPeerMismatch) {
		c.logger.Warn().Err(err).Msg("message dropped")
		return
	}
	if err != nil {
		c.logger.Warn().Err(&Error{Kind: KindDecode, Message: "frame dropped", Err: err}).Int("size", len(frame)).Send()
		return
	}
	if msg == nil {
		return // Chunk frame, or a message still waiting for chunks
	}

	typ := msg.Type()

	c.mu.Lock()
	if c.state.terminal() {
		c.mu.Unlock()
		return
	}
	if typ == message.TypeInitialize {
		c.remote = codec.NewEncodingSet(msg.Strings(message.KeyAcceptEncoding)...)
		c.state = StateReady
		c.logger.Debug().Strs("accept_encoding", c.remote.Names()).Msg("remote initialized")
	}
	c.mu.Unlock()

	if lifecycle[typ] {
		c.events.Fire(c.ctx, typ, msg)
		return
	}
	if err := c.inbound(c.ctx, msg); err != nil {
		c.logger.Warn().Err(err).Str("type", typ).Msg("inbound message not handled")
	}
}

func (c *PeerConnection) dispatch(ctx context.Context, msg message.Message) error {
	c.events.Fire(ctx, msg.Type(), msg)
	return nil
}

// transition moves to a terminal state, reporting false when already there.
func (c *PeerConnection) transition(to State, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() {
		return false
	}
	c.state = to
	c.lastErr = err
	return true
}

func (c *PeerConnection) handleClose(cause error) {
	to := StateDisconnected
	if cause != nil {
		to = StateErrored
	}
	err := &Error{Kind: KindDisconnected, Message: "transport closed", Err: cause}
	if !c.transition(to, err) {
		return
	}
	c.teardown(err)
}

// Disconnect closes the transport and abandons partial transfers. It is idempotent.
func (c *PeerConnection) Disconnect() error {
	err := &Error{Kind: KindDisconnected, Message: "disconnected locally"}
	if !c.transition(StateDisconnected, err) {
		return nil
	}
	closeErr := c.tr.Close()
	c.teardown(err)
	return closeErr
}

func (c *PeerConnection) teardown(err *Error) {
	c.cancel()
	c.codec.Reset()
	if err.Err != nil {
		c.logger.Warn().Err(err).Msg("connection lost")
	} else {
		c.logger.Info().Msg("connection closed")
	}

	msg := message.New(message.TypeDisconnected)
	msg[message.KeyPeerID] = c.peerID
	msg[message.KeyError] = err.Error()
	c.events.Fire(context.Background(), message.TypeDisconnected, msg)
}
