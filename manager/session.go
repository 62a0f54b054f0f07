package manager

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bx-d/peer-rpc/config"
	"github.com/bx-d/peer-rpc/connection"
	"github.com/bx-d/peer-rpc/emitter"
	"github.com/bx-d/peer-rpc/message"
)

// Interface is the set of values and functions a peer exposes to its remote.
type Interface map[string]any

// Remote is the remote peer's interface as seen locally.
type Remote map[string]any

// RemoteMethod stands for a function exposed by the remote peer.
type RemoteMethod struct {
	Name string
}

const (
	keyRType  = "_rtype"
	keyRValue = "_rvalue"
	rtypeFunc = "method"
)

// Session is the RPC layer bound to one connection once the remote initialized it.
//
// Local events fired by a session:
//   - interfaceSetAsRemote: the remote acknowledged our interface
//   - remoteReady:          the remote advertised its own interface
//   - disconnected:         the session was disposed
//   - error:                the remote reported an error
type Session interface {
	SetInterface(ctx context.Context, iface Interface, cfg config.Plugin) error
	Init(ctx context.Context) error
	Remote() Remote
	On(typ string, h emitter.Handler) *emitter.Subscription
	Once(typ string, h emitter.Handler) *emitter.Subscription
	Disconnect() error
}

// SessionParams is what a SessionFactory receives.
type SessionParams struct {
	Conn   *connection.PeerConnection
	Config config.Plugin
	Codecs map[string]CodecConfig
	Logger zerolog.Logger
}

// SessionFactory creates the session for a freshly initialized connection.
type SessionFactory func(p SessionParams) Session

// BasicSession advertises the local interface and records the remote's. It carries no
// call machinery: functions are advertised by name only.
type BasicSession struct {
	conn   *connection.PeerConnection
	cfg    config.Plugin
	codecs map[string]CodecConfig
	events *emitter.Emitter
	logger zerolog.Logger

	mu       sync.Mutex
	iface    Interface
	ifaceCfg config.Plugin
	remote   Remote
	subs     []*emitter.Subscription
	closed   bool
}

// NewBasicSession is the default SessionFactory.
func NewBasicSession(p SessionParams) Session {
	logger := p.Logger.With().Str("component", "session").Str("peer_id", p.Conn.PeerID()).Logger()
	s := &BasicSession{
		conn:   p.Conn,
		cfg:    p.Config,
		codecs: p.Codecs,
		events: emitter.New(logger),
		logger: logger,
		remote: Remote{},
	}
	s.subs = []*emitter.Subscription{
		p.Conn.On(message.TypeSetInterface, s.handleSetInterface),
		p.Conn.On(message.TypeGetInterface, s.handleGetInterface),
		p.Conn.On(message.TypeInterfaceSetAsRemote, s.forward),
		p.Conn.On(message.TypeError, s.forward),
	}
	return s
}

func (s *BasicSession) On(typ string, h emitter.Handler) *emitter.Subscription {
	return s.events.On(typ, h)
}

func (s *BasicSession) Once(typ string, h emitter.Handler) *emitter.Subscription {
	return s.events.Once(typ, h)
}

// SetInterface replaces the local interface and advertises it.
func (s *BasicSession) SetInterface(ctx context.Context, iface Interface, cfg config.Plugin) error {
	s.mu.Lock()
	s.iface = iface
	s.ifaceCfg = cfg
	s.mu.Unlock()
	return s.sendInterface(ctx)
}

func (s *BasicSession) sendInterface(ctx context.Context) error {
	s.mu.Lock()
	iface, cfg := s.iface, s.ifaceCfg
	s.mu.Unlock()

	api := make(map[string]any, len(iface))
	for name, v := range iface {
		if v != nil && reflect.TypeOf(v).Kind() == reflect.Func {
			api[name] = map[string]any{keyRType: rtypeFunc, keyRValue: name}
			continue
		}
		enc, err := encodeValue(s.codecs, v)
		if err != nil {
			return fmt.Errorf("encode %q: %w", name, err)
		}
		api[name] = enc
	}

	msg := message.New(message.TypeSetInterface)
	msg[message.KeyAPI] = api
	msg[message.KeyConfig] = cfg.Map()
	return s.conn.Emit(ctx, msg)
}

// Init tells the remote that the session is up.
func (s *BasicSession) Init(ctx context.Context) error {
	msg := message.New(message.TypeInitialized)
	msg[message.KeyConfig] = s.cfg.Map()
	return s.conn.Emit(ctx, msg)
}

// Remote returns a copy of the remote's advertised interface.
func (s *BasicSession) Remote() Remote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Remote, len(s.remote))
	for k, v := range s.remote {
		out[k] = v
	}
	return out
}

func (s *BasicSession) handleSetInterface(ctx context.Context, msg message.Message) error {
	remote := Remote{}
	for name, v := range msg.Map(message.KeyAPI) {
		if m, ok := v.(map[string]any); ok && m[keyRType] == rtypeFunc {
			remote[name] = RemoteMethod{Name: name}
			continue
		}
		dec, err := decodeValue(s.codecs, v)
		if err != nil {
			s.logger.Warn().Err(err).Str("name", name).Msg("cannot decode remote value")
			continue
		}
		remote[name] = dec
	}

	s.mu.Lock()
	s.remote = remote
	s.mu.Unlock()

	if err := s.conn.Emit(ctx, message.New(message.TypeInterfaceSetAsRemote)); err != nil {
		return err
	}
	s.events.Fire(ctx, message.TypeRemoteReady, msg)
	return nil
}

func (s *BasicSession) handleGetInterface(ctx context.Context, _ message.Message) error {
	return s.sendInterface(ctx)
}

func (s *BasicSession) forward(ctx context.Context, msg message.Message) error {
	s.events.Fire(ctx, msg.Type(), msg)
	return nil
}

// Disconnect disposes the session and closes its connection.
func (s *BasicSession) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.conn.Off(sub.Type(), sub)
	}
	msg := message.New(message.TypeDisconnected)
	msg[message.KeyPeerID] = s.conn.PeerID()
	s.events.Fire(context.Background(), message.TypeDisconnected, msg)
	return s.conn.Disconnect()
}

// methodNames lists the function entries of iface, sorted.
func methodNames(iface Interface) []string {
	var names []string
	for name, v := range iface {
		if v != nil && reflect.TypeOf(v).Kind() == reflect.Func {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
