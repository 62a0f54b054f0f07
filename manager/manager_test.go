package manager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bx-d/peer-rpc/codec"
	"github.com/bx-d/peer-rpc/config"
	"github.com/bx-d/peer-rpc/connection"
	"github.com/bx-d/peer-rpc/message"
	"github.com/bx-d/peer-rpc/transport"
	"github.com/bx-d/peer-rpc/wire"
)

const waitTimeout = 5 * time.Second

// host drives the remote end of a managed connection with a bare wire codec.
type host struct {
	t      *testing.T
	tr     transport.Transport
	codec  *wire.Codec
	msgs   chan message.Message
	peerID string
}

func newManager(opts Options) *Manager {
	opts.Logger = zerolog.Nop()
	return New(opts)
}

func startClient(t *testing.T, m *Manager, onReady ReadyFunc, onError ErrorFunc) (string, *host) {
	t.Helper()
	local, far := transport.Pipe()
	h := &host{
		t:     t,
		tr:    far,
		codec: wire.New(wire.Options{Logger: zerolog.Nop()}),
		msgs:  make(chan message.Message, 64),
	}
	far.OnMessage(func(frame []byte) {
		if msg, err := h.codec.Decode(frame); err == nil && msg != nil {
			h.msgs <- msg
		}
	})

	id, err := m.Start(context.Background(), "plugin-1", local, onReady, onError)
	require.NoError(t, err)
	h.peerID = h.expect(message.TypeReady).PeerID()
	require.NotEmpty(t, h.peerID)
	return id, h
}

func (h *host) expect(typ string) message.Message {
	h.t.Helper()
	select {
	case msg := <-h.msgs:
		require.Equal(h.t, typ, msg.Type(), "unexpected message %v", msg)
		return msg
	case <-time.After(waitTimeout):
		h.t.Fatalf("no %q message", typ)
		return nil
	}
}

func (h *host) send(msg message.Message) {
	h.t.Helper()
	if _, ok := msg[message.KeyPeerID]; !ok {
		msg[message.KeyPeerID] = h.peerID
	}
	frames, err := h.codec.Encode(msg, codec.NewEncodingSet(codec.EncodingMsgpack))
	require.NoError(h.t, err)
	for _, f := range frames {
		require.NoError(h.t, h.tr.Send(context.Background(), f))
	}
}

// initialize completes the handshake and returns the advertised interface message.
func (h *host) initialize() message.Message {
	h.t.Helper()
	msg := message.New(message.TypeInitialize)
	msg[message.KeyConfig] = map[string]any{"name": "remote-view"}
	msg[message.KeyAcceptEncoding] = []string{"msgpack", "gzip"}
	h.send(msg)

	iface := h.expect(message.TypeSetInterface)
	h.expect(message.TypeInitialized)
	return iface
}

func TestStartHandshake(t *testing.T) {
	m := newManager(Options{RPCID: "pyodide_rpc", Config: config.Plugin{Description: "demo"}})
	require.NoError(t, m.Init(context.Background(), nil))

	ready := make(chan Remote, 1)
	_, h := startClient(t, m, func(r Remote) { ready <- r }, nil)
	iface := h.initialize()

	cfg := iface.Map(message.KeyConfig)
	assert.Equal(t, "pyodide_rpc", cfg["id"])
	assert.Equal(t, "pyodide_rpc", cfg["name"])
	assert.Equal(t, "demo", cfg["description"])
	assert.Equal(t, config.DefaultAPIVersion, cfg["api_version"])
	assert.Contains(t, iface.Map(message.KeyAPI), "setup")

	remoteAPI := message.New(message.TypeSetInterface)
	remoteAPI[message.KeyAPI] = map[string]any{
		"add": map[string]any{"_rtype": "method", "_rvalue": "add"},
		"pi":  3.5,
	}
	h.send(remoteAPI)
	h.expect(message.TypeInterfaceSetAsRemote)
	h.send(message.New(message.TypeInterfaceSetAsRemote))

	select {
	case r := <-ready:
		assert.Equal(t, RemoteMethod{Name: "add"}, r["add"])
		assert.EqualValues(t, 3.5, r["pi"])
		for _, k := range []string{"init", "export", "register_codec", "dispose"} {
			assert.Contains(t, r, k)
		}
	case <-time.After(waitTimeout):
		t.Fatal("onReady never called")
	}
}

func TestGetInterfaceReadvertises(t *testing.T) {
	m := newManager(Options{})
	require.NoError(t, m.Init(context.Background(), nil))
	_, h := startClient(t, m, nil, nil)
	h.initialize()

	h.send(message.New(message.TypeGetInterface))
	assert.Contains(t, h.expect(message.TypeSetInterface).Map(message.KeyAPI), "setup")
}

func TestSetInterfaceRebindsReadySessions(t *testing.T) {
	m := newManager(Options{RPCID: "rpc"})
	_, h1 := startClient(t, m, nil, nil)
	_, h2 := startClient(t, m, nil, nil)
	_, pending := startClient(t, m, nil, nil) // never initialized
	h1.initialize()
	h2.initialize()

	cfg := config.Plugin{ID: "ignored", Name: "calculator", AllowExecution: true}
	iface := Interface{"add": func(a, b int) int { return a + b }, "version": "1"}
	require.NoError(t, m.SetInterface(context.Background(), iface, &cfg))

	for _, h := range []*host{h1, h2} {
		msg := h.expect(message.TypeSetInterface)
		assert.Equal(t, "rpc", msg.Map(message.KeyConfig)["id"])
		assert.Equal(t, "calculator", msg.Map(message.KeyConfig)["name"])
		api := msg.Map(message.KeyAPI)
		assert.Equal(t, "1", api["version"])
		assert.Equal(t, "method", message.Message(api["add"].(map[string]any)).String("_rtype"))
	}
	select {
	case msg := <-pending.msgs:
		t.Fatalf("uninitialized connection got %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "calculator", m.Config().Name)
}

type flakySession struct {
	Session
	fail *atomic.Bool
}

func (s flakySession) SetInterface(ctx context.Context, iface Interface, cfg config.Plugin) error {
	if s.fail.Load() {
		return errors.New("rebind refused")
	}
	return s.Session.SetInterface(ctx, iface, cfg)
}

func TestSetInterfaceCombinesFailures(t *testing.T) {
	var fail atomic.Bool
	m := newManager(Options{SessionFactory: func(p SessionParams) Session {
		return flakySession{Session: NewBasicSession(p), fail: &fail}
	}})
	id1, h1 := startClient(t, m, nil, nil)
	id2, h2 := startClient(t, m, nil, nil)
	h1.initialize()
	h2.initialize()

	fail.Store(true)
	err := m.SetInterface(context.Background(), Interface{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), id1)
	assert.Contains(t, err.Error(), id2)
	assert.Contains(t, err.Error(), "rebind refused")
}

type point struct{ X, Y int }

func TestRegisterCodec(t *testing.T) {
	m := newManager(Options{})
	assert.Error(t, m.RegisterCodec(CodecConfig{}))
	assert.Error(t, m.RegisterCodec(CodecConfig{Name: "empty"}))

	enc := func(v any) (any, error) {
		p := v.(point)
		return []any{p.X, p.Y}, nil
	}
	require.NoError(t, m.RegisterCodec(CodecConfig{Name: "pt", Type: fmt.Sprintf("%T", point{}), Encoder: enc}))
	require.NoError(t, m.RegisterCodec(CodecConfig{Name: "other", Type: "x", Decoder: func(v any) (any, error) { return v, nil }}))
	require.NoError(t, m.RegisterCodec(CodecConfig{Name: "point", Type: fmt.Sprintf("%T", point{}), Encoder: enc}))

	codecs := m.Codecs()
	assert.Len(t, codecs, 2)
	assert.NotContains(t, codecs, "pt", "same type evicts")
	assert.Contains(t, codecs, "point")

	require.NoError(t, m.RegisterCodec(CodecConfig{Name: "other", Encoder: enc}))
	assert.Empty(t, m.Codecs()["other"].Type, "same name replaces")

	require.NoError(t, m.SetInterface(context.Background(), Interface{"origin": point{1, 2}}, nil))
	_, h := startClient(t, m, nil, nil)
	origin := h.initialize().Map(message.KeyAPI)["origin"].(map[string]any)
	assert.Equal(t, "point", origin["_ctype"])
	assert.Len(t, origin["_cvalue"], 2)
}

func TestCodecDecodesRemoteValues(t *testing.T) {
	m := newManager(Options{})
	require.NoError(t, m.RegisterCodec(CodecConfig{Name: "upper", Decoder: func(v any) (any, error) {
		return fmt.Sprintf("decoded:%v", v), nil
	}}))

	ready := make(chan Remote, 1)
	_, h := startClient(t, m, func(r Remote) { ready <- r }, nil)
	h.initialize()

	api := message.New(message.TypeSetInterface)
	api[message.KeyAPI] = map[string]any{"name": map[string]any{"_ctype": "upper", "_cvalue": "x"}}
	h.send(api)
	h.expect(message.TypeInterfaceSetAsRemote)
	h.send(message.New(message.TypeInterfaceSetAsRemote))

	r := <-ready
	assert.Equal(t, "decoded:x", r["name"])
}

func TestStartSetupFailure(t *testing.T) {
	m := newManager(Options{})
	local, far := transport.Pipe()
	require.NoError(t, far.Close())

	var reported error
	_, err := m.Start(context.Background(), "p", local, nil, func(err error) { reported = err })
	require.Error(t, err)
	assert.True(t, connection.IsKind(err, connection.KindSetup))
	assert.Equal(t, err, reported)
	assert.Empty(t, m.Clients())
}

func TestRemoteDisconnectReportsOnce(t *testing.T) {
	m := newManager(Options{})
	errs := make(chan error, 4)
	_, h := startClient(t, m, nil, func(err error) { errs <- err })
	h.initialize()
	require.Len(t, m.Clients(), 1)

	require.NoError(t, h.tr.Close())
	select {
	case err := <-errs:
		assert.True(t, connection.IsKind(err, connection.KindDisconnected))
	case <-time.After(waitTimeout):
		t.Fatal("onError never called")
	}
	assert.Eventually(t, func() bool { return len(m.Clients()) == 0 }, waitTimeout, 10*time.Millisecond)
	select {
	case err := <-errs:
		t.Fatalf("reported twice: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemoteErrorReported(t *testing.T) {
	m := newManager(Options{})
	errs := make(chan error, 4)
	_, h := startClient(t, m, nil, func(err error) { errs <- err })
	h.initialize()

	msg := message.New(message.TypeError)
	msg[message.KeyError] = "bad things"
	h.send(msg)
	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "bad things")
	case <-time.After(waitTimeout):
		t.Fatal("onError never called")
	}
}

func TestStopAndClose(t *testing.T) {
	m := newManager(Options{})
	id1, h1 := startClient(t, m, nil, nil)
	_, h2 := startClient(t, m, nil, nil)
	h1.initialize()
	assert.Len(t, m.Clients(), 2)

	conn, ok := m.Connection(id1)
	require.True(t, ok)

	closed := make(chan error, 2)
	h1.tr.OnClose(func(err error) { closed <- err })
	h2.tr.OnClose(func(err error) { closed <- err })

	require.NoError(t, m.Stop(id1))
	assert.Equal(t, connection.StateDisconnected, conn.State())
	assert.Error(t, m.Stop(id1))

	require.NoError(t, m.Close())
	assert.Empty(t, m.Clients())
	for i := 0; i < 2; i++ {
		select {
		case err := <-closed:
			assert.ErrorIs(t, err, transport.ErrPeerClosed)
		case <-time.After(waitTimeout):
			t.Fatal("remote never saw the close")
		}
	}
}
