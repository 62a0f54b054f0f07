package server

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bx-d/peer-rpc/client"
	"github.com/bx-d/peer-rpc/config"
	"github.com/bx-d/peer-rpc/connection"
	"github.com/bx-d/peer-rpc/loadbalance"
	"github.com/bx-d/peer-rpc/message"
	"github.com/bx-d/peer-rpc/registry"
)

const waitTimeout = 5 * time.Second

type countingExecutor struct {
	mu   sync.Mutex
	runs int
}

func (e *countingExecutor) Run(context.Context, string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs++
	return nil
}

func (e *countingExecutor) Install(context.Context, []string) error {
	return nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Listen.TCPAddr = "127.0.0.1:0"
	cfg.Plugin.AllowExecution = true
	return cfg
}

func hostOptions() client.Options {
	return client.Options{
		Config:           config.Plugin{ID: "host"},
		HandshakeTimeout: waitTimeout,
		Logger:           zerolog.Nop(),
	}
}

func script() connection.ExecuteTask {
	return connection.ExecuteTask{Type: connection.CodeScript, Content: "x = 1"}
}

func TestServeTCP(t *testing.T) {
	exec := &countingExecutor{}
	s := New(testConfig(), Options{Executor: exec, Logger: zerolog.Nop()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.ServeTCP(ln) }()

	c, err := client.Dial(context.Background(), "tcp", ln.Addr().String(), hostOptions())
	require.NoError(t, err)
	require.NoError(t, c.Execute(context.Background(), script()))
	assert.Equal(t, "peer_rpc", c.RemoteConfig().ID)
	assert.Len(t, s.Manager().Clients(), 1)

	require.NoError(t, s.Shutdown(waitTimeout))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("ServeTCP did not return")
	}
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("client not disconnected by shutdown")
	}
	assert.Empty(t, s.Manager().Clients())

	exec.mu.Lock()
	assert.Equal(t, 1, exec.runs)
	exec.mu.Unlock()
}

func TestWebSocketHandler(t *testing.T) {
	s := New(testConfig(), Options{Executor: &countingExecutor{}, Logger: zerolog.Nop()})
	ts := httptest.NewServer(s.WebSocketHandler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	c, err := client.DialWebSocket(context.Background(), url, hostOptions())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Execute(context.Background(), script()))
	require.NoError(t, c.SetInterface(context.Background(), map[string]any{"version": "1"}))
	require.NoError(t, s.Shutdown(waitTimeout))
}

func TestListenAndServeAdvertises(t *testing.T) {
	cfg := testConfig()
	cfg.Listen.WebSocketAddr = "127.0.0.1:0"
	cfg.Registry.ServiceName = "calc"
	reg := registry.NewMemoryRegistry()
	s := New(cfg, Options{Registry: reg, Executor: &countingExecutor{}, Logger: zerolog.Nop()})

	served := make(chan error, 1)
	go func() { served <- s.ListenAndServe(context.Background()) }()

	ctx := context.Background()
	var instances []registry.PeerInstance
	require.Eventually(t, func() bool {
		instances, _ = reg.Discover(ctx, "calc")
		return len(instances) == 2
	}, waitTimeout, 10*time.Millisecond)

	for _, inst := range instances {
		assert.Equal(t, "peer_rpc", inst.PluginID)
		assert.Equal(t, cfg.Transfer.AcceptEncoding, inst.Encodings)

		var (
			c   *client.Client
			err error
		)
		switch inst.Network {
		case registry.NetworkTCP:
			c, err = client.Dial(ctx, "tcp", inst.Addr, hostOptions())
		case registry.NetworkWebSocket:
			assert.True(t, strings.HasPrefix(inst.Addr, "ws://127.0.0.1:"), inst.Addr)
			assert.True(t, strings.HasSuffix(inst.Addr, "/rpc"), inst.Addr)
			c, err = client.DialWebSocket(ctx, inst.Addr, hostOptions())
		default:
			t.Fatalf("unexpected network %q", inst.Network)
		}
		require.NoError(t, err)
		require.NoError(t, c.Execute(ctx, script()))
		_ = c.Close()
	}

	c, err := client.DialService(ctx, reg, &loadbalance.RoundRobinBalancer{}, "calc", hostOptions())
	require.NoError(t, err)
	_ = c.Close()

	require.NoError(t, s.Shutdown(waitTimeout))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("ListenAndServe did not return")
	}
	instances, err = reg.Discover(ctx, "calc")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestListenAndServeBadAddress(t *testing.T) {
	cfg := testConfig()
	cfg.Listen.TCPAddr = "127.0.0.1:99999"
	s := New(cfg, Options{Logger: zerolog.Nop()})
	assert.Error(t, s.ListenAndServe(context.Background()))
}

func TestAdvertiseAddr(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		network string
		addr    net.Addr
		want    string
	}{
		{"wildcard", "", registry.NetworkTCP, &net.TCPAddr{IP: net.IPv4zero, Port: 9310}, "127.0.0.1:9310"},
		{"ipv6 wildcard", "", registry.NetworkTCP, &net.TCPAddr{IP: net.IPv6unspecified, Port: 9310}, "127.0.0.1:9310"},
		{"bound host kept", "", registry.NetworkTCP, &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 80}, "10.1.2.3:80"},
		{"configured host", "peer.local", registry.NetworkTCP, &net.TCPAddr{IP: net.IPv4zero, Port: 9310}, "peer.local:9310"},
		{"websocket url", "", registry.NetworkWebSocket, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}, "ws://127.0.0.1:8080/rpc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Listen.AdvertiseHost = tt.host
			s := New(cfg, Options{Logger: zerolog.Nop()})
			assert.Equal(t, tt.want, s.advertiseAddr(tt.network, tt.addr))
		})
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimit{PerSecond: 0.001, Burst: 2}
	exec := &countingExecutor{}
	s := New(cfg, Options{Executor: exec, Logger: zerolog.Nop()})
	defer s.Shutdown(waitTimeout)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeTCP(ln)

	// The handshake is not charged against the limit.
	c, err := client.Dial(context.Background(), "tcp", ln.Addr().String(), hostOptions())
	require.NoError(t, err)
	defer c.Close()

	ids := s.Manager().Clients()
	require.Len(t, ids, 1)
	conn, ok := s.Manager().Connection(ids[0])
	require.True(t, ok)

	var pings atomic.Int32
	conn.On("ping", func(context.Context, message.Message) error {
		pings.Add(1)
		return nil
	})
	for i := 0; i < 4; i++ {
		require.NoError(t, c.Emit(context.Background(), message.New("ping")))
	}

	// Execution is never limited, and its reply follows the pings on the stream.
	require.NoError(t, c.Execute(context.Background(), script()))
	assert.Equal(t, int32(2), pings.Load())

	exec.mu.Lock()
	assert.Equal(t, 1, exec.runs)
	exec.mu.Unlock()
}
