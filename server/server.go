// Package server runs the peerd listeners: every accepted channel becomes a managed peer
// connection, and every listener is advertised in the peer directory.
//
// Connection pipeline:
//
//	TCP Accept ──→ StreamTransport ──┐
//	                                 ├──→ Manager.Start → imjoyRPCReady → ... → session ready
//	HTTP Upgrade ──→ WebSocketTransport
//
// Shutdown order: deregister from the directory, stop accepting, disconnect every peer,
// then wait for connections to drain (with timeout).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/bx-d/peer-rpc/config"
	"github.com/bx-d/peer-rpc/connection"
	"github.com/bx-d/peer-rpc/executor"
	"github.com/bx-d/peer-rpc/manager"
	"github.com/bx-d/peer-rpc/middleware"
	"github.com/bx-d/peer-rpc/registry"
	"github.com/bx-d/peer-rpc/transport"
)

// Options carries the collaborators of a Server.
type Options struct {
	Executor       executor.Executor      // Runs inbound execute requests; nil refuses them
	Registry       registry.Registry      // Peer directory; nil skips advertisement
	SessionFactory manager.SessionFactory // nil uses manager.NewBasicSession
	Middlewares    []middleware.Middleware
	Logger         zerolog.Logger
}

// Server is the peerd daemon core.
type Server struct {
	cfg      config.Config
	mgr      *manager.Manager
	registry registry.Registry // nil if not using discovery
	logger   zerolog.Logger

	wg       sync.WaitGroup // Tracks live connections for graceful shutdown
	shutdown atomic.Bool    // Set during shutdown to suppress Accept errors

	mu         sync.Mutex
	listeners  []net.Listener
	http       []*http.Server
	advertised []string // Registry addresses to deregister on shutdown
}

// New creates a server and its connection manager. Each inbound message passes once
// through the logging middleware, the rate limiter and the handler timeout when
// configured, then opts.Middlewares. Handshake and execution messages skip them.
func New(cfg config.Config, opts Options) *Server {
	logger := opts.Logger.With().Str("component", "server").Logger()

	mws := []middleware.Middleware{middleware.LoggingMiddleware(opts.Logger)}
	if cfg.RateLimit.PerSecond > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}
	if cfg.Listen.HandlerTimeoutSeconds > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(time.Duration(cfg.Listen.HandlerTimeoutSeconds)*time.Second))
	}
	mws = append(mws, opts.Middlewares...)

	connOpts := connection.OptionsFromConfig(cfg)
	connOpts.Executor = opts.Executor
	connOpts.Middlewares = mws

	return &Server{
		cfg: cfg,
		mgr: manager.New(manager.Options{
			RPCID:          cfg.RPCID,
			Config:         cfg.Plugin,
			Connection:     connOpts,
			SessionFactory: opts.SessionFactory,
			Logger:         opts.Logger,
		}),
		registry: opts.Registry,
		logger:   logger,
	}
}

// Manager returns the connection manager fed by the listeners.
func (s *Server) Manager() *manager.Manager {
	return s.mgr
}

// ListenAndServe opens the configured listeners, advertises them and serves until Shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var tcpLn, wsLn net.Listener
	if addr := s.cfg.Listen.TCPAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", addr, err)
		}
		tcpLn = ln
	}
	if addr := s.cfg.Listen.WebSocketAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			if tcpLn != nil {
				_ = tcpLn.Close()
			}
			return fmt.Errorf("listen websocket %s: %w", addr, err)
		}
		wsLn = ln
	}

	var g errgroup.Group
	if tcpLn != nil {
		g.Go(func() error { return s.ServeTCP(tcpLn) })
		if err := s.Advertise(ctx, registry.NetworkTCP, tcpLn.Addr()); err != nil {
			s.logger.Warn().Err(err).Msg("tcp listener not advertised")
		}
	}
	if wsLn != nil {
		g.Go(func() error { return s.ServeWebSocket(wsLn) })
		if err := s.Advertise(ctx, registry.NetworkWebSocket, wsLn.Addr()); err != nil {
			s.logger.Warn().Err(err).Msg("websocket listener not advertised")
		}
	}
	return g.Wait()
}

// ServeTCP accepts stream connections on ln until Shutdown closes it.
func (s *Server) ServeTCP(ln net.Listener) error {
	if !s.track(ln) {
		return nil
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("tcp listener started")

	streamOpts := transport.StreamOptions{
		HeartbeatInterval: time.Duration(s.cfg.Listen.HeartbeatIntervalSeconds) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Listen.IdleTimeoutSeconds) * time.Second,
		Logger:            s.logger,
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			// During shutdown, closing the listener makes Accept fail.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.start(transport.NewStreamTransport(conn, streamOpts), conn.RemoteAddr().String())
	}
}

// WebSocketHandler upgrades requests to WebSocket peer connections.
func (s *Server) WebSocketHandler() http.Handler {
	wsOpts := transport.WebSocketOptions{
		PingInterval: time.Duration(s.cfg.Listen.HeartbeatIntervalSeconds) * time.Second,
		PongTimeout:  time.Duration(s.cfg.Listen.IdleTimeoutSeconds) * time.Second,
		Logger:       s.logger,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shutdown.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		tr, err := transport.UpgradeWebSocket(w, r, wsOpts)
		if err != nil {
			s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		s.start(tr, r.RemoteAddr)
	})
}

// ServeWebSocket serves WebSocketHandler at the configured path on ln until Shutdown.
func (s *Server) ServeWebSocket(ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Listen.WebSocketPath, s.WebSocketHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		return ln.Close()
	}
	s.http = append(s.http, srv)
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Str("path", s.cfg.Listen.WebSocketPath).Msg("websocket listener started")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// start hands one transport to the manager and tracks it until the connection ends.
func (s *Server) start(tr transport.Transport, remote string) {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		_ = tr.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	logger := s.logger.With().Str("remote", remote).Logger()
	onReady := func(r manager.Remote) {
		logger.Info().Int("remote_api", len(r)).Msg("peer ready")
	}
	onError := func(err error) {
		if connection.IsKind(err, connection.KindDisconnected) {
			logger.Info().Err(err).Msg("peer gone")
			return
		}
		logger.Warn().Err(err).Msg("peer error")
	}

	id, err := s.mgr.Start(context.Background(), s.cfg.Plugin.ID, tr, onReady, onError)
	if err != nil {
		s.wg.Done()
		return // already reported through onError
	}
	conn, ok := s.mgr.Connection(id)
	if !ok {
		s.wg.Done()
		return // ended before we got here
	}
	go func() {
		defer s.wg.Done()
		<-conn.Done()
	}()
}

// Advertise registers the listener bound at addr under the configured service name.
func (s *Server) Advertise(ctx context.Context, network string, addr net.Addr) error {
	if s.registry == nil {
		return nil
	}
	inst := registry.PeerInstance{
		Addr:      s.advertiseAddr(network, addr),
		Network:   network,
		PluginID:  s.cfg.Plugin.ID,
		Name:      s.cfg.Plugin.Name,
		Version:   s.cfg.Plugin.Version,
		Encodings: s.cfg.Transfer.AcceptEncoding,
		Weight:    s.cfg.Registry.Weight,
	}
	if err := s.registry.Register(ctx, s.cfg.Registry.ServiceName, inst, int64(s.cfg.Registry.TTLSeconds)); err != nil {
		return err
	}
	s.mu.Lock()
	s.advertised = append(s.advertised, inst.Addr)
	s.mu.Unlock()
	s.logger.Info().Str("service", s.cfg.Registry.ServiceName).Str("addr", inst.Addr).Msg("advertised")
	return nil
}

// advertiseAddr turns a bound address into one other hosts can reach. ":9310" binds every
// interface but is meaningless to a remote host, so the configured advertise host (or
// loopback) replaces an unspecified IP.
func (s *Server) advertiseAddr(network string, addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		host, port = addr.String(), ""
	}
	if s.cfg.Listen.AdvertiseHost != "" {
		host = s.cfg.Listen.AdvertiseHost
	} else if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	hostPort := net.JoinHostPort(host, port)
	if network == registry.NetworkWebSocket {
		return "ws://" + hostPort + s.cfg.Listen.WebSocketPath
	}
	return hostPort
}

// track records ln for Shutdown, or closes it when shutdown has begun.
func (s *Server) track(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		_ = ln.Close()
		return false
	}
	s.listeners = append(s.listeners, ln)
	return true
}

func (s *Server) closeListeners() error {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	var errs error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the directory, so hosts stop picking this daemon
//  2. Set the shutdown flag, then close the listeners
//  3. Disconnect every peer
//  4. Wait for connections to drain (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs error
	s.mu.Lock()
	advertised := s.advertised
	s.advertised = nil
	s.mu.Unlock()

	if s.registry != nil {
		for _, addr := range advertised {
			if err := s.registry.Deregister(ctx, s.cfg.Registry.ServiceName, addr); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("deregister %s: %w", addr, err))
			}
		}
	}

	// The flag must be set before the listeners close, or Serve reports the Accept error.
	s.mu.Lock()
	s.shutdown.Store(true)
	servers := s.http
	s.http = nil
	s.mu.Unlock()
	errs = multierr.Append(errs, s.closeListeners())
	for _, srv := range servers {
		// Hijacked WebSocket connections are not tracked by http.Server; the manager
		// closes them below.
		if err := srv.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	errs = multierr.Append(errs, s.mgr.Close())

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("timeout waiting for connections to close"))
	}
	s.logger.Info().Err(errs).Msg("server stopped")
	return errs
}
