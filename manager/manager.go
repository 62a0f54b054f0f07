// Package manager accepts connections on behalf of one local plugin and binds each of them
// to an RPC session exposing the plugin's interface.
//
//	Start(tr) ──→ PeerConnection ──imjoyRPCReady──→ remote
//	                    ←──initialize── remote
//	              Session: setInterface, initialized ──→ remote
//	                    ←──interfaceSetAsRemote── remote ──→ onReady(remote api)
//
// The manager keeps the default interface and plugin configuration. SetInterface replaces
// them and re-advertises on every live session.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/bx-d/peer-rpc/config"
	"github.com/bx-d/peer-rpc/connection"
	"github.com/bx-d/peer-rpc/message"
	"github.com/bx-d/peer-rpc/transport"
)

// maxRebinds bounds the concurrent re-advertisements of SetInterface.
const maxRebinds = 16

// Options configures a Manager.
type Options struct {
	RPCID          string        // Identifier advertised as the plugin id; default config.DefaultRPCID
	Config         config.Plugin // Default plugin configuration
	Connection     connection.Options
	SessionFactory SessionFactory // Default NewBasicSession
	Logger         zerolog.Logger
}

// ReadyFunc receives the remote interface once the remote acknowledged ours.
type ReadyFunc func(remote Remote)

// ErrorFunc receives setup failures, disconnections and errors reported by the remote.
type ErrorFunc func(err error)

type client struct {
	conn    *connection.PeerConnection
	session Session // nil until the remote initialized the connection

	reportOnce sync.Once
}

// Manager owns the client table of one local plugin.
type Manager struct {
	rpcID   string
	opts    Options
	factory SessionFactory
	logger  zerolog.Logger

	mu      sync.Mutex
	config  config.Plugin
	iface   Interface
	codecs  map[string]CodecConfig
	clients map[string]*client
}

// New creates a manager.
func New(opts Options) *Manager {
	if opts.RPCID == "" {
		opts.RPCID = config.DefaultRPCID
	}
	if opts.SessionFactory == nil {
		opts.SessionFactory = NewBasicSession
	}
	return &Manager{
		rpcID:   opts.RPCID,
		opts:    opts,
		factory: opts.SessionFactory,
		logger:  opts.Logger.With().Str("component", "manager").Str("rpc_id", opts.RPCID).Logger(),
		config:  opts.Config.Normalize(opts.RPCID),
		iface:   Interface{},
		codecs:  make(map[string]CodecConfig),
		clients: make(map[string]*client),
	}
}

// RPCID returns the id the manager advertises.
func (m *Manager) RPCID() string {
	return m.rpcID
}

// Config returns the current default plugin configuration.
func (m *Manager) Config() config.Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// SetInterface replaces the default interface and configuration, then re-advertises them
// on every ready session. A nil cfg keeps the current configuration. It waits for every
// rebind and returns their combined failures.
func (m *Manager) SetInterface(ctx context.Context, iface Interface, cfg *config.Plugin) error {
	m.mu.Lock()
	next := m.config
	if cfg != nil {
		next = *cfg
	}
	next = next.Normalize(m.rpcID)
	if iface == nil {
		iface = Interface{}
	}
	m.config = next
	m.iface = iface

	targets := make(map[string]Session)
	for id, c := range m.clients {
		if c.session != nil && c.conn.State() == connection.StateReady {
			targets[id] = c.session
		}
	}
	m.mu.Unlock()

	m.logger.Debug().Strs("methods", methodNames(iface)).Int("sessions", len(targets)).Msg("interface set")

	var (
		g    errgroup.Group
		emu  sync.Mutex
		errs error
	)
	g.SetLimit(maxRebinds)
	for id, s := range targets {
		id, s := id, s
		g.Go(func() error {
			if err := s.SetInterface(ctx, iface, next); err != nil {
				emu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("client %s: %w", id, err))
				emu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Init registers a minimal interface with a no-op setup function.
func (m *Manager) Init(ctx context.Context, cfg *config.Plugin) error {
	setup := func(context.Context) error { return nil }
	return m.SetInterface(ctx, Interface{"setup": setup}, cfg)
}

// Start creates a connection on tr and announces the plugin on it. The returned client id
// names the connection in Stop. Setup failures are passed to onError and returned.
func (m *Manager) Start(ctx context.Context, pluginID string, tr transport.Transport, onReady ReadyFunc, onError ErrorFunc) (string, error) {
	clientID := uuid.NewString()
	logger := m.logger.With().Str("client_id", clientID).Logger()

	connOpts := m.opts.Connection
	connOpts.Logger = m.opts.Logger
	m.mu.Lock()
	connOpts.AllowExecution = connOpts.AllowExecution || m.config.AllowExecution
	cfg := m.config
	m.mu.Unlock()

	conn, err := connection.New(tr, pluginID, connOpts)
	if err != nil {
		return "", m.setupFailed(onError, "create connection", err)
	}
	c := &client{conn: conn}

	m.mu.Lock()
	m.clients[clientID] = c
	m.mu.Unlock()

	conn.On(message.TypeDisconnected, func(context.Context, message.Message) error {
		m.remove(clientID)
		c.reportDisconnect(onError, conn.Err())
		return nil
	})
	if onError != nil {
		// Errors reported before a session exists; the session forwards the later ones.
		conn.Once(message.TypeError, func(_ context.Context, msg message.Message) error {
			m.mu.Lock()
			bound := c.session != nil
			m.mu.Unlock()
			if !bound {
				onError(remoteError(msg))
			}
			return nil
		})
	}
	conn.Once(message.TypeInitialize, func(ctx context.Context, msg message.Message) error {
		return m.initialize(ctx, clientID, c, msg, onReady, onError)
	})

	if err := conn.Announce(ctx, cfg); err != nil {
		c.reportOnce.Do(func() {}) // the setup error below is the only report
		_ = conn.Disconnect()
		return "", m.setupFailed(onError, "announce", err)
	}
	logger.Info().Str("peer_id", conn.PeerID()).Str("plugin_id", pluginID).Msg("connection started")
	return clientID, nil
}

// initialize runs when the remote answers the announcement: it binds a session to the
// connection, advertises the interface and reports readiness.
func (m *Manager) initialize(ctx context.Context, clientID string, c *client, msg message.Message, onReady ReadyFunc, onError ErrorFunc) error {
	m.mu.Lock()
	local := m.config
	iface := m.iface
	codecs := copyCodecs(m.codecs)
	m.mu.Unlock()

	merged := mergeConfig(local, config.PluginFromMap(msg.Map(message.KeyConfig)), m.rpcID)
	session := m.factory(SessionParams{
		Conn:   c.conn,
		Config: merged,
		Codecs: codecs,
		Logger: m.opts.Logger,
	})

	session.On(message.TypeRemoteReady, func(context.Context, message.Message) error {
		m.logger.Debug().Str("client_id", clientID).Int("remote_api", len(session.Remote())).Msg("remote interface received")
		return nil
	})
	if onReady != nil {
		session.Once(message.TypeInterfaceSetAsRemote, func(context.Context, message.Message) error {
			onReady(m.remoteAPI(session))
			return nil
		})
	}
	session.Once(message.TypeDisconnected, func(context.Context, message.Message) error {
		c.reportDisconnect(onError, &connection.Error{Kind: connection.KindDisconnected, Message: "session disposed"})
		return nil
	})
	if onError != nil {
		session.On(message.TypeError, func(_ context.Context, msg message.Message) error {
			onError(remoteError(msg))
			return nil
		})
	}

	m.mu.Lock()
	c.session = session
	m.mu.Unlock()

	if err := session.SetInterface(ctx, iface, local); err != nil {
		return m.setupFailed(onError, "set interface", err)
	}
	if err := session.Init(ctx); err != nil {
		return m.setupFailed(onError, "init session", err)
	}
	return nil
}

// mergeConfig takes the remote's view of the plugin, fills gaps from the local defaults and
// keeps the local execution policy.
func mergeConfig(local, remote config.Plugin, rpcID string) config.Plugin {
	merged := remote
	if merged.Name == "" {
		merged.Name = local.Name
	}
	if merged.Version == "" {
		merged.Version = local.Version
	}
	if merged.APIVersion == "" {
		merged.APIVersion = local.APIVersion
	}
	if merged.Description == "" {
		merged.Description = local.Description
	}
	merged.AllowExecution = local.AllowExecution
	return merged.Normalize(rpcID)
}

// remoteAPI is the remote interface patched with the manager operations the local side
// may call on it.
func (m *Manager) remoteAPI(s Session) Remote {
	api := s.Remote()
	api["init"] = m.Init
	api["export"] = m.SetInterface
	api["register_codec"] = m.RegisterCodec
	api["dispose"] = s.Disconnect
	return api
}

func (c *client) reportDisconnect(onError ErrorFunc, err error) {
	c.reportOnce.Do(func() {
		if onError != nil {
			onError(err)
		}
	})
}

func remoteError(msg message.Message) error {
	return fmt.Errorf("remote error: %s", msg.String(message.KeyError))
}

func (m *Manager) setupFailed(onError ErrorFunc, step string, err error) error {
	setupErr := err
	if !connection.IsKind(err, connection.KindSetup) {
		setupErr = &connection.Error{Kind: connection.KindSetup, Message: step, Err: err}
	}
	m.logger.Error().Err(setupErr).Msg("connection setup failed")
	if onError != nil {
		onError(setupErr)
	}
	return setupErr
}

func (m *Manager) remove(clientID string) *client {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil
	}
	delete(m.clients, clientID)
	return c
}

// Stop disconnects one client.
func (m *Manager) Stop(clientID string) error {
	c := m.remove(clientID)
	if c == nil {
		return fmt.Errorf("unknown client %q", clientID)
	}
	m.mu.Lock()
	session := c.session
	m.mu.Unlock()
	if session != nil {
		return session.Disconnect()
	}
	return c.conn.Disconnect()
}

// Close disconnects every client.
func (m *Manager) Close() error {
	var errs error
	for _, id := range m.Clients() {
		if err := m.Stop(id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Clients lists the live client ids, sorted.
func (m *Manager) Clients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connection returns the connection of a client.
func (m *Manager) Connection(clientID string) (*connection.PeerConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, false
	}
	return c.conn, true
}
