// Package config holds the configuration records of a peer and of the peerd daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bx-d/peer-rpc/codec"
)

// Transfer tunes the wire layer of every connection.
type Transfer struct {
	ChunkSize            int      `json:"chunk_size" mapstructure:"chunk_size"`
	CompressionThreshold int      `json:"compression_threshold" mapstructure:"compression_threshold"`
	AcceptEncoding       []string `json:"accept_encoding" mapstructure:"accept_encoding"`
	// Partial transfers and parked messages older than this are dropped.
	TTLSeconds           int      `json:"ttl_seconds" mapstructure:"ttl_seconds"`
}

// Listen configures the daemon's listeners. An empty address disables the listener.
type Listen struct {
	TCPAddr                  string `json:"tcp_addr" mapstructure:"tcp_addr"`
	WebSocketAddr            string `json:"websocket_addr" mapstructure:"websocket_addr"`
	WebSocketPath            string `json:"websocket_path" mapstructure:"websocket_path"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" mapstructure:"heartbeat_interval_seconds"`
	IdleTimeoutSeconds       int    `json:"idle_timeout_seconds" mapstructure:"idle_timeout_seconds"`
	ShutdownTimeoutSeconds   int    `json:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
	// 0 lets inbound handlers run unbounded.
	HandlerTimeoutSeconds    int    `json:"handler_timeout_seconds" mapstructure:"handler_timeout_seconds"`
	// Host put in registry entries; default is the bound host, loopback for a wildcard bind.
	AdvertiseHost            string `json:"advertise_host" mapstructure:"advertise_host"`
}

// Registry configures advertisement in the etcd peer directory. No endpoints, no
// advertisement.
type Registry struct {
	Endpoints   []string `json:"endpoints" mapstructure:"endpoints"`
	ServiceName string   `json:"service_name" mapstructure:"service_name"`
	TTLSeconds  int      `json:"ttl_seconds" mapstructure:"ttl_seconds"`
	Weight      int      `json:"weight" mapstructure:"weight"`
}

// Execution configures the command executor used for inbound execute requests.
type Execution struct {
	Interpreter    []string `json:"interpreter" mapstructure:"interpreter"`
	Installer      []string `json:"installer" mapstructure:"installer"`
	Dir            string   `json:"dir" mapstructure:"dir"`
	TimeoutSeconds int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// RateLimit bounds inbound message dispatch across all connections of the daemon. Zero
// disables it.
type RateLimit struct {
	PerSecond float64 `json:"per_second" mapstructure:"per_second"`
	Burst     int     `json:"burst" mapstructure:"burst"`
}

// Config is the peerd daemon configuration.
type Config struct {
	LogLevel   int    `json:"log_level" mapstructure:"log_level"` // zerolog level, -1 (trace) to 5 (panic)
	LogFormat  string `json:"log_format" mapstructure:"log_format"`
	LogSampler bool   `json:"log_sampler" mapstructure:"log_sampler"`

	RPCID     string    `json:"rpc_id" mapstructure:"rpc_id"`
	Plugin    Plugin    `json:"plugin" mapstructure:"plugin"`
	Transfer  Transfer  `json:"transfer" mapstructure:"transfer"`
	Listen    Listen    `json:"listen" mapstructure:"listen"`
	Registry  Registry  `json:"registry" mapstructure:"registry"`
	Execution Execution `json:"execution" mapstructure:"execution"`
	RateLimit RateLimit `json:"rate_limit" mapstructure:"rate_limit"`
}

// DefaultRPCID is the id a manager advertises for itself.
const DefaultRPCID = "peer_rpc"

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.LogLevel = 1
	_ = Validate(&cfg)
	return cfg
}

// Validate fills in defaults, then rejects invalid values.
func Validate(cfg *Config) error {
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
	if cfg.LogLevel < -1 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between -1 and 5")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if cfg.RPCID == "" {
		cfg.RPCID = DefaultRPCID
	}
	cfg.Plugin = cfg.Plugin.Normalize(cfg.RPCID)

	// Transfer defaults
	if cfg.Transfer.ChunkSize == 0 {
		cfg.Transfer.ChunkSize = 512 * 1024
	}
	if cfg.Transfer.CompressionThreshold == 0 {
		cfg.Transfer.CompressionThreshold = 64 * 1024
	}
	if len(cfg.Transfer.AcceptEncoding) == 0 {
		cfg.Transfer.AcceptEncoding = codec.DefaultAccept()
	}
	if cfg.Transfer.TTLSeconds == 0 {
		cfg.Transfer.TTLSeconds = 300
	}
	if cfg.Transfer.ChunkSize < 0 || cfg.Transfer.CompressionThreshold < 0 || cfg.Transfer.TTLSeconds < 0 {
		return fmt.Errorf("transfer sizes must be positive")
	}
	for _, enc := range cfg.Transfer.AcceptEncoding {
		switch enc {
		case codec.EncodingMsgpack, codec.EncodingCBOR, codec.EncodingGzip, codec.EncodingJSON:
		default:
			return fmt.Errorf("unsupported encoding %q", enc)
		}
	}

	// Listener defaults
	if cfg.Listen.TCPAddr == "" && cfg.Listen.WebSocketAddr == "" {
		cfg.Listen.TCPAddr = "127.0.0.1:9310"
	}
	if cfg.Listen.WebSocketPath == "" {
		cfg.Listen.WebSocketPath = "/rpc"
	}
	if cfg.Listen.HeartbeatIntervalSeconds == 0 {
		cfg.Listen.HeartbeatIntervalSeconds = 30
	}
	if cfg.Listen.IdleTimeoutSeconds == 0 {
		cfg.Listen.IdleTimeoutSeconds = 90
	}
	if cfg.Listen.ShutdownTimeoutSeconds == 0 {
		cfg.Listen.ShutdownTimeoutSeconds = 10
	}
	if cfg.Listen.HandlerTimeoutSeconds < 0 {
		return fmt.Errorf("handler timeout must not be negative")
	}
	if cfg.Listen.IdleTimeoutSeconds <= cfg.Listen.HeartbeatIntervalSeconds {
		return fmt.Errorf("idle timeout must exceed the heartbeat interval")
	}

	// Registry defaults
	if cfg.Registry.ServiceName == "" {
		cfg.Registry.ServiceName = cfg.RPCID
	}
	if cfg.Registry.TTLSeconds == 0 {
		cfg.Registry.TTLSeconds = 10
	}
	if cfg.Registry.Weight == 0 {
		cfg.Registry.Weight = 1
	}

	// Execution defaults
	if cfg.Execution.TimeoutSeconds == 0 {
		cfg.Execution.TimeoutSeconds = 300
	}

	if cfg.RateLimit.PerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if cfg.RateLimit.PerSecond > 0 && cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = int(cfg.RateLimit.PerSecond) + 1
	}
	return nil
}

// Save validates cfg and writes it as indented JSON to path.
func Save(cfg *Config, path string) error {
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a JSON config file and validates it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
