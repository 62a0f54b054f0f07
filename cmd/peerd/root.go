package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bx-d/peer-rpc/config"
)

const envPrefix = "PEERD"

// envKeys are the settings that can be given as PEERD_* environment variables even when
// no flag is bound to them.
var envKeys = []string{
	"log_level", "log_format", "log_sampler", "rpc_id",
	"plugin.name", "plugin.description", "plugin.allow_execution",
	"transfer.chunk_size", "transfer.compression_threshold", "transfer.accept_encoding",
	"transfer.ttl_seconds",
	"listen.tcp_addr", "listen.websocket_addr", "listen.websocket_path", "listen.advertise_host",
	"listen.heartbeat_interval_seconds", "listen.idle_timeout_seconds", "listen.shutdown_timeout_seconds",
	"listen.handler_timeout_seconds",
	"registry.endpoints", "registry.service_name", "registry.ttl_seconds", "registry.weight",
	"execution.interpreter", "execution.installer", "execution.dir", "execution.timeout_seconds",
	"rate_limit.per_second", "rate_limit.burst",
}

// app carries the configuration sources shared by every subcommand.
// Precedence: flag > PEERD_* env > config file > built-in default.
type app struct {
	v          *viper.Viper
	configPath string
}

func newApp() *app {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return &app{v: v}
}

func NewRootCmd() *cobra.Command {
	return newApp().rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "peerd",
		Short:         "Peer RPC daemon",
		Long:          "Serve peer connections over TCP and WebSocket, advertise them in etcd, and run remote execute requests.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaults := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to a JSON config file")
	flags.Int("log-level", defaults.LogLevel, "Log level, -1 (trace) to 5 (panic)")
	flags.String("log-format", defaults.LogFormat, "Log format: json|console")
	flags.String("rpc-id", defaults.RPCID, "Id the daemon advertises for itself")
	flags.StringSlice("registry", nil, "etcd endpoints of the peer directory")
	a.bind(rootCmd, map[string]string{
		"log_level":          "log-level",
		"log_format":         "log-format",
		"rpc_id":             "rpc-id",
		"registry.endpoints": "registry",
	})

	InitRootCmd(rootCmd, a)
	return rootCmd
}

// bind ties config keys to flags of cmd.
func (a *app) bind(cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			flag = cmd.PersistentFlags().Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("peerd: no flag %q for %q", name, key))
		}
		_ = a.v.BindPFlag(key, flag)
	}
}

// load merges every configuration source and validates the result.
func (a *app) load() (config.Config, error) {
	if a.configPath != "" {
		a.v.SetConfigFile(a.configPath)
		a.v.SetConfigType("json")
		if err := a.v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config.Config
	if err := a.v.Unmarshal(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
