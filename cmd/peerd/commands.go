package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/bx-d/peer-rpc/client"
	"github.com/bx-d/peer-rpc/config"
	"github.com/bx-d/peer-rpc/connection"
	"github.com/bx-d/peer-rpc/executor"
	"github.com/bx-d/peer-rpc/loadbalance"
	"github.com/bx-d/peer-rpc/logger"
	"github.com/bx-d/peer-rpc/registry"
	"github.com/bx-d/peer-rpc/server"
)

var version = "dev"

const registryDialTimeout = 5 * time.Second

func InitRootCmd(rootCmd *cobra.Command, a *app) {
	rootCmd.AddCommand(serveCmd(a))
	rootCmd.AddCommand(execCmd(a))
	rootCmd.AddCommand(discoverCmd(a))
	rootCmd.AddCommand(configCmd(a))
	rootCmd.AddCommand(versionCmd())
}

func serveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept peer connections until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			log := logger.Init(cfg)

			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			if reg != nil {
				defer reg.Close()
			}

			srv := server.New(cfg, server.Options{
				Executor: &executor.CommandExecutor{
					Interpreter: cfg.Execution.Interpreter,
					Installer:   cfg.Execution.Installer,
					Dir:         cfg.Execution.Dir,
					Logger:      log,
				},
				Registry: reg,
				Logger:   log,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			served := make(chan error, 1)
			go func() { served <- srv.ListenAndServe(ctx) }()

			select {
			case err := <-served:
				// A listener failed on its own; still release what was started.
				return multierr.Append(err, srv.Shutdown(time.Second))
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			err = srv.Shutdown(time.Duration(cfg.Listen.ShutdownTimeoutSeconds) * time.Second)
			return multierr.Append(err, <-served)
		},
	}
	flags := cmd.Flags()
	flags.String("tcp-addr", "", "TCP listen address (default 127.0.0.1:9310 when no listener is set)")
	flags.String("ws-addr", "", "WebSocket listen address")
	flags.String("advertise-host", "", "Host put in registry entries")
	flags.Bool("allow-execution", false, "Run execute requests from peers")
	flags.StringSlice("interpreter", nil, "Command that runs scripts from stdin, e.g. python3,-")
	flags.StringSlice("installer", nil, "Command that installs requirements, e.g. python3,-m,pip,install")
	a.bind(cmd, map[string]string{
		"listen.tcp_addr":        "tcp-addr",
		"listen.websocket_addr":  "ws-addr",
		"listen.advertise_host":  "advertise-host",
		"plugin.allow_execution": "allow-execution",
		"execution.interpreter":  "interpreter",
		"execution.installer":    "installer",
	})
	return cmd
}

func execCmd(a *app) *cobra.Command {
	var (
		addr         string
		service      string
		balancer     string
		requirements []string
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "exec [script|-]",
		Short: "Run a script on a peer",
		Long:  "Connect to a peer, directly with --addr or through the registry, install requirements and run a script.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(requirements) == 0 {
				return errors.New("nothing to run: give a script or --requirements")
			}
			cfg, err := a.load()
			if err != nil {
				return err
			}
			log := logger.Init(cfg)

			var source string
			if len(args) == 1 {
				if source, err = readScript(cmd, args[0]); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := dialPeer(ctx, cfg, log, addr, service, balancer)
			if err != nil {
				return err
			}
			defer c.Close()

			if len(requirements) > 0 {
				task := connection.ExecuteTask{Type: connection.CodeRequirements, Requirements: requirements}
				if err := c.Execute(ctx, task); err != nil {
					return err
				}
			}
			if len(args) == 1 {
				task := connection.ExecuteTask{Type: connection.CodeScript, Content: source}
				if err := c.Execute(ctx, task); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "", "Peer address, host:port or ws:// URL; skips the registry")
	flags.StringVar(&service, "service", "", "Service to discover (default registry.service_name)")
	flags.StringVar(&balancer, "balancer", "round_robin", "round_robin|weighted_random|consistent_hash")
	flags.StringSliceVar(&requirements, "requirements", nil, "Packages to install before running")
	flags.DurationVar(&timeout, "timeout", 5*time.Minute, "Overall deadline")
	return cmd
}

func discoverCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "discover [service]",
		Short: "List the peers advertised for a service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			if reg == nil {
				return errors.New("no registry endpoints configured")
			}
			defer reg.Close()

			service := cfg.Registry.ServiceName
			if len(args) == 1 {
				service = args[0]
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			instances, err := reg.Discover(cmd.Context(), service)
			if err != nil {
				return err
			}
			if err := enc.Encode(instances); err != nil || !watch {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			for instances := range reg.Watch(ctx, service) {
				if err := enc.Encode(instances); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Print the instance list on every change until interrupted")
	return cmd
}

func configCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or write the daemon configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the effective configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if err := config.Save(&cfg, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print peerd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version:     %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "API version: %s\n", config.DefaultAPIVersion)
		},
	}
}

// openRegistry connects to etcd, or returns nil when no endpoints are configured.
func openRegistry(cfg config.Config) (registry.Registry, error) {
	if len(cfg.Registry.Endpoints) == 0 {
		return nil, nil
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, registryDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect registry: %w", err)
	}
	return reg, nil
}

func dialPeer(ctx context.Context, cfg config.Config, log zerolog.Logger, addr, service, balancer string) (*client.Client, error) {
	opts := client.Options{
		Config:               config.Plugin{Name: "peerd"}.Normalize("peerd-" + cfg.RPCID),
		Accept:               cfg.Transfer.AcceptEncoding,
		ChunkSize:            cfg.Transfer.ChunkSize,
		CompressionThreshold: cfg.Transfer.CompressionThreshold,
		Logger:               log,
	}
	if addr != "" {
		if isWebSocketURL(addr) {
			return client.DialWebSocket(ctx, addr, opts)
		}
		return client.Dial(ctx, registry.NetworkTCP, addr, opts)
	}

	reg, err := openRegistry(cfg)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, errors.New("no --addr and no registry endpoints configured")
	}
	defer reg.Close()

	bal, err := loadbalance.New(balancer)
	if err != nil {
		return nil, err
	}
	if service == "" {
		service = cfg.Registry.ServiceName
	}
	return client.DialService(ctx, reg, bal, service, opts)
}

func isWebSocketURL(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

func readScript(cmd *cobra.Command, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(data), nil
}
