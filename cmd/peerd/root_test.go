package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bx-d/peer-rpc/config"
)

func writeConfig(t *testing.T, v map[string]any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "peerd.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	a := newApp()
	a.rootCmd()

	cfg, err := a.load()
	require.NoError(t, err)
	def := config.Default()
	assert.Equal(t, def.RPCID, cfg.RPCID)
	assert.Equal(t, def.Plugin, cfg.Plugin)
	assert.Equal(t, def.Listen, cfg.Listen)
	assert.Equal(t, def.Transfer, cfg.Transfer)
	assert.Empty(t, cfg.Registry.Endpoints)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"log_format": "json",
		"rpc_id":     "from-file",
		"listen":     map[string]any{"tcp_addr": "127.0.0.1:7000", "websocket_addr": "127.0.0.1:7001"},
		"registry":   map[string]any{"weight": 5},
	})
	t.Setenv("PEERD_RPC_ID", "from-env")
	t.Setenv("PEERD_REGISTRY_WEIGHT", "7")

	a := newApp()
	root := a.rootCmd()
	require.NoError(t, root.PersistentFlags().Set("config", path))
	require.NoError(t, root.PersistentFlags().Set("log-format", "console"))

	cfg, err := a.load()
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.LogFormat, "flag beats file")
	assert.Equal(t, "from-env", cfg.RPCID, "env beats file")
	assert.Equal(t, "from-env", cfg.Plugin.ID)
	assert.Equal(t, "from-env", cfg.Registry.ServiceName)
	assert.Equal(t, 7, cfg.Registry.Weight)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen.TCPAddr)
	assert.Equal(t, "127.0.0.1:7001", cfg.Listen.WebSocketAddr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, map[string]any{"log_format": "xml"})
	a := newApp()
	root := a.rootCmd()
	require.NoError(t, root.PersistentFlags().Set("config", path))
	require.NoError(t, root.PersistentFlags().Set("log-format", "xml"))

	_, err := a.load()
	assert.ErrorContains(t, err, "log format")
}

func TestConfigInitWritesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "peerd.json")
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", path, "--rpc-id", "calc"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "calc", cfg.RPCID)
}

func TestExecNeedsWork(t *testing.T) {
	root := NewRootCmd()
	root.SetArgs([]string{"exec"})
	assert.ErrorContains(t, root.Execute(), "nothing to run")
}

func TestIsWebSocketURL(t *testing.T) {
	assert.True(t, isWebSocketURL("ws://127.0.0.1:9311/rpc"))
	assert.True(t, isWebSocketURL("wss://peer.example/rpc"))
	assert.False(t, isWebSocketURL("127.0.0.1:9310"))
}
