package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPluginNormalize(t *testing.T) {
	p := Plugin{Name: "", AllowExecution: true}.Normalize("pyodide_rpc")
	assert.Equal(t, Plugin{
		ID:             "pyodide_rpc",
		Name:           "pyodide_rpc",
		Version:        DefaultVersion,
		APIVersion:     DefaultAPIVersion,
		Description:    DefaultDescription,
		AllowExecution: true,
	}, p)

	custom := Plugin{ID: "other", Name: "demo", Version: "1.2.0"}.Normalize("rpc")
	assert.Equal(t, "rpc", custom.ID, "id is always forced")
	assert.Equal(t, "demo", custom.Name)
	assert.Equal(t, "1.2.0", custom.Version)
}

func TestPluginMapRoundTrip(t *testing.T) {
	p := Plugin{Name: "demo", AllowExecution: true}.Normalize("rpc")
	assert.Equal(t, p, PluginFromMap(p.Map()))
	assert.Equal(t, Plugin{}, PluginFromMap(map[string]any{"id": 3}))
}

func TestValidateDefaults(t *testing.T) {
	cfg := Config{}
	require.NoError(t, Validate(&cfg))

	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, DefaultRPCID, cfg.RPCID)
	assert.Equal(t, DefaultRPCID, cfg.Plugin.ID)
	assert.Equal(t, 512*1024, cfg.Transfer.ChunkSize)
	assert.Equal(t, 64*1024, cfg.Transfer.CompressionThreshold)
	assert.Equal(t, 300, cfg.Transfer.TTLSeconds)
	assert.Equal(t, []string{"msgpack", "cbor", "gzip"}, cfg.Transfer.AcceptEncoding)
	assert.Equal(t, "127.0.0.1:9310", cfg.Listen.TCPAddr)
	assert.Equal(t, "/rpc", cfg.Listen.WebSocketPath)
	assert.Equal(t, DefaultRPCID, cfg.Registry.ServiceName)
	assert.Equal(t, 10, cfg.Registry.TTLSeconds)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"log level", Config{LogLevel: 9}},
		{"log format", Config{LogFormat: "xml"}},
		{"encoding", Config{Transfer: Transfer{AcceptEncoding: []string{"brotli"}}}},
		{"negative chunk", Config{Transfer: Transfer{ChunkSize: -1}}},
		{"idle below heartbeat", Config{Listen: Listen{HeartbeatIntervalSeconds: 30, IdleTimeoutSeconds: 10}}},
		{"negative rate", Config{RateLimit: RateLimit{PerSecond: -1}}},
		{"negative handler timeout", Config{Listen: Listen{HandlerTimeoutSeconds: -1}}},
		{"negative transfer ttl", Config{Transfer: Transfer{TTLSeconds: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Validate(&tt.cfg))
		})
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "peerd.json")
	cfg := Config{
		LogFormat: "json",
		RPCID:     "worker_rpc",
		Plugin:    Plugin{Name: "worker", AllowExecution: true},
		RateLimit: RateLimit{PerSecond: 50},
	}
	require.NoError(t, Save(&cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.Equal(t, 51, loaded.RateLimit.Burst)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)
}
