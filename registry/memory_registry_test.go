package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "calc", PeerInstance{Addr: "b:2", Weight: 1}, 10))
	require.NoError(t, reg.Register(ctx, "calc", PeerInstance{Addr: "a:1", Weight: 3}, 10))
	require.NoError(t, reg.Register(ctx, "other", PeerInstance{Addr: "c:3"}, 10))

	list, err := reg.Discover(ctx, "calc")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a:1", list[0].Addr)

	require.NoError(t, reg.Deregister(ctx, "calc", "a:1"))
	list, _ = reg.Discover(ctx, "calc")
	assert.Equal(t, []PeerInstance{{Addr: "b:2", Weight: 1}}, list)

	empty, err := reg.Discover(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryRegistryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	updates := reg.Watch(ctx, "calc")
	require.NoError(t, reg.Register(context.Background(), "calc", PeerInstance{Addr: "a:1"}, 10))
	require.NoError(t, reg.Register(context.Background(), "calc", PeerInstance{Addr: "b:2"}, 10))

	// Only the latest list is kept for a slow watcher.
	select {
	case list := <-updates:
		assert.Len(t, list, 2)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	cancel()
	select {
	case _, ok := <-updates:
		assert.False(t, ok, "channel closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("watch not closed")
	}
}
