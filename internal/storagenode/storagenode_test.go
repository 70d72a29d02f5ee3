package storagenode

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tagvault/filestore/internal/config"
)

func testConfig(t *testing.T) config.Storage {
	t.Helper()
	dir := t.TempDir()
	return config.Storage{
		NodeIDFilePath:        filepath.Join(dir, "chunkserver_id.json"),
		AdvertiseAddr:         "127.0.0.1:0",
		ListenAddr:            "127.0.0.1:0",
		ChunkStorePath:        filepath.Join(dir, "chunks"),
		ChunkIndexPath:        filepath.Join(dir, "chunk_index.json"),
		PeerCachePath:         filepath.Join(dir, "peer_cache.json"),
		ControllerServiceName: "controller",
		ControllerPort:        8000,
		StorageServiceName:    "chunkserver",
		StoragePort:           50051,
		GossipInterval:        time.Hour,
		AntiEntropyInterval:   time.Hour,
		GossipFanOut:          2,
		HeartbeatInterval:     time.Hour,
	}
}

func TestNodeStartStop(t *testing.T) {
	node := New(testConfig(t))
	require.Equal(t, StateStopped, node.State())

	require.NoError(t, node.Start(context.Background()))
	require.Equal(t, StateRunning, node.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, node.Stop(ctx))
	require.Equal(t, StateStopped, node.State())
}

func TestNodeStartTwiceFails(t *testing.T) {
	node := New(testConfig(t))
	require.NoError(t, node.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = node.Stop(ctx)
	}()

	err := node.Start(context.Background())
	require.Error(t, err)
}
