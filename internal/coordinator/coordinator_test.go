package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tagvault/filestore/internal/config"
)

func testConfig(t *testing.T) config.Coordinator {
	t.Helper()
	dir := t.TempDir()
	return config.Coordinator{
		AdvertiseAddr:            "127.0.0.1:0",
		ListenAddr:               "127.0.0.1:0",
		DatabasePath:             filepath.Join(dir, "metadata.db"),
		PeerCachePath:            filepath.Join(dir, "peer_cache.json"),
		NodeIDFilePath:           filepath.Join(dir, "controller_id.json"),
		ReplicationAdvertiseAddr: "127.0.0.1:0",
		ReplicationListenAddr:    "127.0.0.1:0",
		ReplicationPort:          50052,
		ControllerServiceName:    "controller",
		ControllerPort:           8000,
		StorageServiceName:       "chunkserver",
		StoragePort:              50051,
		GossipInterval:           time.Hour,
		AntiEntropyInterval:      time.Hour,
		GossipFanOut:             2,
		RepairInterval:           time.Hour,
		GCInterval:               time.Hour,
		GCBatchSize:              10,
		HeartbeatTimeout:         time.Minute,
	}
}

func TestNodeStartStop(t *testing.T) {
	node := New(testConfig(t))
	require.Equal(t, StateStopped, node.State())

	require.NoError(t, node.Start(context.Background()))
	require.Equal(t, StateRunning, node.State())
	require.NotNil(t, node.Emitter())

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

func TestNodeStopWithoutStartFails(t *testing.T) {
	node := New(testConfig(t))
	err := node.Stop(context.Background())
	require.Error(t, err)
}
