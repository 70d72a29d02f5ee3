package health

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/metadatastore"
)

func openTestStore(t *testing.T) *metadatastore.Store {
	t.Helper()
	s, err := metadatastore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSenderSendAllPostsHeartbeatToEveryCoordinator(t *testing.T) {
	store := openTestStore(t)
	srv := httptest.NewServer(NewHandler(store).Mux())
	defer srv.Close()

	nodeID := id.New()
	sender := NewSender(nodeID, "127.0.0.1:9000", func() (int64, int64, error) {
		return 1000, 250, nil
	}, func() ([]string, error) {
		return []string{srv.Listener.Addr().String()}, nil
	})

	sender.SendAll(context.Background())

	nodes, err := store.AllStorageNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, nodeID, nodes[0].NodeID)
	require.Equal(t, "127.0.0.1:9000", nodes[0].Address)
	require.Equal(t, int64(1000), nodes[0].CapacityBytes)
	require.Equal(t, int64(250), nodes[0].UsedBytes)
	require.Equal(t, metadatastore.NodeActive, nodes[0].Status)
}

func TestSenderExcludesCoordinatorAfterConsecutiveFailures(t *testing.T) {
	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	var sent int
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sent++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer okSrv.Close()

	failAddr := failSrv.Listener.Addr().String()
	okAddr := okSrv.Listener.Addr().String()

	sender := NewSender(id.New(), "127.0.0.1:9000", func() (int64, int64, error) {
		return 1, 1, nil
	}, func() ([]string, error) {
		return []string{failAddr, okAddr}, nil
	})

	for i := 0; i < maxConsecutiveFailures; i++ {
		sender.SendAll(context.Background())
	}
	before := sent
	sender.SendAll(context.Background())

	require.True(t, sender.isExcluded(failAddr), "coordinator should be excluded after repeated failures")
	require.False(t, sender.isExcluded(okAddr))
	require.Equal(t, before+1, sent, "healthy coordinator keeps receiving heartbeats")
}

func TestHandlerRejectsMalformedPayload(t *testing.T) {
	store := openTestStore(t)
	srv := httptest.NewServer(NewHandler(store).Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+heartbeatPath, "application/json", bytes.NewReader([]byte(`{"node_id":"not-a-uuid"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerRejectsNonPostMethod(t *testing.T) {
	store := openTestStore(t)
	srv := httptest.NewServer(NewHandler(store).Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + heartbeatPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMonitorMarksStaleNodeFailedAndRecoversOnFreshHeartbeat(t *testing.T) {
	store := openTestStore(t)
	nodeID := id.New()

	require.NoError(t, store.UpsertStorageNode(metadatastore.StorageNode{
		NodeID:          nodeID,
		Address:         "127.0.0.1:9001",
		LastHeartbeatAt: time.Now().Add(-time.Hour).UnixMilli(),
		Status:          metadatastore.NodeActive,
	}))

	mon := NewMonitor(store, 30*time.Second)
	mon.Sweep()

	nodes, err := store.AllStorageNodes()
	require.NoError(t, err)
	require.Equal(t, metadatastore.NodeFailed, nodes[0].Status)

	require.NoError(t, store.UpsertStorageNode(metadatastore.StorageNode{
		NodeID:          nodeID,
		Address:         "127.0.0.1:9001",
		LastHeartbeatAt: time.Now().UnixMilli(),
		Status:          metadatastore.NodeFailed,
	}))
	mon.Sweep()

	nodes, err = store.AllStorageNodes()
	require.NoError(t, err)
	require.Equal(t, metadatastore.NodeActive, nodes[0].Status)
}
