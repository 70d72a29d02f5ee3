package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/metadatastore"
)

// Handler answers a storage node's heartbeat POST by upserting its
// registry row, grounded on heartbeat_service.py's request body and
// chunkserver_health.py's record_heartbeat bookkeeping.
type Handler struct {
	store *metadatastore.Store
}

// NewHandler builds the coordinator-side heartbeat HTTP handler.
func NewHandler(store *metadatastore.Store) *Handler {
	return &Handler{store: store}
}

// ServeHTTP implements http.Handler for heartbeatPath.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var p HeartbeatPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "malformed heartbeat body", http.StatusBadRequest)
		return
	}
	nodeID, err := id.Parse(p.NodeID)
	if err != nil {
		http.Error(w, "malformed node id", http.StatusBadRequest)
		return
	}

	err = h.store.UpsertStorageNode(metadatastore.StorageNode{
		NodeID:          nodeID,
		Address:         p.Address,
		LastHeartbeatAt: time.Now().UnixMilli(),
		CapacityBytes:   p.CapacityBytes,
		UsedBytes:       p.UsedBytes,
		Status:          metadatastore.NodeActive,
	})
	if err != nil {
		logging.WithComponent("health").Error().Err(err).Str("node_id", p.NodeID).Msg("failed to record heartbeat")
		http.Error(w, "failed to record heartbeat", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Mux builds a *http.ServeMux exposing h at heartbeatPath. The heartbeat
// exchange is a single route, so a full router library would add a
// dependency without buying anything a ServeMux doesn't already do.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(heartbeatPath, h)
	return mux
}

// Monitor periodically sweeps the storage node registry, marking any node
// whose last heartbeat is older than Timeout as failed and any node that
// has resumed heartbeating as active again. Grounded on
// chunkserver_health.py's ChunkserverHealthMonitor (_check_chunkserver_health),
// including its symmetric recovery logging — a node isn't just marked
// failed and forgotten, it's marked healthy again the moment it resumes.
type Monitor struct {
	store   *metadatastore.Store
	timeout time.Duration
}

// NewMonitor builds a heartbeat-timeout health Monitor.
func NewMonitor(store *metadatastore.Store, timeout time.Duration) *Monitor {
	return &Monitor{store: store, timeout: timeout}
}

// Run sweeps every interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one health-check pass over every registered storage node.
func (m *Monitor) Sweep() {
	log := logging.WithComponent("health")

	nodes, err := m.store.AllStorageNodes()
	if err != nil {
		log.Error().Err(err).Msg("failed to list storage nodes for health sweep")
		return
	}

	cutoff := time.Now().Add(-m.timeout).UnixMilli()
	for _, n := range nodes {
		stale := n.LastHeartbeatAt < cutoff

		if stale && n.Status == metadatastore.NodeActive {
			log.Warn().Str("node_id", n.NodeID.String()).Str("address", n.Address).Msg("storage node missed heartbeat deadline, marking failed")
			if err := m.store.SetStorageNodeStatus(n.NodeID, metadatastore.NodeFailed); err != nil {
				log.Error().Err(err).Str("node_id", n.NodeID.String()).Msg("failed to mark storage node failed")
			}
			continue
		}
		if !stale && n.Status == metadatastore.NodeFailed {
			log.Info().Str("node_id", n.NodeID.String()).Str("address", n.Address).Msg("storage node resumed heartbeating, marking active")
			if err := m.store.SetStorageNodeStatus(n.NodeID, metadatastore.NodeActive); err != nil {
				log.Error().Err(err).Str("node_id", n.NodeID.String()).Msg("failed to mark storage node active")
			}
		}
	}
}
