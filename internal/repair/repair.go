// Package repair runs the coordinator's background chunk repair loop: every
// tick it walks the full chunk manifest, compares each chunk's recorded
// placements against the currently active storage node set, and directs an
// under-replicated chunk's replication to whichever active nodes don't yet
// hold a copy. Unlike chunk gossip/anti-entropy (which reconcile two peers
// against each other), repair is coordinator-driven and one-directional:
// it only ever adds placements, it never removes one.
//
// Grounded on original_source/controller/chunk_repair.py's
// ChunkRepairService (_repair_loop / _check_replication_health /
// _replicate_chunk) and chunk_placement.py's ChunkPlacementManager, whose
// "replicate to every available server, no maximum cap" policy this
// carries forward unchanged.
package repair

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/metadatastore"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/wireproto"
)

// Engine drives the periodic chunk repair tick for the coordinator.
type Engine struct {
	store   *metadatastore.Store
	client  *rpc.Client
	tlsConf *tls.Config
}

// New builds a repair Engine.
func New(store *metadatastore.Store, client *rpc.Client, tlsConf *tls.Config) *Engine {
	return &Engine{store: store, client: client, tlsConf: tlsConf}
}

// Run ticks every interval until ctx is canceled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Round(ctx)
		}
	}
}

// Round checks every chunk's replication against the active node set and
// issues ReplicateChunk for whatever's missing, mirroring
// _check_replication_health.
func (e *Engine) Round(ctx context.Context) {
	log := logging.WithComponent("repair")

	allChunkIDs, err := e.store.AllChunkIDs()
	if err != nil {
		log.Error().Err(err).Msg("failed to list chunk ids for repair")
		return
	}
	activeNodes, err := e.store.ActiveStorageNodes()
	if err != nil {
		log.Error().Err(err).Msg("failed to list active storage nodes for repair")
		return
	}
	if len(activeNodes) == 0 {
		log.Warn().Msg("no healthy storage nodes available for repair")
		return
	}

	addrByNode := make(map[id.ID]string, len(activeNodes))
	for _, n := range activeNodes {
		addrByNode[n.NodeID] = n.Address
	}

	log.Info().Int("chunks", len(allChunkIDs)).Int("nodes", len(activeNodes)).Msg("checking chunk replication health")

	needed, succeeded := 0, 0
	for _, chunkID := range allChunkIDs {
		locations, err := e.store.PlacementsForChunk(chunkID)
		if err != nil {
			log.Error().Err(err).Str("chunk_id", chunkID.String()).Msg("failed to read placements")
			continue
		}
		current := make(map[id.ID]struct{}, len(locations))
		for _, nodeID := range locations {
			current[nodeID] = struct{}{}
		}

		var missing []id.ID
		for nodeID := range addrByNode {
			if _, ok := current[nodeID]; !ok {
				missing = append(missing, nodeID)
			}
		}
		if len(missing) == 0 {
			continue
		}
		needed += len(missing)

		if len(current) == 0 {
			log.Warn().Str("chunk_id", chunkID.String()).Msg("chunk has no surviving placements, cannot repair")
			continue
		}
		var sourceAddr string
		for nodeID := range current {
			if addr, ok := addrByNode[nodeID]; ok {
				sourceAddr = addr
				break
			}
		}
		if sourceAddr == "" {
			log.Warn().Str("chunk_id", chunkID.String()).Msg("no active source node holds chunk, cannot repair")
			continue
		}

		for _, targetNodeID := range missing {
			targetAddr := addrByNode[targetNodeID]
			if err := e.replicate(ctx, chunkID, sourceAddr, targetAddr); err != nil {
				log.Warn().Err(err).Str("chunk_id", chunkID.String()).Str("target", targetAddr).Msg("chunk replication failed")
				continue
			}
			if err := e.store.InsertPlacement(chunkID, targetNodeID); err != nil {
				log.Error().Err(err).Str("chunk_id", chunkID.String()).Msg("replicated chunk but failed to record placement")
				continue
			}
			succeeded++
		}
	}

	if needed > 0 {
		log.Info().Int("needed", needed).Int("succeeded", succeeded).Msg("repair cycle complete")
	}
}

// replicate asks targetAddr to pull chunkID from sourceAddr via the
// ReplicateChunk RPC, grounded on _replicate_chunk.
func (e *Engine) replicate(ctx context.Context, chunkID id.ID, sourceAddr, targetAddr string) error {
	var resp rpc.ReplicateChunkResponse
	req := rpc.ReplicateChunkRequest{ChunkID: chunkID.String(), SourceAddress: sourceAddr}
	if err := e.client.Call(ctx, targetAddr, e.tlsConf, wireproto.KindReplicateChunk, req, &resp); err != nil {
		return fmt.Errorf("repair: replicate chunk rpc: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("repair: target rejected replication: %s", resp.Error)
	}
	return nil
}
