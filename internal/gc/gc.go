// Package gc runs the coordinator's distributed chunk garbage collector: a
// periodic round that takes a bounded batch of chunks already marked as
// orphaned, asks every peer controller whether it still considers the
// chunk live, and only deletes the chunk (from every storage node holding
// it, plus its placement rows) once every controller unanimously agrees
// it's unreferenced. A single dissenting or unreachable peer aborts the
// delete for that chunk this round, favoring safety over promptness.
//
// Grounded on
// original_source/controller/replication/chunk_gc_manager.py's
// ChunkGCManager (_gc_loop / _gc_round / _check_gc_quorum / _delete_chunk).
package gc

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/metadatastore"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/wireproto"
)

// Engine drives the periodic chunk GC round for one coordinator.
type Engine struct {
	store     *metadatastore.Store
	client    *rpc.Client
	tlsConf   *tls.Config
	batchSize int
	peers     func() ([]string, error)
}

// New builds a chunk GC Engine. batchSize bounds how many marked chunks
// one round considers, mirroring _get_chunks_marked_for_gc's LIMIT 10.
func New(store *metadatastore.Store, client *rpc.Client, tlsConf *tls.Config, batchSize int, peers func() ([]string, error)) *Engine {
	return &Engine{store: store, client: client, tlsConf: tlsConf, batchSize: batchSize, peers: peers}
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

// Round checks quorum for a batch of GC-marked chunks and deletes whatever
// quorum agrees is safe to remove, mirroring _gc_round.
func (e *Engine) Round(ctx context.Context) {
	log := logging.WithComponent("gc")

	marked, err := e.store.ChunksMarkedForGC()
	if err != nil {
		log.Error().Err(err).Msg("failed to list chunks marked for gc")
		return
	}
	if len(marked) == 0 {
		log.Debug().Msg("no chunks marked for gc")
		return
	}
	if len(marked) > e.batchSize {
		marked = marked[:e.batchSize]
	}

	peerAddrs, err := e.peers()
	if err != nil {
		log.Warn().Err(err).Msg("peer discovery failed for gc quorum")
		return
	}
	if len(peerAddrs) == 0 {
		log.Debug().Msg("no peers found for gc quorum, skipping")
		return
	}

	log.Info().Int("chunks", len(marked)).Int("peers", len(peerAddrs)).Msg("starting gc round")

	for _, chunkID := range marked {
		shouldDelete, err := e.checkQuorum(ctx, chunkID, peerAddrs)
		if err != nil {
			log.Error().Err(err).Str("chunk_id", chunkID.String()).Msg("error checking gc quorum")
			continue
		}

		if shouldDelete {
			if err := e.deleteChunk(ctx, chunkID); err != nil {
				log.Error().Err(err).Str("chunk_id", chunkID.String()).Msg("failed to delete chunk via gc")
			}
			continue
		}
		log.Debug().Str("chunk_id", chunkID.String()).Msg("peer reports chunk live or quorum inconclusive, deferring delete to a later round")
	}
}

// checkQuorum reports whether every controller — this one and every peer —
// agrees chunkID is unreferenced. A local live reference clears the GC mark
// outright, since a new file now references the chunk and it is no longer
// a delete candidate at all. A peer reporting it live, or a peer being
// unreachable, also aborts the delete for this round but leaves the mark
// set so a later round — once that peer has caught up — can retry; the
// chunk must stay a candidate rather than quietly fall out of GC forever.
func (e *Engine) checkQuorum(ctx context.Context, chunkID id.ID, peerAddrs []string) (bool, error) {
	log := logging.WithComponent("gc")

	localLive, err := e.store.IsChunkReferenced(chunkID)
	if err != nil {
		return false, err
	}
	if localLive {
		log.Debug().Str("chunk_id", chunkID.String()).Msg("chunk is live locally, clearing gc mark")
		if err := e.store.ClearGCMark(chunkID); err != nil {
			log.Error().Err(err).Str("chunk_id", chunkID.String()).Msg("failed to clear gc mark")
		}
		return false, nil
	}

	for _, addr := range peerAddrs {
		var resp rpc.QueryChunkLivenessResponse
		req := rpc.QueryChunkLivenessRequest{ChunkID: chunkID.String()}
		if err := e.client.Call(ctx, addr, e.tlsConf, wireproto.KindQueryChunkLiveness, req, &resp); err != nil {
			log.Warn().Err(err).Str("peer", addr).Str("chunk_id", chunkID.String()).Msg("failed to query chunk liveness, aborting delete for safety")
			return false, nil
		}
		if resp.IsLive {
			log.Info().Str("chunk_id", chunkID.String()).Str("peer", addr).Msg("chunk is live on peer")
			return false, nil
		}
	}

	log.Info().Str("chunk_id", chunkID.String()).Int("controllers", len(peerAddrs)+1).Msg("gc quorum reached")
	return true, nil
}

// deleteChunk removes chunkID from every storage node currently holding
// it, then drops its placement rows and GC mark.
func (e *Engine) deleteChunk(ctx context.Context, chunkID id.ID) error {
	log := logging.WithComponent("gc")

	locations, err := e.store.PlacementsForChunk(chunkID)
	if err != nil {
		return err
	}

	nodes, err := e.store.AllStorageNodes()
	if err != nil {
		return err
	}
	addrByNode := make(map[id.ID]string, len(nodes))
	for _, n := range nodes {
		addrByNode[n.NodeID] = n.Address
	}

	for _, nodeID := range locations {
		addr, ok := addrByNode[nodeID]
		if !ok {
			continue
		}
		var resp rpc.DeleteChunkResponse
		if err := e.client.Call(ctx, addr, e.tlsConf, wireproto.KindDeleteChunk, rpc.DeleteChunkRequest{ChunkID: chunkID.String()}, &resp); err != nil {
			log.Warn().Err(err).Str("chunk_id", chunkID.String()).Str("node", addr).Msg("failed to delete chunk on storage node")
			continue
		}
		if !resp.Success {
			log.Warn().Str("chunk_id", chunkID.String()).Str("node", addr).Str("error", resp.ErrorMessage).Msg("storage node rejected chunk delete")
		}
	}

	if err := e.store.DeletePlacementsForChunk(chunkID); err != nil {
		return err
	}
	if err := e.store.ClearGCMark(chunkID); err != nil {
		return err
	}
	log.Info().Str("chunk_id", chunkID.String()).Msg("successfully deleted chunk via distributed gc")
	return nil
}

// RegisterHandlers wires the coordinator-to-coordinator QueryChunkLiveness
// RPC that lets a peer's gc round check quorum against this controller.
func RegisterHandlers(srv *rpc.Server, store *metadatastore.Store) {
	h := &livenessHandler{store: store}
	srv.Handle(wireproto.KindQueryChunkLiveness, h.handleQueryChunkLiveness)
}

type livenessHandler struct {
	store *metadatastore.Store
}

func (h *livenessHandler) handleQueryChunkLiveness(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	var qr rpc.QueryChunkLivenessRequest
	if err := req.Decode(&qr); err != nil {
		return err
	}
	chunkID, err := id.Parse(qr.ChunkID)
	if err != nil {
		return sess.Send(wireproto.KindQueryChunkLivenessResponse, rpc.QueryChunkLivenessResponse{ChunkID: qr.ChunkID, IsLive: true})
	}

	live, err := h.store.IsChunkReferenced(chunkID)
	if err != nil {
		// Erring toward "live" on a local failure is the same
		// fail-safe the Python's RPC-error branch achieves elsewhere:
		// an uncertain answer must never cause a peer to delete.
		return sess.Send(wireproto.KindQueryChunkLivenessResponse, rpc.QueryChunkLivenessResponse{ChunkID: qr.ChunkID, IsLive: true})
	}

	var referencedBy []string
	if live {
		fileIDs, err := h.store.FileIDsReferencingChunk(chunkID)
		if err == nil {
			referencedBy = make([]string, len(fileIDs))
			for i, fid := range fileIDs {
				referencedBy[i] = fid.String()
			}
		}
	}

	return sess.Send(wireproto.KindQueryChunkLivenessResponse, rpc.QueryChunkLivenessResponse{
		ChunkID: qr.ChunkID, IsLive: live, ReferencedByFiles: referencedBy,
	})
}
