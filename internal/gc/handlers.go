package gc

import (
	"context"
	"time"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/storagenode/chunkstore"
	"github.com/tagvault/filestore/internal/wireproto"
)

// StorageHandler is the storage-node side of distributed GC: it answers
// DeleteChunk once the coordinator's quorum round confirms a chunk is
// safe to remove. Grounded on chunk_storage.py's delete_chunk, reached via
// chunkserver_client.delete_chunk in _delete_chunk.
type StorageHandler struct {
	store *chunkstore.Store
}

// NewStorageHandler builds the storage-node-side DeleteChunk handler.
func NewStorageHandler(store *chunkstore.Store) *StorageHandler {
	return &StorageHandler{store: store}
}

// RegisterHandlers wires DeleteChunk onto srv.
func (h *StorageHandler) RegisterHandlers(srv *rpc.Server) {
	srv.Handle(wireproto.KindDeleteChunk, h.handleDeleteChunk)
}

func (h *StorageHandler) handleDeleteChunk(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	log := logging.WithComponent("gc")

	var dr rpc.DeleteChunkRequest
	if err := req.Decode(&dr); err != nil {
		return err
	}
	chunkID, err := id.Parse(dr.ChunkID)
	if err != nil {
		return sess.Send(wireproto.KindDeleteChunkResponse, rpc.DeleteChunkResponse{Success: false, ErrorMessage: "malformed chunk id"})
	}

	if err := h.store.Delete(chunkID, time.Now().UnixMilli()); err != nil {
		log.Warn().Err(err).Str("chunk_id", dr.ChunkID).Msg("failed to delete chunk")
		return sess.Send(wireproto.KindDeleteChunkResponse, rpc.DeleteChunkResponse{Success: false, ErrorMessage: err.Error()})
	}
	log.Info().Str("chunk_id", dr.ChunkID).Msg("deleted chunk via distributed gc")
	return sess.Send(wireproto.KindDeleteChunkResponse, rpc.DeleteChunkResponse{Success: true})
}
