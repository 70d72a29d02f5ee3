package repair

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/storagenode/chunkstore"
	"github.com/tagvault/filestore/internal/wireproto"
)

// TargetHandler is the storage-node side of ReplicateChunk: on receiving
// the coordinator's instruction, it dials source_address itself and pulls
// the chunk over a FetchChunkData stream, the same wire exchange
// chunk-tier anti-entropy uses to close a gap between two peers.
// Grounded on chunkserver/grpc_server.py's ReplicateChunk handler, which
// dials the source chunkserver's ReadChunk RPC and writes the result
// through the local chunk index exactly the same way.
type TargetHandler struct {
	store  *chunkstore.Store
	client *rpc.Client
	tls    *tls.Config
}

// NewTargetHandler builds the storage-node-side ReplicateChunk handler.
func NewTargetHandler(store *chunkstore.Store, client *rpc.Client, tlsConf *tls.Config) *TargetHandler {
	return &TargetHandler{store: store, client: client, tls: tlsConf}
}

// RegisterHandlers wires ReplicateChunk onto srv.
func (h *TargetHandler) RegisterHandlers(srv *rpc.Server) {
	srv.Handle(wireproto.KindReplicateChunk, h.handleReplicateChunk)
}

func (h *TargetHandler) handleReplicateChunk(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	log := logging.WithComponent("repair")

	var rr rpc.ReplicateChunkRequest
	if err := req.Decode(&rr); err != nil {
		return err
	}
	chunkID, err := id.Parse(rr.ChunkID)
	if err != nil {
		return sess.Send(wireproto.KindReplicateChunkResponse, rpc.ReplicateChunkResponse{Success: false, Error: "malformed chunk id"})
	}

	data, meta, err := h.fetchFrom(ctx, rr.SourceAddress, chunkID)
	if err != nil {
		log.Warn().Err(err).Str("chunk_id", rr.ChunkID).Str("source", rr.SourceAddress).Msg("failed to pull chunk for repair")
		return sess.Send(wireproto.KindReplicateChunkResponse, rpc.ReplicateChunkResponse{Success: false, Error: err.Error()})
	}

	entry := chunkstore.Entry{ChunkID: chunkID, Checksum: meta.Checksum}
	if err := h.store.Write(entry, data); err != nil {
		return sess.Send(wireproto.KindReplicateChunkResponse, rpc.ReplicateChunkResponse{Success: false, Error: err.Error()})
	}

	log.Info().Str("chunk_id", rr.ChunkID).Str("source", rr.SourceAddress).Msg("replicated chunk via repair")
	return sess.Send(wireproto.KindReplicateChunkResponse, rpc.ReplicateChunkResponse{Success: true})
}

func (h *TargetHandler) fetchFrom(ctx context.Context, sourceAddr string, chunkID id.ID) ([]byte, rpc.ChunkMetadata, error) {
	sess, err := h.client.OpenStream(ctx, sourceAddr, h.tls, wireproto.KindFetchChunkData, rpc.FetchChunkDataRequest{ChunkID: chunkID.String()})
	if err != nil {
		return nil, rpc.ChunkMetadata{}, err
	}
	defer sess.Close()

	foundFrame, err := sess.ReadFrame()
	if err != nil {
		return nil, rpc.ChunkMetadata{}, err
	}
	if err := wireproto.AsError(foundFrame); err != nil {
		return nil, rpc.ChunkMetadata{}, err
	}
	var found rpc.FetchChunkResponse
	if err := foundFrame.Decode(&found); err != nil {
		return nil, rpc.ChunkMetadata{}, err
	}
	if !found.Found {
		return nil, rpc.ChunkMetadata{}, fmt.Errorf("repair: chunk %s not found on source %s", chunkID, sourceAddr)
	}

	metaFrame, err := sess.ReadFrame()
	if err != nil {
		return nil, rpc.ChunkMetadata{}, err
	}
	var meta rpc.ChunkMetadata
	if err := metaFrame.Decode(&meta); err != nil {
		return nil, rpc.ChunkMetadata{}, err
	}

	var data []byte
	for {
		pieceFrame, err := sess.ReadFrame()
		if err != nil {
			return nil, rpc.ChunkMetadata{}, err
		}
		var piece rpc.ChunkDataPiece
		if err := pieceFrame.Decode(&piece); err != nil {
			return nil, rpc.ChunkMetadata{}, err
		}
		raw, err := base64.StdEncoding.DecodeString(piece.DataBase64)
		if err != nil {
			return nil, rpc.ChunkMetadata{}, fmt.Errorf("repair: decode chunk data piece: %w", err)
		}
		data = append(data, raw...)
		if piece.Final {
			break
		}
	}

	if computed := chunkstore.ComputeChecksum(data); meta.Checksum != "" && computed != meta.Checksum {
		return nil, rpc.ChunkMetadata{}, &chunkstore.ErrChecksumMismatch{ChunkID: chunkID.String(), Expected: meta.Checksum, Actual: computed}
	}
	return data, meta, nil
}
