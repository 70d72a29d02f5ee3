package chunkae

import (
	"context"
	"encoding/base64"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/storagenode/chunkstore"
	"github.com/tagvault/filestore/internal/wireproto"
)

// RegisterHandlers wires GetChunkStateSummary, FetchChunkData,
// PushTombstones, and WriteChunk onto srv. WriteChunk is listed as a
// coordinator-to-storage method (§6) but the handler itself doesn't care
// who the caller is — anti-entropy's chunk push reuses it rather than
// inventing a second "write this chunk to me" RPC.
func (e *Engine) RegisterHandlers(srv *rpc.Server) {
	srv.Handle(wireproto.KindGetChunkStateSummary, e.handleGetChunkStateSummary)
	srv.Handle(wireproto.KindFetchChunkData, e.handleFetchChunkData)
	srv.Handle(wireproto.KindPushTombstones, e.handlePushTombstones)
	srv.Handle(wireproto.KindWriteChunk, e.handleWriteChunk)
	srv.Handle(wireproto.KindReadChunk, e.handleReadChunk)
	srv.Handle(wireproto.KindPing, e.handlePing)
}

// handleReadChunk answers the coordinator's client-read path. It is the
// same {found, metadata, data...} stream FetchChunkData sends, just
// reached through a different initiating method name per §6's
// coordinator-to-storage/storage-to-storage method split.
func (e *Engine) handleReadChunk(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	return e.handleFetchChunkData(ctx, sess, req)
}

func (e *Engine) handlePing(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	return sess.Send(wireproto.KindPong, rpc.PingResponse{Available: true})
}

func (e *Engine) handleGetChunkStateSummary(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	return sess.Send(wireproto.KindChunkStateSummary, rpc.ChunkStateSummary{
		NodeID:         e.selfAddr,
		ChunkIDs:       idStrings(e.store.Index.AllChunkIDs()),
		TombstoneIDs:   idStrings(e.store.Index.AllTombstoneIDs()),
		ChunkCount:     e.store.Index.Count(),
		TotalSizeBytes: e.store.Index.TotalSizeBytes(),
	})
}

func (e *Engine) handleFetchChunkData(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	var fr rpc.FetchChunkDataRequest
	if err := req.Decode(&fr); err != nil {
		return err
	}
	chunkID, err := id.Parse(fr.ChunkID)
	if err != nil {
		return sess.Send(wireproto.KindFetchChunkResponse, rpc.FetchChunkResponse{Found: false, ErrorMessage: "malformed chunk id"})
	}

	entry, ok := e.store.Index.Get(chunkID)
	if !ok {
		return sess.Send(wireproto.KindFetchChunkResponse, rpc.FetchChunkResponse{Found: false})
	}
	data, err := e.store.Read(chunkID)
	if err != nil {
		return sess.Send(wireproto.KindFetchChunkResponse, rpc.FetchChunkResponse{Found: false, ErrorMessage: err.Error()})
	}

	if err := sess.Send(wireproto.KindFetchChunkResponse, rpc.FetchChunkResponse{Found: true}); err != nil {
		return err
	}
	if err := sess.Send(wireproto.KindChunkMetadata, rpc.ChunkMetadata{ChunkID: entry.ChunkID.String(), Size: entry.Size, Checksum: entry.Checksum}); err != nil {
		return err
	}
	return sess.Send(wireproto.KindChunkDataPiece, rpc.ChunkDataPiece{DataBase64: base64.StdEncoding.EncodeToString(data), Final: true})
}

func (e *Engine) handlePushTombstones(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	var pr rpc.PushTombstonesRequest
	if err := req.Decode(&pr); err != nil {
		return err
	}

	processed := 0
	for _, t := range pr.Tombstones {
		chunkID, err := id.Parse(t.ChunkID)
		if err != nil {
			continue
		}
		e.store.ApplyTombstone(chunkstore.Tombstone{ChunkID: chunkID, DeletedAt: t.DeletedAt, Checksum: t.Checksum})
		processed++
	}
	return sess.Send(wireproto.KindPushTombstonesResponse, rpc.PushTombstonesResponse{Success: true, ProcessedCount: processed})
}

func (e *Engine) handleWriteChunk(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	log := logging.WithComponent("chunkae")

	var wr rpc.WriteChunkRequest
	if err := req.Decode(&wr); err != nil {
		return err
	}
	chunkID, err := id.Parse(wr.ChunkID)
	if err != nil {
		return sess.Send(wireproto.KindWriteChunkResponse, rpc.WriteChunkResponse{Success: false, ErrorMessage: "malformed chunk id"})
	}
	var fileID id.ID
	if wr.FileID != "" {
		fileID, _ = id.Parse(wr.FileID)
	}

	pieceFrame, err := sess.ReadFrame()
	if err != nil {
		return err
	}
	var piece rpc.ChunkDataPiece
	if err := pieceFrame.Decode(&piece); err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(piece.DataBase64)
	if err != nil {
		return sess.Send(wireproto.KindWriteChunkResponse, rpc.WriteChunkResponse{Success: false, ErrorMessage: "malformed chunk data"})
	}

	entry := chunkstore.Entry{ChunkID: chunkID, FileID: fileID, Checksum: wr.Checksum}
	if err := e.store.Write(entry, data); err != nil {
		log.Warn().Err(err).Str("chunk_id", wr.ChunkID).Msg("rejected chunk write")
		return sess.Send(wireproto.KindWriteChunkResponse, rpc.WriteChunkResponse{Success: false, ErrorMessage: err.Error()})
	}
	return sess.Send(wireproto.KindWriteChunkResponse, rpc.WriteChunkResponse{Success: true})
}
