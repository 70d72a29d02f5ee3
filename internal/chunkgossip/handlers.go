package chunkgossip

import (
	"context"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/storagenode/chunkstore"
	"github.com/tagvault/filestore/internal/wireproto"
)

// RegisterHandlers wires the ChunkGossip RPC onto srv.
func (e *Engine) RegisterHandlers(srv *rpc.Server) {
	srv.Handle(wireproto.KindChunkGossip, e.handleChunkGossip)
}

// handleChunkGossip applies every tombstone in the message immediately
// (deletion must propagate fast to close the resurrection window) and
// reports, among the sender's chunk summaries, which chunk ids this node
// doesn't already have.
func (e *Engine) handleChunkGossip(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	var msg rpc.ChunkGossipMessage
	if err := req.Decode(&msg); err != nil {
		return err
	}

	for _, t := range msg.RecentTombstones {
		chunkID, err := id.Parse(t.ChunkID)
		if err != nil {
			continue
		}
		e.store.ApplyTombstone(chunkstore.Tombstone{ChunkID: chunkID, DeletedAt: t.DeletedAt, Checksum: t.Checksum})
	}

	var missing []string
	for _, s := range msg.ChunkSummaries {
		chunkID, err := id.Parse(s.ChunkID)
		if err != nil {
			continue
		}
		if e.store.Index.IsTombstoned(chunkID) {
			continue
		}
		if !e.store.Index.Has(chunkID) {
			missing = append(missing, s.ChunkID)
		}
	}

	return sess.Send(wireproto.KindChunkGossipResponse, rpc.ChunkGossipResponse{
		PeerAddress:     e.selfAddr,
		MissingChunkIDs: missing,
	})
}
