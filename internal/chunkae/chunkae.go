// Package chunkae implements chunk-tier anti-entropy: a periodic full
// reconciliation with one random storage-node peer that exchanges complete
// chunk-id and tombstone-id sets and closes whatever gap chunk gossip's
// bounded summaries left behind, pulling chunks only the peer has and
// pushing chunks only this node has, plus a tombstone delta.
//
// Grounded on
// original_source/chunkserver/replication/chunk_anti_entropy_manager.py's
// ChunkAntiEntropyManager (_anti_entropy_round, _fetch_chunks_from_peer,
// _push_chunks_to_peer, _exchange_tombstones).
package chunkae

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"math/rand"
	"time"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/storagenode/chunkstore"
	"github.com/tagvault/filestore/internal/wireproto"
)

// Engine drives the periodic chunk-tier anti-entropy round for one storage
// node.
type Engine struct {
	selfAddr string
	store    *chunkstore.Store
	client   *rpc.Client
	tls      *tls.Config
	peers    func() ([]string, error)
}

// New builds a chunk anti-entropy Engine.
func New(selfAddr string, store *chunkstore.Store, client *rpc.Client, tlsConf *tls.Config, peers func() ([]string, error)) *Engine {
	return &Engine{selfAddr: selfAddr, store: store, client: client, tls: tlsConf, peers: peers}
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

// Round picks one random peer and reconciles chunk state with it.
func (e *Engine) Round(ctx context.Context) {
	log := logging.WithComponent("chunkae")

	addrs, err := e.peers()
	if err != nil {
		log.Warn().Err(err).Msg("peer discovery failed")
		return
	}
	if len(addrs) == 0 {
		log.Debug().Msg("no chunkserver peers found for anti-entropy")
		return
	}
	addr := addrs[rand.Intn(len(addrs))]

	if err := e.syncWith(ctx, addr); err != nil {
		log.Warn().Err(err).Str("peer", addr).Msg("chunk anti-entropy round failed")
	}
}

func (e *Engine) syncWith(ctx context.Context, addr string) error {
	log := logging.WithComponent("chunkae")

	myChunks := toSet(idStrings(e.store.Index.AllChunkIDs()))
	myTombstones := toSet(idStrings(e.store.Index.AllTombstoneIDs()))

	var summary rpc.ChunkStateSummary
	if err := e.client.Call(ctx, addr, e.tls, wireproto.KindGetChunkStateSummary, rpc.Empty{}, &summary); err != nil {
		return fmt.Errorf("chunkae: get chunk state summary: %w", err)
	}
	peerChunks := toSet(summary.ChunkIDs)
	peerTombstones := toSet(summary.TombstoneIDs)

	missingFromMe := subtract(subtract(peerChunks, myChunks), myTombstones)
	missingFromPeer := subtract(subtract(myChunks, peerChunks), peerTombstones)

	log.Info().Str("peer", addr).Int("missing_from_me", len(missingFromMe)).
		Int("missing_from_peer", len(missingFromPeer)).Msg("chunk anti-entropy round")

	if len(missingFromMe) > 0 {
		e.pull(ctx, addr, missingFromMe)
	}
	if len(missingFromPeer) > 0 {
		e.push(ctx, addr, missingFromPeer)
	}

	tombstonesToPush := subtract(myTombstones, peerTombstones)
	if len(tombstonesToPush) > 0 {
		if err := e.pushTombstones(ctx, addr, tombstonesToPush); err != nil {
			log.Warn().Err(err).Str("peer", addr).Msg("tombstone push failed")
		}
	}
	return nil
}

// pull fetches each chunk id in ids from addr, skipping anything already
// tombstoned locally (the resurrection guard, §4.7) and verifying checksum
// before writing.
func (e *Engine) pull(ctx context.Context, addr string, ids []string) {
	log := logging.WithComponent("chunkae")

	for _, s := range ids {
		chunkID, err := id.Parse(s)
		if err != nil {
			continue
		}
		if e.store.Index.IsTombstoned(chunkID) {
			log.Debug().Str("chunk_id", s).Msg("skipping fetch of tombstoned chunk")
			continue
		}

		data, meta, err := e.fetchChunkData(ctx, addr, chunkID)
		if err != nil {
			log.Error().Err(err).Str("chunk_id", s).Str("peer", addr).Msg("failed to fetch chunk")
			continue
		}

		if err := e.store.Write(chunkstore.Entry{ChunkID: chunkID, Checksum: meta.Checksum}, data); err != nil {
			log.Error().Err(err).Str("chunk_id", s).Msg("rejected fetched chunk")
			continue
		}
		log.Info().Str("chunk_id", s).Str("peer", addr).Msg("replicated chunk via anti-entropy")
	}
}

func (e *Engine) fetchChunkData(ctx context.Context, addr string, chunkID id.ID) ([]byte, rpc.ChunkMetadata, error) {
	sess, err := e.client.OpenStream(ctx, addr, e.tls, wireproto.KindFetchChunkData, rpc.FetchChunkDataRequest{ChunkID: chunkID.String()})
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
		return nil, rpc.ChunkMetadata{}, fmt.Errorf("chunkae: chunk %s not found on peer %s", chunkID, addr)
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
			return nil, rpc.ChunkMetadata{}, fmt.Errorf("chunkae: decode chunk data piece: %w", err)
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

// push sends each local chunk in ids to addr over a WriteChunk stream.
func (e *Engine) push(ctx context.Context, addr string, ids []string) {
	log := logging.WithComponent("chunkae")

	for _, s := range ids {
		chunkID, err := id.Parse(s)
		if err != nil {
			continue
		}
		entry, ok := e.store.Index.Get(chunkID)
		if !ok {
			log.Warn().Str("chunk_id", s).Msg("chunk not found in index, skipping push")
			continue
		}
		data, err := e.store.Read(chunkID)
		if err != nil {
			log.Error().Err(err).Str("chunk_id", s).Msg("failed to read chunk for push")
			continue
		}
		if err := e.pushChunkData(ctx, addr, entry, data); err != nil {
			log.Error().Err(err).Str("chunk_id", s).Str("peer", addr).Msg("failed to push chunk")
			continue
		}
		log.Info().Str("chunk_id", s).Str("peer", addr).Msg("pushed chunk via anti-entropy")
	}
}

func (e *Engine) pushChunkData(ctx context.Context, addr string, entry chunkstore.Entry, data []byte) error {
	sess, err := e.client.OpenStream(ctx, addr, e.tls, wireproto.KindWriteChunk, rpc.WriteChunkRequest{
		ChunkID: entry.ChunkID.String(), FileID: entry.FileID.String(), Size: entry.Size, Checksum: entry.Checksum,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Send(wireproto.KindChunkDataPiece, rpc.ChunkDataPiece{DataBase64: base64.StdEncoding.EncodeToString(data), Final: true}); err != nil {
		return err
	}

	respFrame, err := sess.ReadFrame()
	if err != nil {
		return err
	}
	if err := wireproto.AsError(respFrame); err != nil {
		return err
	}
	var resp rpc.WriteChunkResponse
	if err := respFrame.Decode(&resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("chunkae: peer rejected pushed chunk: %s", resp.ErrorMessage)
	}
	return nil
}

func (e *Engine) pushTombstones(ctx context.Context, addr string, ids []string) error {
	var batch []rpc.Tombstone
	for _, s := range ids {
		chunkID, err := id.Parse(s)
		if err != nil {
			continue
		}
		t, ok := e.store.Index.GetTombstone(chunkID)
		if !ok {
			continue
		}
		batch = append(batch, rpc.Tombstone{ChunkID: t.ChunkID.String(), DeletedAt: t.DeletedAt, Checksum: t.Checksum})
	}
	if len(batch) == 0 {
		return nil
	}

	var resp rpc.PushTombstonesResponse
	if err := e.client.Call(ctx, addr, e.tls, wireproto.KindPushTombstones, rpc.PushTombstonesRequest{Tombstones: batch}, &resp); err != nil {
		return fmt.Errorf("chunkae: push tombstones: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("chunkae: peer rejected tombstones: %s", resp.ErrorMessage)
	}
	return nil
}

func idStrings(ids []id.ID) []string {
	out := make([]string, len(ids))
	for i, v := range ids {
		out[i] = v.String()
	}
	return out
}

func toSet(ss []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}

func subtract(a, b map[string]struct{}) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
