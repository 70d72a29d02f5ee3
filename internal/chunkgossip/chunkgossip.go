// Package chunkgossip implements the chunk-tier analogue of metagossip: a
// fast, bounded, best-effort tick that advertises recently added chunks
// and recent tombstones to a handful of random storage-node peers.
// Tombstones ARE applied immediately from a gossip message (deletion must
// propagate promptly to close the resurrection window); missing chunk ids
// are only logged, left for chunkae to actually fetch.
//
// Grounded on original_source/chunkserver/replication/chunk_gossip_manager.py
// (_gossip_round, _select_peers, _get_recent_chunk_summaries,
// _get_recent_tombstones) and the storage side of grpc_service.py-style
// handling implied by §4.7/§6's ChunkGossip method.
package chunkgossip

import (
	"context"
	"crypto/tls"
	"math/rand"
	"time"

	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/storagenode/chunkstore"
	"github.com/tagvault/filestore/internal/wireproto"
)

// RecentSummaryLimit bounds how many chunk summaries one gossip tick
// advertises, mirroring chunk_gossip_manager.py's limit=100.
const RecentSummaryLimit = 100

// RecentTombstoneLimit bounds how many tombstones one gossip tick
// advertises, mirroring chunk_gossip_manager.py's limit=50.
const RecentTombstoneLimit = 50

// Engine drives the periodic chunk gossip tick for one storage node.
type Engine struct {
	selfAddr string
	store    *chunkstore.Store
	client   *rpc.Client
	tlsConf  *tls.Config
	fanOut   int
	peers    func() ([]string, error)
}

// New builds a chunk gossip Engine. peers resolves candidate storage-node
// peer addresses, excluding self.
func New(selfAddr string, store *chunkstore.Store, client *rpc.Client, tlsConf *tls.Config, fanOut int, peers func() ([]string, error)) *Engine {
	return &Engine{selfAddr: selfAddr, store: store, client: client, tlsConf: tlsConf, fanOut: fanOut, peers: peers}
}

// Run ticks every interval until ctx is canceled, running one gossip round
// per tick.
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

// Round resolves peers, selects up to fanOut of them, and gossips to each.
func (e *Engine) Round(ctx context.Context) {
	log := logging.WithComponent("chunkgossip")

	addrs, err := e.peers()
	if err != nil {
		log.Warn().Err(err).Msg("peer discovery failed")
		return
	}
	if len(addrs) == 0 {
		log.Debug().Msg("no chunkserver peers found for gossip")
		return
	}

	for _, addr := range selectPeers(addrs, e.fanOut) {
		if err := e.gossipWith(ctx, addr); err != nil {
			log.Warn().Err(err).Str("peer", addr).Msg("chunk gossip failed")
		}
	}
}

func selectPeers(addrs []string, n int) []string {
	if len(addrs) <= n {
		return addrs
	}
	shuffled := make([]string, len(addrs))
	copy(shuffled, addrs)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

// gossipWith sends a bounded batch of recent chunk summaries and
// tombstones to addr and logs, without fetching, any gap the peer reports.
func (e *Engine) gossipWith(ctx context.Context, addr string) error {
	log := logging.WithComponent("chunkgossip")

	recent := e.store.Index.RecentEntries(RecentSummaryLimit)
	summaries := make([]rpc.ChunkSummary, len(recent))
	for i, entry := range recent {
		summaries[i] = rpc.ChunkSummary{ChunkID: entry.ChunkID.String(), Checksum: entry.Checksum, Size: entry.Size}
	}

	tombstones := e.store.Index.RecentTombstones(RecentTombstoneLimit)
	wireTombstones := make([]rpc.Tombstone, len(tombstones))
	for i, t := range tombstones {
		wireTombstones[i] = rpc.Tombstone{ChunkID: t.ChunkID.String(), DeletedAt: t.DeletedAt, Checksum: t.Checksum}
	}

	req := rpc.ChunkGossipMessage{SenderAddress: e.selfAddr, ChunkSummaries: summaries, RecentTombstones: wireTombstones}
	var resp rpc.ChunkGossipResponse
	if err := e.client.Call(ctx, addr, e.tlsConf, wireproto.KindChunkGossip, req, &resp); err != nil {
		return err
	}

	if len(resp.MissingChunkIDs) > 0 {
		log.Debug().Str("peer", addr).Int("count", len(resp.MissingChunkIDs)).
			Msg("peer missing chunks, left for anti-entropy to reconcile")
	}
	return nil
}
