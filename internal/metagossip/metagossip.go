// Package metagossip runs the coordinator-to-coordinator metadata gossip
// protocol: every tick, a node picks a bounded number of random peers and
// sends them its current vector clock plus a bounded batch of recent
// operation summaries. The response only names which of those summarized
// operations the peer is missing; it is never pushed or fetched eagerly —
// internal/metaae's full state-summary exchange is what actually closes
// that gap, matching gossip_manager.py's behavior of logging the gap and
// leaving reconciliation to anti-entropy.
//
// Grounded on original_source/controller/replication/gossip_manager.py's
// GossipManager (_gossip_loop / _gossip_round / _select_peers /
// _mark_peer_suspected_dead), translated from asyncio tasks into a
// context-cancelable ticker loop in the style of discovery.RefreshLoop and
// deferred.Queue.SweepLoop.
package metagossip

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/tagvault/filestore/internal/applier"
	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/metadatastore"
	"github.com/tagvault/filestore/internal/oplog"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/vclock"
	"github.com/tagvault/filestore/internal/wireproto"
)

// RecentSummaryLimit bounds how many recent operation summaries a gossip
// tick advertises, mirroring gossip_manager.py's GOSSIP_BATCH_SIZE.
const RecentSummaryLimit = 50

// Engine drives the periodic gossip tick for one coordinator.
type Engine struct {
	selfID   id.ID
	selfAddr string

	log     *oplog.Log
	store   *metadatastore.Store
	apply   *applier.Applier
	client  *rpc.Client
	tlsConf *tls.Config

	fanOut int

	peers func() ([]string, error)
}

// New builds a gossip Engine. peers is called fresh each tick to resolve
// the candidate peer addresses (normally discovery.Resolver.Discover bound
// to the controller service name, minus selfAddr).
func New(selfID id.ID, selfAddr string, log *oplog.Log, store *metadatastore.Store, apply *applier.Applier, client *rpc.Client, tlsConf *tls.Config, fanOut int, peers func() ([]string, error)) *Engine {
	return &Engine{
		selfID: selfID, selfAddr: selfAddr,
		log: log, store: store, apply: apply, client: client, tlsConf: tlsConf,
		fanOut: fanOut, peers: peers,
	}
}

// Run ticks every interval until ctx is canceled, performing one gossip
// round per tick.
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

// Round performs one gossip tick: select up to fanOut peers and gossip
// with each, independently, so one unreachable peer never blocks another.
func (e *Engine) Round(ctx context.Context) {
	log := logging.WithComponent("metagossip")

	addrs, err := e.peers()
	if err != nil {
		log.Warn().Err(err).Msg("peer discovery failed")
		return
	}
	targets := selectPeers(addrs, e.fanOut)
	for _, addr := range targets {
		if err := e.gossipWith(ctx, addr); err != nil {
			log.Warn().Err(err).Str("peer", addr).Msg("gossip round failed")
			_ = e.store.MarkPeerSuspected(addr)
		}
	}
}

// selectPeers picks up to n addresses from addrs without replacement,
// mirroring _select_peers' random.sample.
func selectPeers(addrs []string, n int) []string {
	if len(addrs) <= n {
		return addrs
	}
	shuffled := make([]string, len(addrs))
	copy(shuffled, addrs)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

// gossipWith performs one Gossip RPC against addr: send recent summaries
// and our vector clock, merge the peer's clock, and record the gap the
// peer reports — without fetching it; that is anti-entropy's job.
func (e *Engine) gossipWith(ctx context.Context, addr string) error {
	vc, err := e.log.CurrentVC()
	if err != nil {
		return fmt.Errorf("metagossip: read local vc: %w", err)
	}
	recent, err := e.log.GetRecentSummaries(RecentSummaryLimit)
	if err != nil {
		return fmt.Errorf("metagossip: read recent summaries: %w", err)
	}

	req := rpc.GossipMessage{
		SenderID:        e.selfID.String(),
		SenderAddress:   e.selfAddr,
		VectorClock:     vc.Map(),
		RecentSummaries: summariesToWire(recent),
	}

	var resp rpc.GossipResponse
	if err := e.client.Call(ctx, addr, e.tlsConf, wireproto.KindGossip, req, &resp); err != nil {
		return fmt.Errorf("metagossip: gossip call: %w", err)
	}

	if err := e.log.MergeRemote(vclock.FromMap(resp.VectorClock)); err != nil {
		return fmt.Errorf("metagossip: merge remote vc: %w", err)
	}

	if peerID, perr := id.Parse(resp.PeerID); perr == nil {
		_ = e.store.UpsertPeer(metadatastore.PeerRegistryEntry{
			NodeID: peerID, Address: addr, LastSeenAt: time.Now().UnixMilli(),
			LastVectorClock: mustMarshalVC(resp.VectorClock), IsAlive: true,
		})
	}

	if len(resp.MissingOperationIDs) > 0 {
		logging.WithComponent("metagossip").Debug().
			Str("peer", addr).Int("missing", len(resp.MissingOperationIDs)).
			Msg("peer missing operations, left for anti-entropy to reconcile")
	}
	return nil
}

func summariesToWire(s []oplog.Summary) []rpc.OpSummary {
	out := make([]rpc.OpSummary, len(s))
	for i, sm := range s {
		out[i] = rpc.OpSummary{OperationID: sm.OperationID.String(), OpType: string(sm.OpType), TimestampMs: sm.TimestampMs}
	}
	return out
}

func mustMarshalVC(m map[string]uint64) string {
	buf, _ := json.Marshal(m)
	return string(buf)
}
