package metagossip

import (
	"context"
	"time"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/metadatastore"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/vclock"
	"github.com/tagvault/filestore/internal/wireproto"
)

// RegisterHandlers wires the Gossip RPC onto srv, grounded on
// grpc_service.py's ReplicationServicer.Gossip: merge the sender's clock,
// then report which of the sender's advertised operations this node
// doesn't already hold.
func (e *Engine) RegisterHandlers(srv *rpc.Server) {
	srv.Handle(wireproto.KindGossip, e.handleGossip)
}

func (e *Engine) handleGossip(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	var msg rpc.GossipMessage
	if err := req.Decode(&msg); err != nil {
		return err
	}

	if err := e.log.MergeRemote(vclock.FromMap(msg.VectorClock)); err != nil {
		return err
	}

	localIDs, err := e.log.GetAllOpIDs()
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(localIDs))
	for _, opID := range localIDs {
		have[opID.String()] = struct{}{}
	}

	var missing []string
	for _, s := range msg.RecentSummaries {
		if _, ok := have[s.OperationID]; !ok {
			missing = append(missing, s.OperationID)
		}
	}

	if senderID, perr := id.Parse(msg.SenderID); perr == nil && msg.SenderAddress != "" {
		_ = e.store.UpsertPeer(metadatastore.PeerRegistryEntry{
			NodeID: senderID, Address: msg.SenderAddress, LastSeenAt: time.Now().UnixMilli(),
			LastVectorClock: mustMarshalVC(msg.VectorClock), IsAlive: true,
		})
	}

	vc, err := e.log.CurrentVC()
	if err != nil {
		return err
	}

	return sess.Send(wireproto.KindGossipResponse, rpc.GossipResponse{
		PeerID:              e.selfID.String(),
		VectorClock:         vc.Map(),
		MissingOperationIDs: missing,
	})
}
