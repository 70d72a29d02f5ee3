package metaae

import (
	"context"

	"github.com/tagvault/filestore/internal/id"
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/rpc"
	"github.com/tagvault/filestore/internal/wireproto"
)

// RegisterHandlers wires GetStateSummary, FetchOperations, and
// PushOperations onto srv, grounded on grpc_service.py's
// ReplicationServicer methods of the same name.
func (e *Engine) RegisterHandlers(srv *rpc.Server) {
	srv.Handle(wireproto.KindGetStateSummary, e.handleGetStateSummary)
	srv.Handle(wireproto.KindFetchOperations, e.handleFetchOperations)
	srv.Handle(wireproto.KindPushOperations, e.handlePushOperations)
}

func (e *Engine) handleGetStateSummary(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	vc, err := e.log.CurrentVC()
	if err != nil {
		return err
	}
	opIDs, err := e.log.GetAllOpIDs()
	if err != nil {
		return err
	}
	ids := make([]string, len(opIDs))
	for i, opID := range opIDs {
		ids[i] = opID.String()
	}
	return sess.Send(wireproto.KindStateSummary, rpc.StateSummary{
		PeerID: e.selfID.String(), VectorClock: vc.Map(), OperationIDs: ids,
	})
}

func (e *Engine) handleFetchOperations(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	var fr rpc.FetchOperationsRequest
	if err := req.Decode(&fr); err != nil {
		return err
	}

	parsed := make([]id.ID, 0, len(fr.OperationIDs))
	for _, s := range fr.OperationIDs {
		if opID, err := id.Parse(s); err == nil {
			parsed = append(parsed, opID)
		}
	}
	ops, err := e.log.GetOpsByIDs(parsed)
	if err != nil {
		return err
	}

	raw := make([]rpc.RawOperation, len(ops))
	for i, op := range ops {
		r, err := encodeOperation(op)
		if err != nil {
			return err
		}
		raw[i] = r
	}
	return sess.Send(wireproto.KindFetchOperationsResponse, rpc.FetchOperationsResponse{Operations: raw})
}

func (e *Engine) handlePushOperations(ctx context.Context, sess *rpc.Session, req *wireproto.Frame) error {
	var pr rpc.PushOperationsRequest
	if err := req.Decode(&pr); err != nil {
		return err
	}

	log := logging.WithComponent("metaae")
	for _, raw := range pr.Operations {
		op, err := decodeRawOperation(raw)
		if err != nil {
			log.Warn().Err(err).Msg("malformed pushed operation")
			continue
		}
		if err := e.apply.ApplyOrDefer(op); err != nil {
			return sess.Send(wireproto.KindPushOperationsResponse,
				rpc.PushOperationsResponse{Success: false, ErrorMessage: err.Error()})
		}
	}
	return sess.Send(wireproto.KindPushOperationsResponse, rpc.PushOperationsResponse{Success: true})
}
